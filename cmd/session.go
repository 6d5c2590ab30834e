package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BioHazard786/Liveroom/internal/config"
	"github.com/BioHazard786/Liveroom/internal/dns"
	"github.com/BioHazard786/Liveroom/internal/peer"
	"github.com/BioHazard786/Liveroom/internal/protocol"
	"github.com/BioHazard786/Liveroom/internal/room"
	"github.com/BioHazard786/Liveroom/internal/session"
	"github.com/BioHazard786/Liveroom/internal/signaling"
	"github.com/BioHazard786/Liveroom/internal/ui"
)

// Identity flags for share and watch.
var (
	flagName     string
	flagUserID   string
	flagRole     string
	flagRejoin   bool
	flagHeadless bool
)

// joinTimeout bounds the wait for the room snapshot.
const joinTimeout = 15 * time.Second

func clientOptions() config.Options {
	return config.Options{
		ConfigFile: flagConfig,
		Server:     flagServer,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		ForceRelay: flagRelay,
	}
}

func LoadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, session.NewError("load config", err)
	}
	return cfg, nil
}

func identity(defaultRole room.Role) room.Identity {
	role := defaultRole
	if flagRole != "" {
		role = room.ParseRole(flagRole)
	}
	id := flagUserID
	if id == "" {
		id = uuid.NewString()
	}
	name := flagName
	if name == "" {
		name = string(role) + "-" + id[:min(6, len(id))]
	}
	return room.Identity{UserID: id, Name: name, Role: role}
}

// ConnectionContext is one participant's link to a room: its config,
// coordinator and the first relay connection.
type ConnectionContext struct {
	Config      *config.Config
	RoomID      string
	Coordinator *session.Coordinator

	resolver *dns.Resolver
	first    session.Transport
}

func NewConnectionContext(ctx context.Context, cfg *config.Config, roomID string, opts session.Options) (*ConnectionContext, error) {
	opts.RoomID = roomID
	if opts.Factory == nil {
		opts.Factory = peer.NewPionFactory(cfg.ICE())
	}

	cc := &ConnectionContext{
		Config:      cfg,
		RoomID:      roomID,
		Coordinator: session.New(opts),
		resolver:    dns.NewResolver(),
	}

	t, err := cc.connect(ctx)
	if err != nil {
		return nil, session.NewError("connect to relay", err)
	}
	cc.first = t
	return cc, nil
}

func (c *ConnectionContext) connect(ctx context.Context) (session.Transport, error) {
	return signaling.Dial(ctx, c.Config.WebSocketURL(), c.resolver)
}

// dialer hands out the connection made by NewConnectionContext first and
// fresh ones after it.
func (c *ConnectionContext) dialer() session.Dialer {
	return func(ctx context.Context) (session.Transport, error) {
		if t := c.first; t != nil {
			c.first = nil
			return t, nil
		}
		return c.connect(ctx)
	}
}

// Start runs the coordinator in the background. The returned channel yields
// Run's result once.
func (c *ConnectionContext) Start(ctx context.Context, rejoin bool) <-chan error {
	done := make(chan error, 1)
	dial := c.dialer()
	go func() {
		if rejoin {
			done <- session.RunWithRejoin(ctx, c.Coordinator, dial, session.RejoinPolicy{})
			return
		}
		t, err := dial(ctx)
		if err != nil {
			done <- err
			return
		}
		done <- c.Coordinator.Run(ctx, t)
	}()
	return done
}

// WaitJoined blocks until the room snapshot arrived.
func (c *ConnectionContext) WaitJoined(ctx context.Context, runErr <-chan error) error {
	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch c.Coordinator.State() {
		case session.StateSharingIdle, session.StateSharingActive,
			session.StateReceivingIdle, session.StateReceivingActive:
			return nil
		}
		select {
		case err := <-runErr:
			if err == nil {
				err = session.ErrDisconnected
			}
			return session.NewError("join room", err)
		case <-ctx.Done():
			return session.NewError("join room", ctx.Err())
		case <-ticker.C:
		}
	}
}

// roomObserver is implemented by both the interactive view and the line
// printer used in headless mode.
type roomObserver interface {
	session.Observer
	OnStats(peer.Stats)
}

// observerProxy lets the observer be chosen after the coordinator exists.
// It must be set before the coordinator starts.
type observerProxy struct {
	roomObserver
}

// enterRoom connects, installs the view (or the line printer when headless)
// as the observer and waits for the room snapshot. ctx must be cancelled by
// the caller to leave.
func enterRoom(ctx context.Context, cfg *config.Config, roomID, mode string, obs *observerProxy, opts session.Options) (*ConnectionContext, *ui.RoomView, <-chan error, error) {
	opts.Observer = obs

	sp := ui.NewConnectionSpinner("Connecting to relay...")
	sp.Start()
	cc, err := NewConnectionContext(ctx, cfg, roomID, opts)
	if err != nil {
		sp.Error("Could not reach the relay")
		return nil, nil, nil, err
	}

	var view *ui.RoomView
	if flagHeadless {
		obs.roomObserver = &linePrinter{}
	} else {
		view = ui.NewRoomView(roomID, mode, cc.Coordinator)
		obs.roomObserver = view
	}

	sp.UpdateMessage(fmt.Sprintf("Joining room %s...", roomID))
	runErr := cc.Start(ctx, flagRejoin)
	if err := cc.WaitJoined(ctx, runErr); err != nil {
		sp.Error("Could not join " + roomID)
		return nil, nil, nil, err
	}
	sp.Success(fmt.Sprintf("Joined %s as %s", roomID, opts.Identity.Name))
	return cc, view, runErr, nil
}

// attend runs the room until the user leaves, ctx ends or the run fails.
// view is nil in headless mode.
func attend(ctx context.Context, view *ui.RoomView, runErr <-chan error, cancel context.CancelFunc) error {
	var quit <-chan struct{}
	if view != nil {
		view.Start()
		quit = view.Done()
	}

	var err error
	select {
	case err = <-runErr:
	case <-quit:
		cancel()
		err = <-runErr
	case <-ctx.Done():
		err = <-runErr
	}

	if view != nil {
		if uiErr := view.Stop(); uiErr != nil && err == nil {
			err = fmt.Errorf("room view: %w", uiErr)
		}
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// linePrinter reports room activity as plain lines.
type linePrinter struct {
	mu   sync.Mutex
	last peer.Stats
}

func (p *linePrinter) OnState(s session.State) {
	ui.PrintInfof("state: %s", s)
}

func (p *linePrinter) OnRoomState(s room.State) {
	ui.PrintInfof("room: active=%t chat-locked=%t sharing=%t", s.Active, s.ChatLocked, s.Sharing)
}

func (p *linePrinter) OnParticipants(people []protocol.Participant) {
	ui.PrintInfof("%d participant(s) in the room", len(people))
}

func (p *linePrinter) OnChat(m room.ChatMessage) {
	fmt.Printf("%s %s (%s): %s\n", ui.IconChat, m.Username, m.Role, m.Text)
}

func (p *linePrinter) OnError(err error) {
	ui.PrintWarning(err.Error())
}

func (p *linePrinter) OnStats(s peer.Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.Active && !p.last.Active {
		ui.PrintSuccessf("receiving %s stream", s.Codec)
	}
	if !s.Active && p.last.Active {
		ui.PrintInfo("stream ended")
	}
	p.last = s
}
