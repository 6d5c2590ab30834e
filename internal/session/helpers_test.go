package session_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/Liveroom/internal/peer/peertest"
	"github.com/BioHazard786/Liveroom/internal/protocol"
	"github.com/BioHazard786/Liveroom/internal/relay"
	"github.com/BioHazard786/Liveroom/internal/room"
	"github.com/BioHazard786/Liveroom/internal/session"
	"github.com/BioHazard786/Liveroom/internal/signaling"
	"github.com/BioHazard786/Liveroom/internal/store"
)

const waitFor = 3 * time.Second

type recorder struct {
	mu     sync.Mutex
	states []session.State
	rooms  []room.State
	people []protocol.Participant
	chats  []room.ChatMessage
	errs   []error
}

func (r *recorder) OnState(s session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) OnRoomState(s room.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = append(r.rooms, s)
}

func (r *recorder) OnParticipants(p []protocol.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.people = p
}

func (r *recorder) OnChat(m room.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, m)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) Chats() []room.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]room.ChatMessage(nil), r.chats...)
}

func (r *recorder) Room() room.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rooms) == 0 {
		return room.State{}
	}
	return r.rooms[len(r.rooms)-1]
}

type testRelay struct {
	hub *relay.Hub
	url string
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()

	hub := relay.NewHub(store.NewMemory(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(relay.NewRouter(hub, relay.RouterOptions{}))
	t.Cleanup(cancel)
	t.Cleanup(srv.Close)
	return &testRelay{hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (r *testRelay) state(t *testing.T, roomID string) room.State {
	t.Helper()
	st, err := r.hub.Store().GetRoomState(context.Background(), roomID)
	require.NoError(t, err)
	return st
}

// participant is one coordinator connected to the test relay.
type participant struct {
	c       *session.Coordinator
	factory *peertest.Factory
	render  *peertest.Renderer
	obs     *recorder
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error

	mu      sync.Mutex
	clients []*signaling.Client
}

func (p *participant) dial(url string) session.Dialer {
	return func(ctx context.Context) (session.Transport, error) {
		c, err := signaling.Dial(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.clients = append(p.clients, c)
		p.mu.Unlock()
		return c, nil
	}
}

// dropConnection kills the current relay connection.
func (p *participant) dropConnection() {
	p.mu.Lock()
	c := p.clients[len(p.clients)-1]
	p.mu.Unlock()
	c.Close()
}

func (p *participant) id() string { return p.c.Status().ConnectionID }

type joinOptions struct {
	role    room.Role
	receive bool
	rejoin  bool
}

func join(t *testing.T, r *testRelay, roomID, name string, opts joinOptions) *participant {
	t.Helper()

	p := &participant{
		factory: &peertest.Factory{},
		obs:     &recorder{},
		done:    make(chan struct{}),
	}
	o := session.Options{
		RoomID:   roomID,
		Identity: room.Identity{UserID: name, Name: name, Role: opts.role},
		Factory:  p.factory.New,
		Observer: p.obs,
	}
	if opts.receive {
		p.render = &peertest.Renderer{}
		o.Renderer = p.render
	}
	p.c = session.New(o)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	dial := p.dial(r.url)

	if opts.rejoin {
		go func() {
			defer close(p.done)
			p.runErr = session.RunWithRejoin(ctx, p.c, dial, session.RejoinPolicy{MinDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond})
		}()
	} else {
		transport, err := dial(ctx)
		require.NoError(t, err)
		go func() {
			defer close(p.done)
			p.runErr = p.c.Run(ctx, transport)
		}()
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-p.done:
		case <-time.After(waitFor):
		}
	})

	require.Eventually(t, func() bool {
		switch p.c.State() {
		case session.StateSharingIdle, session.StateReceivingIdle, session.StateReceivingActive:
			return true
		}
		return false
	}, waitFor, 5*time.Millisecond, "%s never joined", name)
	return p
}

// rendered reports how many tracks were rendered with all of their packets.
func (p *participant) rendered() int {
	tracks, packets, _ := p.render.Counts()
	if packets < tracks*peertest.PacketsPerTrack {
		return 0
	}
	return tracks
}

// pipe is an in-memory Transport driven by the test.
type pipe struct {
	in     chan *protocol.Message
	out    chan *protocol.Message
	closed chan struct{}
	once   sync.Once
}

func newPipe() *pipe {
	return &pipe{
		in:     make(chan *protocol.Message, 16),
		out:    make(chan *protocol.Message, 64),
		closed: make(chan struct{}),
	}
}

func (p *pipe) Send(m *protocol.Message) error {
	select {
	case <-p.closed:
		return signaling.ErrClosed
	default:
	}
	p.out <- m
	return nil
}

func (p *pipe) Incoming() <-chan *protocol.Message { return p.in }

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipe) push(event string, payload any) {
	p.in <- protocol.MustMessage(event, "c1", payload)
}

func (p *pipe) expect(t *testing.T, event string) *protocol.Message {
	t.Helper()
	for {
		select {
		case m := <-p.out:
			if m.Type == event {
				return m
			}
		case <-time.After(waitFor):
			t.Fatalf("no %s sent", event)
			return nil
		}
	}
}
