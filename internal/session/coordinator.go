// Package session coordinates one participant's view of a live room. It joins
// through the relay, tracks membership and room state, and drives media
// negotiation as the sharer or as a receiver.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/BioHazard786/Liveroom/internal/peer"
	"github.com/BioHazard786/Liveroom/internal/protocol"
	"github.com/BioHazard786/Liveroom/internal/room"
)

// An unanswered outbound session younger than this is not replaced when the
// same receiver asks for a stream again.
const negotiationGrace = 10 * time.Second

var errRunning = errors.New("coordinator is already running")

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateJoined
	StateSharingIdle
	StateSharingActive
	StateReceivingIdle
	StateReceivingActive
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateSharingIdle:
		return "sharing-idle"
	case StateSharingActive:
		return "sharing-active"
	case StateReceivingIdle:
		return "receiving-idle"
	case StateReceivingActive:
		return "receiving-active"
	case StateLeaving:
		return "leaving"
	}
	return "unknown"
}

// Transport is the relay connection. *signaling.Client satisfies it.
type Transport interface {
	Send(*protocol.Message) error
	Incoming() <-chan *protocol.Message
	Close() error
}

// Observer is told about everything the coordinator learns. Callbacks run on
// the coordinator's loop and must not block.
type Observer interface {
	OnState(State)
	OnRoomState(room.State)
	OnParticipants([]protocol.Participant)
	OnChat(room.ChatMessage)
	OnError(error)
}

// NopObserver ignores every callback. Embed it to implement part of Observer.
type NopObserver struct{}

func (NopObserver) OnState(State)                         {}
func (NopObserver) OnRoomState(room.State)                {}
func (NopObserver) OnParticipants([]protocol.Participant) {}
func (NopObserver) OnChat(room.ChatMessage)               {}
func (NopObserver) OnError(error)                         {}

type Options struct {
	RoomID   string
	Identity room.Identity

	// Factory creates the peer connection behind every negotiation session.
	Factory peer.Factory

	// Renderer receives inbound media. Without one, offers are ignored.
	Renderer peer.Renderer

	Observer Observer
	Logger   *slog.Logger
}

// Status is a point-in-time copy of the coordinator's view.
type Status struct {
	State        State
	ConnectionID string
	Room         room.State
	Participants []protocol.Participant
	Receivers    []string
	Sharer       string

	// Sharing is true while a capture is owned, including between a lost
	// connection and the rejoin that resumes it.
	Sharing bool
}

type command struct {
	op    string
	fn    func(*link) error
	reply chan error
}

// Coordinator is a single participant's state machine. Run drives it over one
// relay connection; every command and every relay event is handled on that
// one loop.
type Coordinator struct {
	opts Options
	obs  Observer
	log  *slog.Logger
	cmds chan command

	mu     sync.Mutex
	loop   chan struct{}
	status Status

	// Owned by the loop and carried from one connection to the next.
	capture      peer.CaptureSource
	staleSharing bool
}

// link is the state of one connection. Nothing in it survives a reconnect.
type link struct {
	t           Transport
	connID      string
	joined      bool
	everJoined  bool
	left        bool
	state       State
	room        room.State
	members     []protocol.Participant
	broadcaster *peer.Broadcaster
	receiver    *peer.Receiver
}

func New(opts Options) *Coordinator {
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Identity.Role = room.ParseRole(string(opts.Identity.Role))

	return &Coordinator{
		opts: opts,
		obs:  opts.Observer,
		log:  opts.Logger.With("component", "session", "room", opts.RoomID),
		cmds: make(chan command),
	}
}

// Run joins the room over t and handles it until the participant leaves, ctx
// is cancelled, or the transport is lost. A lost transport returns an error
// wrapping ErrDisconnected; leaving and cancellation return nil. t is closed
// on return.
func (c *Coordinator) Run(ctx context.Context, t Transport) error {
	_, err := c.run(ctx, t)
	return err
}

// run is Run that also reports whether the room was ever joined.
func (c *Coordinator) run(ctx context.Context, t Transport) (joined bool, err error) {
	loop := make(chan struct{})
	c.mu.Lock()
	if c.loop != nil {
		c.mu.Unlock()
		return false, errRunning
	}
	c.loop = loop
	c.mu.Unlock()

	l := c.newLink(t)
	defer func() {
		joined = l.everJoined
		c.teardown(l)
		c.mu.Lock()
		c.loop = nil
		c.mu.Unlock()
		close(loop)
	}()

	c.setState(l, StateConnecting)

	for {
		var captureDone <-chan struct{}
		if c.capture != nil {
			captureDone = c.capture.Done()
		}

		select {
		case <-ctx.Done():
			c.leave(l)
			return false, nil

		case msg, ok := <-t.Incoming():
			if !ok {
				return false, NewError("relay connection", ErrDisconnected)
			}
			c.handle(l, msg)

		case cmd := <-c.cmds:
			err := cmd.fn(l)
			if err != nil {
				err = NewError(cmd.op, err)
			}
			cmd.reply <- err
			if l.left {
				return false, nil
			}

		case <-captureDone:
			c.captureEnded(l)
		}

		c.settle(l)
	}
}

func (c *Coordinator) newLink(t Transport) *link {
	sig := &signaler{t: t, roomID: c.opts.RoomID}
	l := &link{
		t:           t,
		state:       StateDisconnected,
		broadcaster: peer.NewBroadcaster(c.opts.Factory, sig, c.log),
	}
	if c.opts.Renderer != nil {
		l.receiver = peer.NewReceiver(c.opts.Factory, sig, c.opts.Renderer, c.log)
	}
	if c.capture != nil {
		l.broadcaster.SetTracks(c.capture.Tracks())
	}
	return l
}

// teardown releases every session of l. The capture is left running so a
// rejoin resumes sharing.
func (c *Coordinator) teardown(l *link) {
	l.broadcaster.DropAll()
	if l.receiver != nil && l.receiver.HasSession() {
		l.receiver.Reset()
	}
	l.t.Close()
	l.members = nil
	c.setState(l, StateDisconnected)
}

func (c *Coordinator) handle(l *link, msg *protocol.Message) {
	switch msg.Type {
	case protocol.EventConnected:
		var p protocol.ConnectedPayload
		if err := msg.Decode(&p); err != nil {
			c.log.Warn("bad connected event", "error", err)
			return
		}
		l.connID = p.ConnectionID
		c.log.Debug("connected to relay", "conn", l.connID)
		if err := c.send(l, protocol.EventJoinRoom, protocol.JoinPayload(c.opts.Identity)); err != nil {
			c.obs.OnError(NewError("join room", err))
		}

	case protocol.EventRoomJoined:
		var p protocol.RoomJoinedPayload
		if err := msg.Decode(&p); err != nil {
			c.log.Warn("bad room snapshot", "error", err)
			return
		}
		c.joined(l, p)

	case protocol.EventParticipantJoined:
		var p protocol.Participant
		if err := msg.Decode(&p); err != nil || p.ConnectionID == l.connID {
			return
		}
		l.members = slices.DeleteFunc(l.members, func(m protocol.Participant) bool { return m.ConnectionID == p.ConnectionID })
		l.members = append(l.members, p)
		c.obs.OnParticipants(c.participants(l))

		if c.capture != nil {
			c.offer(l, p.ConnectionID)
		}

	case protocol.EventParticipantLeft:
		var p protocol.Participant
		if err := msg.Decode(&p); err != nil {
			return
		}
		l.members = slices.DeleteFunc(l.members, func(m protocol.Participant) bool { return m.ConnectionID == p.ConnectionID })
		c.obs.OnParticipants(c.participants(l))

		if l.broadcaster.Drop(p.ConnectionID) {
			c.log.Info("receiver left", "conn", p.ConnectionID)
		}
		if l.receiver != nil && l.receiver.Sharer() == p.ConnectionID {
			c.log.Info("sharer left", "conn", p.ConnectionID)
			l.receiver.Reset()
		}

	case protocol.EventOffer:
		caller, sdp, err := decodeDescription(msg)
		if err != nil {
			c.log.Warn("bad offer", "error", err)
			return
		}
		if l.receiver == nil || c.capture != nil {
			c.log.Debug("ignoring offer", "caller", caller)
			return
		}
		if err := l.receiver.HandleOffer(caller, sdp); err != nil {
			c.obs.OnError(WrapError("answer offer", ErrNegotiation, err.Error()))
		}

	case protocol.EventAnswer:
		caller, sdp, err := decodeDescription(msg)
		if err != nil {
			c.log.Warn("bad answer", "error", err)
			return
		}
		if err := l.broadcaster.HandleAnswer(caller, sdp); err != nil {
			if errors.Is(err, peer.ErrNoSession) {
				c.log.Debug("answer for unknown session", "caller", caller)
				return
			}
			c.obs.OnError(WrapError("apply answer", ErrNegotiation, err.Error()))
		}

	case protocol.EventICECandidate:
		c.candidate(l, msg)

	case protocol.EventRequestStream:
		var p protocol.RequestStreamPayload
		if err := msg.Decode(&p); err != nil || c.capture == nil {
			return
		}
		if s := l.broadcaster.Session(p.RequesterID); s != nil && !s.Negotiated() && s.Age() < negotiationGrace {
			c.log.Debug("negotiation already in flight", "conn", p.RequesterID)
			return
		}
		c.offer(l, p.RequesterID)

	case protocol.EventSharingStarted:
		c.requestIfIdle(l)

	case protocol.EventSharingStopped:
		if l.receiver != nil {
			l.receiver.Reset()
		}

	case protocol.EventRoomStateChanged:
		var patch room.Patch
		if err := msg.Decode(&patch); err != nil {
			c.log.Warn("bad room state", "error", err)
			return
		}
		l.room = l.room.Apply(patch)
		c.obs.OnRoomState(l.room)

		if l.room.Sharing {
			if patch.Sharing != nil {
				c.requestIfIdle(l)
			}
		} else if l.receiver != nil && l.receiver.HasSession() {
			l.receiver.Reset()
		}

	case protocol.EventReceiveMessage:
		var chat room.ChatMessage
		if err := msg.Decode(&chat); err != nil {
			c.log.Warn("bad chat message", "error", err)
			return
		}
		c.obs.OnChat(chat)

	case protocol.EventError:
		var p protocol.ErrorPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		c.log.Debug("relay error", "op", p.Op, "error", p.Error)
		c.obs.OnError(WrapError(p.Op, ErrRelay, p.Error))

	default:
		c.log.Debug("ignoring event", "type", msg.Type)
	}
}

func (c *Coordinator) joined(l *link, p protocol.RoomJoinedPayload) {
	l.joined = true
	l.everJoined = true
	l.connID = p.ConnectionID
	l.room = p.State
	l.members = slices.DeleteFunc(slices.Clone(p.Participants), func(m protocol.Participant) bool {
		return m.ConnectionID == l.connID
	})
	c.log.Info("joined room", "conn", l.connID, "participants", len(l.members), "sharing", l.room.Sharing)

	c.setState(l, StateJoined)
	c.obs.OnRoomState(l.room)
	c.obs.OnParticipants(c.participants(l))

	switch {
	case c.capture != nil:
		c.announce(l)
	case c.staleSharing:
		// The capture ended while we were away.
		c.staleSharing = false
		c.withdraw(l)
	case l.room.Sharing:
		c.requestIfIdle(l)
	}
}

func (c *Coordinator) candidate(l *link, msg *protocol.Message) {
	var sig protocol.SignalPayload
	if err := msg.Decode(&sig); err != nil {
		c.log.Warn("bad candidate", "error", err)
		return
	}
	var cand pion.ICECandidateInit
	if err := json.Unmarshal(sig.Candidate, &cand); err != nil {
		c.log.Warn("bad candidate", "caller", sig.Caller, "error", err)
		return
	}

	var err error
	switch {
	case l.broadcaster.Session(sig.Caller) != nil:
		err = l.broadcaster.HandleCandidate(sig.Caller, cand)
	case l.receiver != nil:
		err = l.receiver.HandleCandidate(sig.Caller, cand)
	}
	if err != nil && !errors.Is(err, peer.ErrSessionClosed) && !errors.Is(err, peer.ErrNoSession) {
		c.log.Debug("failed to apply candidate", "caller", sig.Caller, "error", err)
	}
}

func (c *Coordinator) offer(l *link, remoteID string) {
	if err := l.broadcaster.Offer(remoteID); err != nil {
		c.obs.OnError(WrapError("offer stream", ErrNegotiation, err.Error()))
	}
}

// requestIfIdle asks the sharer for a stream when this participant can
// receive and has no inbound session.
func (c *Coordinator) requestIfIdle(l *link) {
	if !l.joined || l.receiver == nil || c.capture != nil || l.receiver.HasSession() {
		return
	}
	if err := c.send(l, protocol.EventRequestStream, nil); err != nil {
		c.obs.OnError(NewError("request stream", err))
	}
}

// announce persists sharing, tells the room and pushes a session to every
// member already present.
func (c *Coordinator) announce(l *link) {
	l.broadcaster.SetTracks(c.capture.Tracks())

	if err := c.send(l, protocol.EventUpdateRoomState, room.Patch{Sharing: room.Bool(true)}); err != nil {
		c.obs.OnError(NewError("start sharing", err))
		return
	}
	if err := c.send(l, protocol.EventSharingStarted, nil); err != nil {
		c.obs.OnError(NewError("start sharing", err))
		return
	}

	for _, m := range l.members {
		c.offer(l, m.ConnectionID)
	}
	c.log.Info("sharing started", "receivers", len(l.members))
}

// withdraw persists sharing=false and tells the room the stream is gone.
func (c *Coordinator) withdraw(l *link) {
	if err := c.send(l, protocol.EventUpdateRoomState, room.Patch{Sharing: room.Bool(false)}); err != nil {
		c.obs.OnError(NewError("stop sharing", err))
		return
	}
	if err := c.send(l, protocol.EventSharingStopped, nil); err != nil {
		c.obs.OnError(NewError("stop sharing", err))
	}
}

// stopSharing tears every outbound session down and then stops the capture.
func (c *Coordinator) stopSharing(l *link) {
	l.broadcaster.DropAll()
	l.broadcaster.SetTracks(nil)
	c.capture.Stop()
	c.capture = nil

	if l.joined {
		c.withdraw(l)
	}
	c.log.Info("sharing stopped")
}

func (c *Coordinator) captureEnded(l *link) {
	c.log.Info("capture ended")
	if !l.joined {
		l.broadcaster.DropAll()
		c.capture = nil
		c.staleSharing = true
		return
	}
	c.stopSharing(l)
}

func (c *Coordinator) leave(l *link) {
	c.setState(l, StateLeaving)
	if c.capture != nil {
		c.stopSharing(l)
	}
	if l.joined {
		if err := c.send(l, protocol.EventLeaveRoom, nil); err != nil {
			c.log.Debug("failed to send leave", "error", err)
		}
	}
	l.left = true
	l.joined = false
}

func (c *Coordinator) send(l *link, event string, payload any) error {
	msg, err := protocol.NewMessage(event, c.opts.RoomID, payload)
	if err != nil {
		return err
	}
	return l.t.Send(msg)
}

func (c *Coordinator) isOwner() bool {
	return c.opts.Identity.Role.IsOwner()
}

func (c *Coordinator) participants(l *link) []protocol.Participant {
	return slices.Clone(l.members)
}

// settle derives the state after an event and publishes the status.
func (c *Coordinator) settle(l *link) {
	var next State
	switch {
	case l.left:
		next = StateLeaving
	case !l.joined:
		next = StateConnecting
	case c.capture != nil:
		next = StateSharingActive
	case l.receiver != nil && l.receiver.HasSession():
		next = StateReceivingActive
	case c.isOwner():
		next = StateSharingIdle
	default:
		next = StateReceivingIdle
	}
	c.setState(l, next)
}

func (c *Coordinator) setState(l *link, s State) {
	changed := l.state != s
	l.state = s

	status := Status{
		State:        s,
		ConnectionID: l.connID,
		Room:         l.room,
		Participants: c.participants(l),
		Receivers:    l.broadcaster.Receivers(),
		Sharing:      c.capture != nil,
	}
	if l.receiver != nil {
		status.Sharer = l.receiver.Sharer()
	}

	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	if changed {
		c.log.Debug("state changed", "state", s.String())
		c.obs.OnState(s)
	}
}

// do runs fn on the loop and waits for it.
func (c *Coordinator) do(ctx context.Context, op string, fn func(*link) error) error {
	c.mu.Lock()
	loop := c.loop
	c.mu.Unlock()
	if loop == nil {
		return NewError(op, ErrNotJoined)
	}

	cmd := command{op: op, fn: fn, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-loop:
		return NewError(op, ErrNotJoined)
	case <-ctx.Done():
		return NewError(op, ctx.Err())
	}
	return <-cmd.reply
}

func (c *Coordinator) requireJoined(l *link) error {
	if !l.joined {
		return ErrNotJoined
	}
	return nil
}

func (c *Coordinator) requireOwner(l *link) error {
	if err := c.requireJoined(l); err != nil {
		return err
	}
	if !c.isOwner() {
		return ErrNotOwner
	}
	return nil
}

// StartSharing begins broadcasting src to the room. The coordinator owns src
// from here on and stops it when sharing stops.
func (c *Coordinator) StartSharing(ctx context.Context, src peer.CaptureSource) error {
	return c.do(ctx, "start sharing", func(l *link) error {
		if err := c.requireOwner(l); err != nil {
			return err
		}
		if c.capture != nil {
			return ErrAlreadySharing
		}
		if l.receiver != nil && l.receiver.HasSession() {
			l.receiver.Reset()
		}
		c.capture = src
		c.announce(l)
		return nil
	})
}

// StopSharing ends the broadcast and stops the capture.
func (c *Coordinator) StopSharing(ctx context.Context) error {
	return c.do(ctx, "stop sharing", func(l *link) error {
		if err := c.requireOwner(l); err != nil {
			return err
		}
		if c.capture == nil {
			return ErrNotSharing
		}
		c.stopSharing(l)
		return nil
	})
}

func (c *Coordinator) SendChat(ctx context.Context, text string) error {
	return c.do(ctx, "send message", func(l *link) error {
		if err := c.requireJoined(l); err != nil {
			return err
		}
		msg := room.ChatMessage{Text: text}
		if err := msg.Validate(); err != nil {
			return err
		}
		if l.room.ChatLocked && !c.isOwner() {
			return ErrChatLocked
		}
		return c.send(l, protocol.EventSendMessage, msg)
	})
}

// RequestStream asks the sharer for a fresh session. An existing inbound
// session is replaced once the new offer arrives.
func (c *Coordinator) RequestStream(ctx context.Context) error {
	return c.do(ctx, "request stream", func(l *link) error {
		if err := c.requireJoined(l); err != nil {
			return err
		}
		if l.receiver == nil {
			return ErrCannotReceive
		}
		if c.capture != nil {
			return ErrAlreadySharing
		}
		return c.send(l, protocol.EventRequestStream, nil)
	})
}

func (c *Coordinator) SetChatLocked(ctx context.Context, locked bool) error {
	return c.do(ctx, "update chat lock", func(l *link) error {
		if err := c.requireOwner(l); err != nil {
			return err
		}
		return c.send(l, protocol.EventUpdateRoomState, room.Patch{ChatLocked: room.Bool(locked)})
	})
}

// SetRoomActive opens or closes the room. Closing it stops sharing first.
func (c *Coordinator) SetRoomActive(ctx context.Context, active bool) error {
	return c.do(ctx, "update room", func(l *link) error {
		if err := c.requireOwner(l); err != nil {
			return err
		}
		if !active && c.capture != nil {
			c.stopSharing(l)
		}
		return c.send(l, protocol.EventUpdateRoomState, room.Patch{Active: room.Bool(active)})
	})
}

// Leave stops sharing if needed, leaves the room and ends Run.
func (c *Coordinator) Leave(ctx context.Context) error {
	return c.do(ctx, "leave room", func(l *link) error {
		c.leave(l)
		return nil
	})
}

// Release stops a capture kept after Run or RunWithRejoin returned on a lost
// connection. It fails while the coordinator is running.
func (c *Coordinator) Release() error {
	c.mu.Lock()
	running := c.loop != nil
	c.mu.Unlock()
	if running {
		return errRunning
	}

	if c.capture != nil {
		c.capture.Stop()
		c.capture = nil
	}
	c.staleSharing = false
	return nil
}

// Status returns a snapshot of the coordinator's view.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	s.Participants = slices.Clone(s.Participants)
	s.Receivers = slices.Clone(s.Receivers)
	return s
}

func (c *Coordinator) State() State {
	return c.Status().State
}

// signaler sends negotiation messages for one connection. It is called from
// pion callbacks as well as the loop.
type signaler struct {
	t      Transport
	roomID string
}

func (s *signaler) SendOffer(target string, offer pion.SessionDescription) error {
	return s.sendDescription(protocol.EventOffer, target, offer)
}

func (s *signaler) SendAnswer(target string, answer pion.SessionDescription) error {
	return s.sendDescription(protocol.EventAnswer, target, answer)
}

func (s *signaler) SendCandidate(target string, candidate pion.ICECandidateInit) error {
	b, err := json.Marshal(candidate)
	if err != nil {
		return err
	}
	return s.send(protocol.EventICECandidate, protocol.SignalPayload{Target: target, Candidate: b})
}

func (s *signaler) sendDescription(event, target string, desc pion.SessionDescription) error {
	b, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return s.send(event, protocol.SignalPayload{Target: target, SDP: b})
}

func (s *signaler) send(event string, payload protocol.SignalPayload) error {
	msg, err := protocol.NewMessage(event, s.roomID, payload)
	if err != nil {
		return err
	}
	return s.t.Send(msg)
}

func decodeDescription(msg *protocol.Message) (string, pion.SessionDescription, error) {
	var sig protocol.SignalPayload
	if err := msg.Decode(&sig); err != nil {
		return "", pion.SessionDescription{}, err
	}
	var desc pion.SessionDescription
	if err := json.Unmarshal(sig.SDP, &desc); err != nil {
		return sig.Caller, pion.SessionDescription{}, err
	}
	return sig.Caller, desc, nil
}
