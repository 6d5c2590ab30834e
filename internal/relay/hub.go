// Package relay implements the signaling relay: it tracks which connections
// are in which course room, routes negotiation messages between them and fans
// out room events, chat and state changes.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/BioHazard786/Liveroom/internal/protocol"
	"github.com/BioHazard786/Liveroom/internal/room"
	"github.com/BioHazard786/Liveroom/internal/store"
)

var ErrHubClosed = errors.New("relay hub is not running")

type joinRequest struct {
	client   *Client
	roomID   string
	identity room.Identity
	state    room.State
}

// directMessage goes to one connection. When client is set it is used as is,
// otherwise targetID is looked up in the routing table.
type directMessage struct {
	client   *Client
	targetID string
	msg      *protocol.Message
}

type roomMessage struct {
	roomID   string
	exceptID string
	msg      *protocol.Message
}

// Hub is the central brain of the relay.
// A single goroutine (Run) owns the routing table and the room membership
// sets. Everything else talks to it through unbuffered channels, so every
// membership change happens in one step and each connection's requests are
// handled in the order it sent them.
type Hub struct {
	store store.Store
	log   *slog.Logger

	register   chan *Client
	unregister chan *Client
	joins      chan joinRequest
	leaves     chan *Client
	direct     chan directMessage
	broadcast  chan roomMessage
	inspect    chan func()

	done chan struct{}

	// Owned by Run.
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	joinSeq uint64
}

// NewHub creates a hub backed by st.
func NewHub(st store.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:      st,
		log:        logger.With("component", "relay"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		joins:      make(chan joinRequest),
		leaves:     make(chan *Client),
		direct:     make(chan directMessage),
		broadcast:  make(chan roomMessage),
		inspect:    make(chan func()),
		done:       make(chan struct{}),
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
	}
}

// Store returns the Room Store the hub persists to.
func (h *Hub) Store() store.Store { return h.store }

// Run processes hub events until ctx is cancelled. On return every
// connection's send channel is closed.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for _, c := range h.clients {
			close(c.send)
		}
		h.clients = nil
		h.rooms = nil
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c.id] = c
			h.log.Debug("connection registered", "conn", c.id, "addr", c.remoteAddr())
			h.deliver(c, protocol.MustMessage(protocol.EventConnected, "", protocol.ConnectedPayload{ConnectionID: c.id}))

		case c := <-h.unregister:
			h.remove(c)

		case req := <-h.joins:
			h.join(req)

		case c := <-h.leaves:
			if _, ok := h.clients[c.id]; ok {
				h.leave(c)
			}

		case dm := <-h.direct:
			target := dm.client
			if target == nil {
				target = h.clients[dm.targetID]
			}
			if target == nil || h.clients[target.id] != target {
				h.log.Debug("dropping message for unknown connection", "type", dm.msg.Type, "target", dm.targetID)
				continue
			}
			h.deliver(target, dm.msg)

		case rm := <-h.broadcast:
			h.fanout(rm.roomID, rm.exceptID, rm.msg)

		case fn := <-h.inspect:
			fn()
		}
	}
}

// join moves the client into req.roomID, leaving its previous room first.
func (h *Hub) join(req joinRequest) {
	c := req.client
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	if c.Room() != "" {
		h.leave(c)
	}

	members, ok := h.rooms[req.roomID]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[req.roomID] = members
		h.log.Info("room opened", "room", req.roomID)
	}

	h.joinSeq++
	c.setMembership(req.roomID, req.identity, h.joinSeq)

	snapshot := protocol.RoomJoinedPayload{
		ConnectionID: c.id,
		State:        req.state,
		Participants: participants(members),
	}
	members[c.id] = c

	h.log.Info("participant joined", "room", req.roomID, "conn", c.id, "user", req.identity.UserID, "role", req.identity.Role)

	if !h.deliver(c, protocol.MustMessage(protocol.EventRoomJoined, req.roomID, snapshot)) {
		return
	}
	h.fanout(req.roomID, c.id, protocol.MustMessage(protocol.EventParticipantJoined, req.roomID, c.participant()))
}

// leave removes the client from its room and tells the remaining members.
func (h *Hub) leave(c *Client) {
	roomID := c.Room()
	members, ok := h.rooms[roomID]
	if !ok {
		c.clearMembership()
		return
	}

	p := c.participant()
	delete(members, c.id)
	c.clearMembership()

	h.log.Info("participant left", "room", roomID, "conn", c.id)

	if len(members) == 0 {
		delete(h.rooms, roomID)
		h.log.Info("room emptied", "room", roomID)
		return
	}
	h.fanout(roomID, "", protocol.MustMessage(protocol.EventParticipantLeft, roomID, p))
}

// remove forgets a connection entirely. Safe to call more than once.
func (h *Hub) remove(c *Client) {
	if h.clients[c.id] != c {
		return
	}
	delete(h.clients, c.id)
	h.leave(c)
	close(c.send)
	h.log.Debug("connection unregistered", "conn", c.id)
}

// deliver queues msg on the client. A client whose buffer is full is
// disconnected.
func (h *Hub) deliver(c *Client, msg *protocol.Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		h.log.Warn("dropping slow connection", "conn", c.id, "room", c.Room())
		h.remove(c)
		return false
	}
}

func (h *Hub) fanout(roomID, exceptID string, msg *protocol.Message) {
	members := h.rooms[roomID]
	if len(members) == 0 {
		return
	}

	targets := make([]*Client, 0, len(members))
	for id, c := range members {
		if id != exceptID {
			targets = append(targets, c)
		}
	}
	for _, c := range targets {
		// An earlier removal in this loop may already have dropped c.
		if h.clients[c.id] == c {
			h.deliver(c, msg)
		}
	}
}

func participants(members map[string]*Client) []protocol.Participant {
	clients := make([]*Client, 0, len(members))
	for _, c := range members {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].joinedSeq() < clients[j].joinedSeq() })

	out := make([]protocol.Participant, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.participant())
	}
	return out
}

// post hands ev to the hub loop, giving up once the hub has stopped.
func post[T any](h *Hub, ch chan T, ev T) error {
	select {
	case ch <- ev:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// Members returns the participants currently in roomID, in join order.
func (h *Hub) Members(roomID string) []protocol.Participant {
	result := make(chan []protocol.Participant, 1)
	err := post(h, h.inspect, func() {
		result <- participants(h.rooms[roomID])
	})
	if err != nil {
		return nil
	}
	return <-result
}

// BroadcastRoomEvent sends an event to every current member of roomID.
// Members that join later do not receive it.
func (h *Hub) BroadcastRoomEvent(roomID, event string, payload any) error {
	msg, err := protocol.NewMessage(event, roomID, payload)
	if err != nil {
		return err
	}
	return post(h, h.broadcast, roomMessage{roomID: roomID, msg: msg})
}

// RecordAndBroadcastChat persists msg and delivers it to every member of
// roomID. A storage failure is logged and the message is delivered anyway.
func (h *Hub) RecordAndBroadcastChat(ctx context.Context, roomID string, msg room.ChatMessage) error {
	if err := h.store.AppendChatMessage(ctx, roomID, msg); err != nil {
		h.log.Error("failed to persist chat message", "room", roomID, "id", msg.ID, "error", err)
	}
	return h.BroadcastRoomEvent(roomID, protocol.EventReceiveMessage, msg)
}

// UpdateRoomState persists patch and announces it with room-state-changed.
// The announcement is sent even when persisting fails; the store error is
// returned so the caller can report it to the actor.
func (h *Hub) UpdateRoomState(ctx context.Context, roomID string, patch room.Patch) (room.State, error) {
	state, storeErr := h.store.SetRoomState(ctx, roomID, patch)
	if storeErr != nil {
		h.log.Error("failed to persist room state", "room", roomID, "error", storeErr)
		storeErr = fmt.Errorf("update room %s: %w", roomID, storeErr)
	}

	if err := h.BroadcastRoomEvent(roomID, protocol.EventRoomStateChanged, patch); err != nil {
		return state, errors.Join(storeErr, err)
	}
	return state, storeErr
}

func (h *Hub) sendTo(c *Client, msg *protocol.Message) error {
	return post(h, h.direct, directMessage{client: c, msg: msg})
}

func (h *Hub) relayTo(targetID string, msg *protocol.Message) error {
	return post(h, h.direct, directMessage{targetID: targetID, msg: msg})
}

func (h *Hub) broadcastExcept(c *Client, roomID string, msg *protocol.Message) error {
	return post(h, h.broadcast, roomMessage{roomID: roomID, exceptID: c.id, msg: msg})
}
