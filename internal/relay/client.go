package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/BioHazard786/Liveroom/internal/protocol"
	"github.com/BioHazard786/Liveroom/internal/room"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024 // 64 KB - enough for SDP and chat

	// Outbound buffer per connection. A connection that falls this far
	// behind is dropped.
	sendBuffer = 256

	// Upper bound for a single Room Store call made on behalf of a client.
	storeTimeout = 5 * time.Second
)

var (
	ErrNotInRoom     = errors.New("join a room first")
	ErrNotOwner      = errors.New("only the room owner can do this")
	ErrChatLocked    = errors.New("chat is locked")
	ErrMissingRoom   = errors.New("room id is required")
	ErrMissingTarget = errors.New("signal has no target")
	ErrEmptyPatch    = errors.New("room state update changes nothing")
	ErrUnknownEvent  = errors.New("unknown event")
)

// Client is a wrapper for a single websocket connection (a participant).
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	log  *slog.Logger

	// send is a buffered channel for all outbound messages. Only the hub
	// writes to it; WritePump drains it onto the socket.
	send chan *protocol.Message

	mu       sync.Mutex
	roomID   string
	identity room.Identity
	seq      uint64
}

// NewClient wraps conn and assigns it a fresh connection id.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	id := uuid.NewString()
	return &Client{
		hub:  hub,
		conn: conn,
		id:   id,
		log:  hub.log.With("conn", id),
		send: make(chan *protocol.Message, sendBuffer),
	}
}

// ID returns the connection id assigned by the relay.
func (c *Client) ID() string { return c.id }

// Room returns the room the connection is in, or "".
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Identity returns the identity announced with the last join.
func (c *Client) Identity() room.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Client) setMembership(roomID string, identity room.Identity, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
	c.identity = identity
	c.seq = seq
}

func (c *Client) clearMembership() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = ""
	c.seq = 0
}

func (c *Client) joinedSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

func (c *Client) participant() protocol.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.Participant{
		ConnectionID: c.id,
		UserID:       c.identity.UserID,
		Name:         c.identity.Name,
		Role:         c.identity.Role,
	}
}

func (c *Client) remoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		post(c.hub, c.hub.unregister, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("connection closed unexpectedly", "error", err)
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("malformed envelope", "error", err)
			c.reject("", errors.New("malformed message"))
			continue
		}

		if err := c.handle(&msg); err != nil {
			if errors.Is(err, ErrHubClosed) {
				return
			}
			c.log.Debug("rejected message", "type", msg.Type, "error", err)
			c.reject(msg.Type, err)
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				c.log.Debug("write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) reject(op string, err error) {
	c.hub.sendTo(c, protocol.NewError(op, err))
}

func (c *Client) handle(msg *protocol.Message) error {
	if protocol.IsSignal(msg.Type) {
		return c.handleSignal(msg)
	}

	switch msg.Type {
	case protocol.EventJoinRoom:
		return c.handleJoin(msg)

	case protocol.EventLeaveRoom:
		return post(c.hub, c.hub.leaves, c)

	case protocol.EventRequestStream:
		roomID, err := c.requireRoom()
		if err != nil {
			return err
		}
		out := protocol.MustMessage(protocol.EventRequestStream, roomID, protocol.RequestStreamPayload{RequesterID: c.id})
		return c.hub.broadcastExcept(c, roomID, out)

	case protocol.EventSharingStarted:
		roomID, err := c.requireOwner()
		if err != nil {
			return err
		}
		out := protocol.MustMessage(protocol.EventSharingStarted, roomID, protocol.SharingStartedPayload{ConnectionID: c.id})
		return c.hub.broadcastExcept(c, roomID, out)

	case protocol.EventSharingStopped:
		roomID, err := c.requireOwner()
		if err != nil {
			return err
		}
		return c.hub.broadcastExcept(c, roomID, protocol.MustMessage(protocol.EventSharingStopped, roomID, nil))

	case protocol.EventSendMessage:
		return c.handleChat(msg)

	case protocol.EventUpdateRoomState:
		return c.handleUpdate(msg)

	default:
		return ErrUnknownEvent
	}
}

func (c *Client) handleJoin(msg *protocol.Message) error {
	if msg.RoomID == "" {
		return ErrMissingRoom
	}

	var identity protocol.JoinPayload
	if len(msg.Payload) > 0 {
		if err := msg.Decode(&identity); err != nil {
			return err
		}
	}
	identity.Role = room.ParseRole(string(identity.Role))
	if identity.UserID == "" {
		identity.UserID = c.id
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	state, err := c.hub.store.GetRoomState(ctx, msg.RoomID)
	if err != nil {
		// The join still succeeds; the snapshot carries the default state.
		c.log.Error("failed to read room state", "room", msg.RoomID, "error", err)
		c.reject(protocol.EventJoinRoom, err)
		state = room.State{}
	}

	return post(c.hub, c.hub.joins, joinRequest{client: c, roomID: msg.RoomID, identity: identity, state: state})
}

func (c *Client) handleSignal(msg *protocol.Message) error {
	var sig protocol.SignalPayload
	if err := msg.Decode(&sig); err != nil {
		return err
	}
	if sig.Target == "" {
		return ErrMissingTarget
	}

	payload := msg.Payload
	if sig.Caller == "" {
		sig.Caller = c.id
		b, err := json.Marshal(sig)
		if err != nil {
			return err
		}
		payload = b
	}

	roomID := msg.RoomID
	if roomID == "" {
		roomID = c.Room()
	}
	return c.hub.relayTo(sig.Target, &protocol.Message{Type: msg.Type, RoomID: roomID, Payload: payload})
}

func (c *Client) handleChat(msg *protocol.Message) error {
	roomID, err := c.requireRoom()
	if err != nil {
		return err
	}

	var chat room.ChatMessage
	if err := msg.Decode(&chat); err != nil {
		return err
	}
	if err := chat.Validate(); err != nil {
		return err
	}

	identity := c.Identity()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if !identity.Role.IsOwner() {
		state, err := c.hub.store.GetRoomState(ctx, roomID)
		if err != nil {
			c.log.Error("failed to read room state", "room", roomID, "error", err)
		} else if state.ChatLocked {
			return ErrChatLocked
		}
	}

	chat.ID = uuid.NewString()
	chat.RoomID = roomID
	chat.Role = identity.Role
	chat.CreatedAt = time.Now().UTC()
	if identity.Name != "" {
		chat.Username = identity.Name
	}

	return c.hub.RecordAndBroadcastChat(ctx, roomID, chat)
}

func (c *Client) handleUpdate(msg *protocol.Message) error {
	roomID, err := c.requireOwner()
	if err != nil {
		return err
	}

	var patch room.Patch
	if err := msg.Decode(&patch); err != nil {
		return err
	}
	if patch.IsEmpty() {
		return ErrEmptyPatch
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	_, err = c.hub.UpdateRoomState(ctx, roomID, patch)
	return err
}

func (c *Client) requireRoom() (string, error) {
	roomID := c.Room()
	if roomID == "" {
		return "", ErrNotInRoom
	}
	return roomID, nil
}

func (c *Client) requireOwner() (string, error) {
	roomID, err := c.requireRoom()
	if err != nil {
		return "", err
	}
	if !c.Identity().Role.IsOwner() {
		return "", ErrNotOwner
	}
	return roomID, nil
}
