// Package protocol defines the websocket envelope exchanged between the relay
// and room participants, and the payload carried by each event.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/BioHazard786/Liveroom/internal/room"
)

// Message is the envelope for all client-to-relay and relay-to-client events.
type Message struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event identifiers. These are the wire names and must not change.
const (
	EventConnected = "connected"

	EventJoinRoom          = "join-room"
	EventRoomJoined        = "room-joined"
	EventLeaveRoom         = "leave-room"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"

	EventOffer         = "offer"
	EventAnswer        = "answer"
	EventICECandidate  = "ice-candidate"
	EventRequestStream = "request-stream"

	EventSharingStarted = "sharing-started"
	EventSharingStopped = "sharing-stopped"

	EventSendMessage    = "send-message"
	EventReceiveMessage = "receive-message"

	EventUpdateRoomState  = "update-room-state"
	EventRoomStateChanged = "room-state-changed"

	EventError = "error"
)

// IsSignal reports whether the event is relayed to a single target.
func IsSignal(event string) bool {
	switch event {
	case EventOffer, EventAnswer, EventICECandidate:
		return true
	}
	return false
}

// ConnectedPayload is sent once per connection, before anything else.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// JoinPayload carries the identity announced with join-room.
type JoinPayload = room.Identity

// Participant is one connection inside a room.
type Participant struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	Name         string    `json:"name"`
	Role         room.Role `json:"role"`
}

// RoomJoinedPayload is the snapshot a joiner receives.
type RoomJoinedPayload struct {
	ConnectionID string        `json:"connectionId"`
	State        room.State    `json:"state"`
	Participants []Participant `json:"participants"`
}

// SignalPayload is the body of offer, answer and ice-candidate.
// SDP and Candidate are opaque to the relay.
type SignalPayload struct {
	Target    string          `json:"target"`
	Caller    string          `json:"caller,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// SharingStartedPayload names the sharer.
type SharingStartedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// RequestStreamPayload names the receiver asking for a session.
type RequestStreamPayload struct {
	RequesterID string `json:"requesterId"`
}

// ErrorPayload reports a rejected or failed operation to its actor.
type ErrorPayload struct {
	Op    string `json:"op,omitempty"`
	Error string `json:"error"`
}

// NewMessage builds an envelope with payload marshaled as JSON.
// A nil payload produces an envelope without a body.
func NewMessage(event, roomID string, payload any) (*Message, error) {
	msg := &Message{Type: event, RoomID: roomID}
	if payload == nil {
		return msg, nil
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	msg.Payload = b
	return msg, nil
}

// MustMessage is NewMessage for payloads that cannot fail to marshal.
func MustMessage(event, roomID string, payload any) *Message {
	msg, err := NewMessage(event, roomID, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", m.Type, err)
	}
	return nil
}

// NewError builds an error event for op.
func NewError(op string, err error) *Message {
	return MustMessage(EventError, "", ErrorPayload{Op: op, Error: err.Error()})
}
