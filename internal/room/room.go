// Package room holds the data model shared by the relay, the stores and the
// participant side: room state flags, identities and chat messages.
package room

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxChatLength is the longest chat text accepted, in runes.
const MaxChatLength = 2000

var (
	ErrEmptyMessage   = errors.New("chat message is empty")
	ErrMessageTooLong = errors.New("chat message is too long")
)

// Role of a participant inside a course room.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// IsOwner reports whether the role may mutate room state and share media.
func (r Role) IsOwner() bool {
	return r == RoleTeacher || r == RoleAdmin
}

// ParseRole maps free-form input onto a Role, defaulting to student.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleTeacher:
		return RoleTeacher
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleStudent
	}
}

// Identity is the stable application identity behind a connection.
type Identity struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

// State is the persisted metadata of a course room.
// The zero value is the lazily created default.
type State struct {
	Active     bool `json:"active"`
	ChatLocked bool `json:"chatLocked"`
	Sharing    bool `json:"sharing"`
}

// Patch is a partial State update. Nil fields are left untouched.
type Patch struct {
	Active     *bool `json:"active,omitempty"`
	ChatLocked *bool `json:"chatLocked,omitempty"`
	Sharing    *bool `json:"sharing,omitempty"`
}

// Bool returns a pointer to v, for building patches.
func Bool(v bool) *bool { return &v }

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Active == nil && p.ChatLocked == nil && p.Sharing == nil
}

// Apply merges the patch into s and returns the result.
// Sharing implies Active: turning sharing on opens the room, closing the room
// stops sharing. A patch that both closes the room and starts sharing closes it.
func (s State) Apply(p Patch) State {
	if p.Active != nil {
		s.Active = *p.Active
	}
	if p.ChatLocked != nil {
		s.ChatLocked = *p.ChatLocked
	}
	if p.Sharing != nil {
		s.Sharing = *p.Sharing
	}

	closing := p.Active != nil && !*p.Active
	switch {
	case closing:
		s.Active = false
		s.Sharing = false
	case p.Sharing != nil && *p.Sharing:
		s.Active = true
	}
	return s
}

// ChatMessage is an immutable chat record.
type ChatMessage struct {
	ID        string    `json:"id" msgpack:"id"`
	RoomID    string    `json:"roomId" msgpack:"roomId"`
	Username  string    `json:"username" msgpack:"username"`
	Role      Role      `json:"role" msgpack:"role"`
	Text      string    `json:"text" msgpack:"text"`
	CreatedAt time.Time `json:"createdAt" msgpack:"createdAt"`
}

// Validate checks the message text.
func (m ChatMessage) Validate() error {
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(m.Text) > MaxChatLength {
		return ErrMessageTooLong
	}
	return nil
}
