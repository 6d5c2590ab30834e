// Package store persists per-course room metadata and chat history.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/BioHazard786/Liveroom/internal/room"
)

var (
	ErrInvalidRoom    = errors.New("invalid room id")
	ErrUnknownDriver  = errors.New("unknown store driver")
	ErrMissingMessage = errors.New("chat message has no id")
)

// Store is the Room Store consumed by the relay.
type Store interface {
	// GetRoomState returns the persisted flags, defaulting to all-false.
	GetRoomState(ctx context.Context, roomID string) (room.State, error)

	// SetRoomState applies a partial update and returns the new state.
	SetRoomState(ctx context.Context, roomID string, patch room.Patch) (room.State, error)

	// AppendChatMessage adds msg to the room log.
	AppendChatMessage(ctx context.Context, roomID string, msg room.ChatMessage) error

	// ListChatMessages returns the room log ordered by creation time ascending.
	ListChatMessages(ctx context.Context, roomID string) ([]room.ChatMessage, error)

	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Driver      string
	RedisURL    string
	DatabaseURL string
}

// Open returns the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverRedis:
		return NewRedis(ctx, opts.RedisURL)
	case DriverPostgres:
		return NewPostgres(ctx, opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
}

func checkRoom(roomID string) error {
	if roomID == "" {
		return ErrInvalidRoom
	}
	return nil
}

func checkMessage(msg room.ChatMessage) error {
	if msg.ID == "" {
		return ErrMissingMessage
	}
	return nil
}

// sortMessages orders by creation time, keeping append order for ties.
func sortMessages(msgs []room.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
