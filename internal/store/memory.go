package store

import (
	"context"
	"sync"

	"github.com/BioHazard786/Liveroom/internal/room"
)

// Memory keeps everything in process. It is the default backend and the one
// used by tests.
type Memory struct {
	mu       sync.RWMutex
	states   map[string]room.State
	messages map[string][]room.ChatMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		states:   make(map[string]room.State),
		messages: make(map[string][]room.ChatMessage),
	}
}

func (m *Memory) GetRoomState(ctx context.Context, roomID string) (room.State, error) {
	if err := checkRoom(roomID); err != nil {
		return room.State{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[roomID], nil
}

func (m *Memory) SetRoomState(ctx context.Context, roomID string, patch room.Patch) (room.State, error) {
	if err := checkRoom(roomID); err != nil {
		return room.State{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.states[roomID].Apply(patch)
	m.states[roomID] = state
	return state, nil
}

func (m *Memory) AppendChatMessage(ctx context.Context, roomID string, msg room.ChatMessage) error {
	if err := checkRoom(roomID); err != nil {
		return err
	}
	if err := checkMessage(msg); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[roomID] = append(m.messages[roomID], msg)
	return nil
}

func (m *Memory) ListChatMessages(ctx context.Context, roomID string) ([]room.ChatMessage, error) {
	if err := checkRoom(roomID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	msgs := make([]room.ChatMessage, len(m.messages[roomID]))
	copy(msgs, m.messages[roomID])
	m.mu.RUnlock()

	sortMessages(msgs)
	return msgs, nil
}

func (m *Memory) Close() error { return nil }
