package ui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/Liveroom/internal/peer"
	"github.com/BioHazard786/Liveroom/internal/protocol"
	"github.com/BioHazard786/Liveroom/internal/room"
	"github.com/BioHazard786/Liveroom/internal/session"
)

type fakeController struct {
	calls  []string
	err    error
	status session.Status
}

func (f *fakeController) SendChat(_ context.Context, text string) error {
	f.calls = append(f.calls, "chat:"+text)
	return f.err
}

func (f *fakeController) SetChatLocked(_ context.Context, locked bool) error {
	if locked {
		f.calls = append(f.calls, "lock")
	} else {
		f.calls = append(f.calls, "unlock")
	}
	return f.err
}

func (f *fakeController) SetRoomActive(_ context.Context, active bool) error {
	if active {
		f.calls = append(f.calls, "open")
	} else {
		f.calls = append(f.calls, "close")
	}
	return f.err
}

func (f *fakeController) StopSharing(context.Context) error {
	f.calls = append(f.calls, "stop")
	return f.err
}

func (f *fakeController) RequestStream(context.Context) error {
	f.calls = append(f.calls, "refresh")
	return f.err
}

func (f *fakeController) Status() session.Status { return f.status }

// submit types line and presses enter, running the resulting command inline.
func submit(t *testing.T, m *roomModel, line string) tea.Msg {
	t.Helper()
	m.input.SetValue(line)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		return nil
	}
	msg := cmd()
	m.Update(msg)
	return msg
}

func TestRoomModelCommands(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"hello class", "chat:hello class"},
		{"/lock", "lock"},
		{"/unlock", "unlock"},
		{"/open", "open"},
		{"/close", "close"},
		{"/stop", "stop"},
		{"/refresh", "refresh"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			ctrl := &fakeController{}
			m := newRoomModel("c1", "Watching", ctrl, make(chan tea.Msg, 1))

			submit(t, m, tt.line)
			assert.Equal(t, []string{tt.want}, ctrl.calls)
			assert.Empty(t, m.input.Value())
			assert.NoError(t, m.lastErr)
		})
	}
}

func TestRoomModelShowsCommandErrors(t *testing.T) {
	ctrl := &fakeController{err: session.ErrNotOwner}
	m := newRoomModel("c1", "Watching", ctrl, make(chan tea.Msg, 1))

	submit(t, m, "/lock")
	assert.ErrorIs(t, m.lastErr, session.ErrNotOwner)
	assert.Contains(t, m.View(), session.ErrNotOwner.Error())

	submit(t, m, "/bogus")
	require.Error(t, m.lastErr)
	assert.Contains(t, m.lastErr.Error(), "unknown command")
	assert.Len(t, ctrl.calls, 1)
}

func TestRoomModelQuit(t *testing.T) {
	m := newRoomModel("c1", "Sharing", &fakeController{}, make(chan tea.Msg, 1))
	m.input.SetValue("/quit")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, m.View())
}

func TestRoomModelEmptyLineDoesNothing(t *testing.T) {
	ctrl := &fakeController{}
	m := newRoomModel("c1", "Watching", ctrl, make(chan tea.Msg, 1))
	assert.Nil(t, submit(t, m, "   "))
	assert.Empty(t, ctrl.calls)
}

func TestRoomViewRendersStatusChatAndStats(t *testing.T) {
	ctrl := &fakeController{status: session.Status{
		State:        session.StateReceivingActive,
		ConnectionID: "me",
		Sharer:       "t1",
		Room:         room.State{Active: true, Sharing: true, ChatLocked: true},
		Participants: []protocol.Participant{
			{ConnectionID: "t1", Name: "Grace", Role: room.RoleTeacher},
			{ConnectionID: "me", Name: "ada", Role: room.RoleStudent},
		},
	}}
	v := NewRoomView("c1", "Watching", ctrl)
	m := v.model

	v.OnState(session.StateReceivingActive)
	v.OnChat(room.ChatMessage{Username: "Grace", Role: room.RoleTeacher, Text: "welcome", CreatedAt: time.Now()})
	v.OnStats(peer.Stats{Codec: "video/VP8", Packets: 42, Bytes: 2048, Active: true})
	v.OnError(errors.New("relay hiccup"))

	for i := 0; i < 4; i++ {
		m.Update(<-v.updates)
	}

	out := m.View()
	assert.Contains(t, out, "c1")
	assert.Contains(t, out, "receiving-active")
	assert.Contains(t, out, "chat locked")
	assert.Contains(t, out, "Grace")
	assert.Contains(t, out, "ada (you)")
	assert.Contains(t, out, "sharing")
	assert.Contains(t, out, "welcome")
	assert.Contains(t, out, "42 packets")
	assert.Contains(t, out, "2.0 KiB")
	assert.Contains(t, out, "relay hiccup")
}

func TestChatScrollback(t *testing.T) {
	m := newRoomModel("c1", "Watching", &fakeController{}, make(chan tea.Msg, 1))
	for i := 0; i < chatScrollback+5; i++ {
		m.Update(chatMsg{Username: "s", Text: strings.Repeat("x", i+1)})
	}
	require.Len(t, m.chat, chatScrollback)
	assert.Equal(t, strings.Repeat("x", 6), m.chat[0].Text)
}

func TestPostDropsWhenFull(t *testing.T) {
	v := NewRoomView("c1", "Watching", &fakeController{})
	for i := 0; i < cap(v.updates)+10; i++ {
		v.OnState(session.StateJoined)
	}
	assert.Len(t, v.updates, cap(v.updates))
}
