package roomapi_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/Liveroom/internal/protocol"
	"github.com/BioHazard786/Liveroom/internal/relay"
	"github.com/BioHazard786/Liveroom/internal/room"
	"github.com/BioHazard786/Liveroom/internal/roomapi"
	"github.com/BioHazard786/Liveroom/internal/signaling"
	"github.com/BioHazard786/Liveroom/internal/store"
)

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()

	hub := relay.NewHub(store.NewMemory(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(relay.NewRouter(hub, relay.RouterOptions{}))
	t.Cleanup(cancel)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, srv *httptest.Server) *roomapi.Client {
	t.Helper()
	c, err := roomapi.New(srv.URL+"/api/", nil)
	require.NoError(t, err)
	return c
}

// await returns the next message of the given type.
func await(t *testing.T, c *signaling.Client, event string) *protocol.Message {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case m, ok := <-c.Incoming():
			require.True(t, ok, "connection closed waiting for %s", event)
			if m.Type == event {
				return m
			}
		case <-timeout:
			t.Fatalf("no %s received", event)
			return nil
		}
	}
}

func TestRoomState(t *testing.T) {
	srv := startRelay(t)
	api := newClient(t, srv)
	ctx := context.Background()

	s, err := api.GetRoomState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, room.State{}, s)

	s, err = api.UpdateRoomState(ctx, "c1", room.Patch{Active: room.Bool(true), ChatLocked: room.Bool(true)})
	require.NoError(t, err)
	assert.Equal(t, room.State{Active: true, ChatLocked: true}, s)

	s, err = api.GetRoomState(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, s.ChatLocked)
}

func TestEmptyPatchIsRejected(t *testing.T) {
	srv := startRelay(t)
	api := newClient(t, srv)

	_, err := api.UpdateRoomState(context.Background(), "c1", room.Patch{})
	require.Error(t, err)

	var se *roomapi.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, relay.ErrEmptyPatch.Error(), se.Msg)
	assert.ErrorIs(t, err, roomapi.ErrRoomAPI)
}

func TestChatHistory(t *testing.T) {
	srv := startRelay(t)
	api := newClient(t, srv)
	ctx := context.Background()

	for _, text := range []string{"first", "second", "third"} {
		stored, err := api.PostChatMessage(ctx, "c1", room.ChatMessage{Username: "grace", Role: room.RoleTeacher, Text: text})
		require.NoError(t, err)
		assert.NotEmpty(t, stored.ID)
		assert.Equal(t, "c1", stored.RoomID)
	}

	msgs, err := api.ListChatMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{msgs[0].Text, msgs[1].Text, msgs[2].Text})

	_, err = api.PostChatMessage(ctx, "c1", room.ChatMessage{Text: " "})
	assert.ErrorIs(t, err, room.ErrEmptyMessage)
}

func TestParticipantsAndBroadcastUpdate(t *testing.T) {
	srv := startRelay(t)
	api := newClient(t, srv)
	ctx := context.Background()

	ws, err := signaling.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	await(t, ws, protocol.EventConnected)
	require.NoError(t, ws.SendEvent(protocol.EventJoinRoom, "c1", room.Identity{UserID: "u1", Name: "ada", Role: room.RoleStudent}))
	await(t, ws, protocol.EventRoomJoined)

	people, err := api.Participants(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, people, 1)
	assert.Equal(t, "ada", people[0].Name)

	_, err = api.UpdateRoomState(ctx, "c1", room.Patch{ChatLocked: room.Bool(true)})
	require.NoError(t, err)

	var patch room.Patch
	require.NoError(t, await(t, ws, protocol.EventRoomStateChanged).Decode(&patch))
	assert.Equal(t, room.Patch{ChatLocked: room.Bool(true)}, patch)
}

func TestNew(t *testing.T) {
	_, err := roomapi.New("ftp://relay.example/api", nil)
	assert.Error(t, err)

	_, err = roomapi.New("https://relay.example/api", &http.Client{})
	assert.NoError(t, err)
}

func TestUnreachable(t *testing.T) {
	srv := startRelay(t)
	api := newClient(t, srv)
	srv.Close()

	_, err := api.GetRoomState(context.Background(), "c1")
	assert.ErrorIs(t, err, roomapi.ErrRoomAPI)
}
