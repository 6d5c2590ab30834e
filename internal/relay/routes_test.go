package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/Liveroom/internal/protocol"
	"github.com/BioHazard786/Liveroom/internal/room"
	"github.com/BioHazard786/Liveroom/internal/store"
)

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	_, srv := newTestRelay(t, store.NewMemory())
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoomStateRoutes(t *testing.T) {
	_, srv := newTestRelay(t, store.NewMemory())
	watcher := dial(t, srv)
	watcher.join("c1", "bob", room.RoleStudent)

	var state room.State
	status := doJSON(t, http.MethodGet, srv.URL+"/api/room/c1", nil, &state)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, room.State{}, state)

	status = doJSON(t, http.MethodPost, srv.URL+"/api/room/c1/update", room.Patch{Active: room.Bool(true)}, &state)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, room.State{Active: true}, state)

	patch := decode[room.Patch](t, watcher.expect(protocol.EventRoomStateChanged))
	require.NotNil(t, patch.Active)
	assert.True(t, *patch.Active)
	assert.Nil(t, patch.Sharing)

	status = doJSON(t, http.MethodPost, srv.URL+"/api/room/c1/update", room.Patch{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRoomUpdateStoreFailure(t *testing.T) {
	_, srv := newTestRelay(t, failingStore{store.NewMemory()})
	watcher := dial(t, srv)
	watcher.join("c1", "bob", room.RoleStudent)

	var e errorResponse
	status := doJSON(t, http.MethodPost, srv.URL+"/api/room/c1/update", room.Patch{Sharing: room.Bool(false)}, &e)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, e.Error, errDiskFull.Error())

	watcher.expect(protocol.EventRoomStateChanged)
}

func TestMessageRoutes(t *testing.T) {
	_, srv := newTestRelay(t, store.NewMemory())
	watcher := dial(t, srv)
	watcher.join("c1", "bob", room.RoleStudent)

	for _, text := range []string{"first", "second"} {
		var msg room.ChatMessage
		status := doJSON(t, http.MethodPost, srv.URL+"/api/room/c1/message",
			room.ChatMessage{Username: "ada", Role: room.RoleTeacher, Text: text}, &msg)
		require.Equal(t, http.StatusCreated, status)
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, "c1", msg.RoomID)
	}

	// Posting over REST persists only.
	watcher.expectNothing()

	var msgs []room.ChatMessage
	status := doJSON(t, http.MethodGet, srv.URL+"/api/room/c1/messages", nil, &msgs)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Text)
	assert.Equal(t, "second", msgs[1].Text)

	status = doJSON(t, http.MethodPost, srv.URL+"/api/room/c1/message", room.ChatMessage{Text: "  "}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestParticipantsRoute(t *testing.T) {
	_, srv := newTestRelay(t, store.NewMemory())
	a := dial(t, srv)
	a.join("c1", "ada", room.RoleTeacher)

	var ps []protocol.Participant
	status := doJSON(t, http.MethodGet, srv.URL+"/api/room/c1/participants", nil, &ps)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, ps, 1)
	assert.Equal(t, a.id, ps[0].ConnectionID)
	assert.Equal(t, "ada", ps[0].Name)

	status = doJSON(t, http.MethodGet, srv.URL+"/api/room/empty/participants", nil, &ps)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, ps)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://school.example.com/"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req), "no origin header")

	req.Header.Set("Origin", "https://school.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
}
