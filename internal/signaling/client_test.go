package signaling

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/Liveroom/internal/protocol"
	"github.com/BioHazard786/Liveroom/internal/relay"
	"github.com/BioHazard786/Liveroom/internal/room"
	"github.com/BioHazard786/Liveroom/internal/store"
)

func startRelay(t *testing.T) (string, context.CancelFunc) {
	t.Helper()

	hub := relay.NewHub(store.NewMemory(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(relay.NewRouter(hub, relay.RouterOptions{}))
	t.Cleanup(cancel)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", cancel
}

func receive(t *testing.T, c *Client) *protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-c.Incoming():
		require.True(t, ok, "incoming closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay")
		return nil
	}
}

func TestClientRoundTrip(t *testing.T) {
	url, _ := startRelay(t)

	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, protocol.EventConnected, receive(t, c).Type)

	require.NoError(t, c.SendEvent(protocol.EventJoinRoom, "c1", room.Identity{Name: "ada", Role: room.RoleTeacher}))
	msg := receive(t, c)
	assert.Equal(t, protocol.EventRoomJoined, msg.Type)
	assert.Equal(t, "c1", msg.RoomID)
}

func TestClientCloseIsIdempotent(t *testing.T) {
	url, _ := startRelay(t)

	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(protocol.MustMessage(protocol.EventLeaveRoom, "c1", nil)), ErrClosed)

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-c.Incoming():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientNoticesRelayShutdown(t *testing.T) {
	url, stop := startRelay(t)

	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer c.Close()
	receive(t, c)

	stop()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the relay going away")
	}
	assert.ErrorIs(t, c.Send(protocol.MustMessage(protocol.EventLeaveRoom, "c1", nil)), ErrClosed)
}

func TestDialInvalidURL(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/ws", nil)
	assert.Error(t, err)
}
