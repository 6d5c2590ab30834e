package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalPayloadKeepsSDPVerbatim(t *testing.T) {
	raw := `{"type":"offer","room_id":"c1","payload":{"target":"b","caller":"a","sdp":{"type":"offer","sdp":"v=0\r\n"}}}`

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	var sig SignalPayload
	require.NoError(t, msg.Decode(&sig))
	assert.Equal(t, "b", sig.Target)
	assert.Equal(t, "a", sig.Caller)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0\r\n"}`, string(sig.SDP))
	assert.Empty(t, sig.Candidate)
}

func TestNewMessageWithoutPayload(t *testing.T) {
	msg, err := NewMessage(EventSharingStopped, "c1", nil)
	require.NoError(t, err)

	b, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sharing-stopped","room_id":"c1"}`, string(b))

	var v struct{}
	assert.Error(t, msg.Decode(&v))
}

func TestNewError(t *testing.T) {
	msg := NewError(EventSendMessage, errors.New("chat is locked"))

	var p ErrorPayload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, EventError, msg.Type)
	assert.Equal(t, ErrorPayload{Op: EventSendMessage, Error: "chat is locked"}, p)
}

func TestIsSignal(t *testing.T) {
	for _, ev := range []string{EventOffer, EventAnswer, EventICECandidate} {
		assert.True(t, IsSignal(ev), ev)
	}
	assert.False(t, IsSignal(EventRequestStream))
	assert.False(t, IsSignal(EventSendMessage))
}
