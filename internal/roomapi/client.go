// Package roomapi is a client for the relay's room REST API.
package roomapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BioHazard786/Liveroom/internal/protocol"
	"github.com/BioHazard786/Liveroom/internal/room"
)

const defaultTimeout = 10 * time.Second

var ErrRoomAPI = errors.New("room api request failed")

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
}

func (e *StatusError) Unwrap() error { return ErrRoomAPI }

// Client talks to one relay.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for the API rooted at base, for example
// "https://relay.example/api". A nil hc uses a client with a 10s timeout.
func New(base string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid api url %q: scheme must be http or https", base)
	}
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}, nil
}

// GetRoomState returns the persisted flags of a room.
func (c *Client) GetRoomState(ctx context.Context, roomID string) (room.State, error) {
	var s room.State
	err := c.do(ctx, http.MethodGet, roomPath(roomID, ""), nil, &s)
	return s, err
}

// UpdateRoomState applies patch and returns the resulting state. Connected
// participants see the change as a room-state-changed event.
func (c *Client) UpdateRoomState(ctx context.Context, roomID string, patch room.Patch) (room.State, error) {
	var s room.State
	err := c.do(ctx, http.MethodPost, roomPath(roomID, "/update"), patch, &s)
	return s, err
}

// ListChatMessages returns the stored chat of a room, oldest first.
func (c *Client) ListChatMessages(ctx context.Context, roomID string) ([]room.ChatMessage, error) {
	var msgs []room.ChatMessage
	err := c.do(ctx, http.MethodGet, roomPath(roomID, "/messages"), nil, &msgs)
	return msgs, err
}

// PostChatMessage stores a message without broadcasting it.
func (c *Client) PostChatMessage(ctx context.Context, roomID string, msg room.ChatMessage) (room.ChatMessage, error) {
	var stored room.ChatMessage
	if err := msg.Validate(); err != nil {
		return stored, err
	}
	err := c.do(ctx, http.MethodPost, roomPath(roomID, "/message"), msg, &stored)
	return stored, err
}

// Participants lists the connections currently joined to a room.
func (c *Client) Participants(ctx context.Context, roomID string) ([]protocol.Participant, error) {
	var people []protocol.Participant
	err := c.do(ctx, http.MethodGet, roomPath(roomID, "/participants"), nil, &people)
	return people, err
}

func roomPath(roomID, suffix string) string {
	return "/room/" + url.PathEscape(roomID) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRoomAPI, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRoomAPI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Msg: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrRoomAPI, err)
	}
	return nil
}
