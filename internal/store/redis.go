package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/BioHazard786/Liveroom/internal/room"
)

const (
	keyPrefix     = "liveroom:room:"
	fieldActive   = "active"
	fieldChat     = "chatLocked"
	fieldSharing  = "sharing"
	maxTxAttempts = 5
)

// Redis stores room state in a hash and the chat log in a sorted set scored
// by creation time. Set members are msgpack-encoded messages.
type Redis struct {
	rdb *redis.Client
}

// ParseRedisURL accepts both "host:port" and redis:// or rediss:// URLs.
func ParseRedisURL(raw string) (*redis.Options, error) {
	if raw == "" {
		raw = "localhost:6379"
	}

	opts := &redis.Options{
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	if !strings.HasPrefix(raw, "redis://") && !strings.HasPrefix(raw, "rediss://") {
		opts.Addr = raw
		return opts, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.Addr = u.Host
	if u.User != nil {
		opts.Username = u.User.Username()
		if password, ok := u.User.Password(); ok {
			opts.Password = password
		}
	}
	if u.Scheme == "rediss" {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

// NewRedis connects to the server at rawURL and verifies it with a ping.
func NewRedis(ctx context.Context, rawURL string) (*Redis, error) {
	opts, err := ParseRedisURL(rawURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}

	slog.Debug("redis store connected", "addr", opts.Addr)
	return &Redis{rdb: rdb}, nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func stateKey(roomID string) string    { return keyPrefix + roomID + ":state" }
func messagesKey(roomID string) string { return keyPrefix + roomID + ":messages" }

func (r *Redis) GetRoomState(ctx context.Context, roomID string) (room.State, error) {
	if err := checkRoom(roomID); err != nil {
		return room.State{}, err
	}

	fields, err := r.rdb.HGetAll(ctx, stateKey(roomID)).Result()
	if err != nil {
		return room.State{}, fmt.Errorf("read room %s state: %w", roomID, err)
	}
	return decodeState(fields), nil
}

func (r *Redis) SetRoomState(ctx context.Context, roomID string, patch room.Patch) (room.State, error) {
	if err := checkRoom(roomID); err != nil {
		return room.State{}, err
	}

	key := stateKey(roomID)
	var state room.State

	update := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		state = decodeState(fields).Apply(patch)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldActive, encodeBool(state.Active),
				fieldChat, encodeBool(state.ChatLocked),
				fieldSharing, encodeBool(state.Sharing),
			)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := r.rdb.Watch(ctx, update, key)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return room.State{}, fmt.Errorf("update room %s state: %w", roomID, err)
		}
	}
	return room.State{}, fmt.Errorf("update room %s state: %w", roomID, redis.TxFailedErr)
}

func (r *Redis) AppendChatMessage(ctx context.Context, roomID string, msg room.ChatMessage) error {
	if err := checkRoom(roomID); err != nil {
		return err
	}
	if err := checkMessage(msg); err != nil {
		return err
	}

	b, err := msgpack.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("encode chat message: %w", err)
	}

	z := redis.Z{Score: float64(msg.CreatedAt.UnixMilli()), Member: b}
	if err := r.rdb.ZAdd(ctx, messagesKey(roomID), z).Err(); err != nil {
		return fmt.Errorf("append chat message to room %s: %w", roomID, err)
	}
	return nil
}

func (r *Redis) ListChatMessages(ctx context.Context, roomID string) ([]room.ChatMessage, error) {
	if err := checkRoom(roomID); err != nil {
		return nil, err
	}

	members, err := r.rdb.ZRange(ctx, messagesKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list chat messages of room %s: %w", roomID, err)
	}

	msgs := make([]room.ChatMessage, 0, len(members))
	for _, m := range members {
		var msg room.ChatMessage
		if err := msgpack.Unmarshal([]byte(m), &msg); err != nil {
			slog.Warn("skipping undecodable chat message", "room", roomID, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}

	// Scores have millisecond resolution; order within a millisecond by the
	// full timestamp.
	sortMessages(msgs)
	return msgs, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func encodeBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func decodeState(fields map[string]string) room.State {
	return room.State{
		Active:     fields[fieldActive] == "1",
		ChatLocked: fields[fieldChat] == "1",
		Sharing:    fields[fieldSharing] == "1",
	}
}
