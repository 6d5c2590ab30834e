package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/BioHazard786/Liveroom/internal/room"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_state (
	course_id         TEXT PRIMARY KEY,
	is_active         BOOLEAN NOT NULL DEFAULT FALSE,
	is_chat_locked    BOOLEAN NOT NULL DEFAULT FALSE,
	is_screen_sharing BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at        TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS room_messages (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	course_id  TEXT NOT NULL,
	username   TEXT NOT NULL,
	role       TEXT NOT NULL,
	text       TEXT NOT NULL,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS room_messages_course_idx ON room_messages (course_id, created_at);
`

const (
	queryState = `SELECT is_active, is_chat_locked, is_screen_sharing FROM room_state WHERE course_id = $1`

	queryEnsureRoom = `INSERT INTO room_state (course_id) VALUES ($1) ON CONFLICT (course_id) DO NOTHING`

	queryLockState = queryState + ` FOR UPDATE`

	queryUpdateState = `UPDATE room_state
SET is_active = $2, is_chat_locked = $3, is_screen_sharing = $4, updated_at = NOW()
WHERE course_id = $1`

	queryInsertMessage = `INSERT INTO room_messages (id, course_id, username, role, text, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	queryListMessages = `SELECT id, username, role, text, created_at FROM room_messages
WHERE course_id = $1 ORDER BY created_at ASC, seq ASC`
)

// Postgres is the relational backend.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens dsn, verifies the connection and applies the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres store needs a database url")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := NewPostgresDB(db)
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("postgres store connected")
	return p, nil
}

// NewPostgresDB wraps an already opened handle. The schema is not applied.
func NewPostgresDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) GetRoomState(ctx context.Context, roomID string) (room.State, error) {
	if err := checkRoom(roomID); err != nil {
		return room.State{}, err
	}

	var s room.State
	err := p.db.QueryRowContext(ctx, queryState, roomID).Scan(&s.Active, &s.ChatLocked, &s.Sharing)
	if errors.Is(err, sql.ErrNoRows) {
		return room.State{}, nil
	}
	if err != nil {
		return room.State{}, fmt.Errorf("read room %s state: %w", roomID, err)
	}
	return s, nil
}

func (p *Postgres) SetRoomState(ctx context.Context, roomID string, patch room.Patch) (room.State, error) {
	if err := checkRoom(roomID); err != nil {
		return room.State{}, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return room.State{}, fmt.Errorf("begin room %s update: %w", roomID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queryEnsureRoom, roomID); err != nil {
		return room.State{}, fmt.Errorf("create room %s: %w", roomID, err)
	}

	var s room.State
	if err := tx.QueryRowContext(ctx, queryLockState, roomID).Scan(&s.Active, &s.ChatLocked, &s.Sharing); err != nil {
		return room.State{}, fmt.Errorf("lock room %s state: %w", roomID, err)
	}

	s = s.Apply(patch)
	if _, err := tx.ExecContext(ctx, queryUpdateState, roomID, s.Active, s.ChatLocked, s.Sharing); err != nil {
		return room.State{}, fmt.Errorf("update room %s state: %w", roomID, err)
	}

	if err := tx.Commit(); err != nil {
		return room.State{}, fmt.Errorf("commit room %s update: %w", roomID, err)
	}
	return s, nil
}

func (p *Postgres) AppendChatMessage(ctx context.Context, roomID string, msg room.ChatMessage) error {
	if err := checkRoom(roomID); err != nil {
		return err
	}
	if err := checkMessage(msg); err != nil {
		return err
	}

	_, err := p.db.ExecContext(ctx, queryInsertMessage,
		msg.ID, roomID, msg.Username, string(msg.Role), msg.Text, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append chat message to room %s: %w", roomID, err)
	}
	return nil
}

func (p *Postgres) ListChatMessages(ctx context.Context, roomID string) ([]room.ChatMessage, error) {
	if err := checkRoom(roomID); err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, queryListMessages, roomID)
	if err != nil {
		return nil, fmt.Errorf("list chat messages of room %s: %w", roomID, err)
	}
	defer rows.Close()

	msgs := []room.ChatMessage{}
	for rows.Next() {
		msg := room.ChatMessage{RoomID: roomID}
		var role string
		if err := rows.Scan(&msg.ID, &msg.Username, &role, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		msg.Role = room.Role(role)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chat messages of room %s: %w", roomID, err)
	}
	return msgs, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
