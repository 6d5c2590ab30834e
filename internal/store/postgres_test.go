package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/Liveroom/internal/room"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresDB(db), mock
}

func TestPostgresGetRoomStateDefault(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery(queryState).WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"is_active", "is_chat_locked", "is_screen_sharing"}))

	state, err := p.GetRoomState(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, room.State{}, state)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetRoomState(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(queryEnsureRoom).WithArgs("c1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(queryLockState).WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"is_active", "is_chat_locked", "is_screen_sharing"}).
			AddRow(true, false, false))
	mock.ExpectExec(queryUpdateState).WithArgs("c1", true, false, true).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	state, err := p.SetRoomState(context.Background(), "c1", room.Patch{Sharing: room.Bool(true)})
	require.NoError(t, err)
	assert.Equal(t, room.State{Active: true, Sharing: true}, state)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetRoomStateRollsBack(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(queryEnsureRoom).WithArgs("c1").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := p.SetRoomState(context.Background(), "c1", room.Patch{Active: room.Bool(true)})
	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresChat(t *testing.T) {
	p, mock := newMockPostgres(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	msg := room.ChatMessage{ID: "m1", RoomID: "c1", Username: "alice", Role: room.RoleStudent, Text: "hi", CreatedAt: at}
	mock.ExpectExec(queryInsertMessage).
		WithArgs("m1", "c1", "alice", "student", "hi", at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, p.AppendChatMessage(context.Background(), "c1", msg))

	mock.ExpectQuery(queryListMessages).WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "role", "text", "created_at"}).
			AddRow("m1", "alice", "student", "hi", at).
			AddRow("m2", "bob", "teacher", "welcome", at.Add(time.Second)))

	msgs, err := p.ListChatMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, msg, msgs[0])
	assert.Equal(t, room.RoleTeacher, msgs[1].Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrate(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(schema).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
