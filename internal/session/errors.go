package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotJoined      = errors.New("not joined to a room")
	ErrNotOwner       = errors.New("only the room owner can do this")
	ErrAlreadySharing = errors.New("already sharing")
	ErrNotSharing     = errors.New("not sharing")
	ErrCannotReceive  = errors.New("this session does not receive media")
	ErrChatLocked     = errors.New("chat is locked")
	ErrDisconnected   = errors.New("disconnected from relay")
	ErrRelay          = errors.New("relay rejected request")
	ErrNegotiation    = errors.New("negotiation failed")
)

type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
