package messenger

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	RecipientUnresolved
	SendFailed
	ChannelDisconnected
	HistoryLoadFailed
	SnapshotLoadFailed
	ReadAckFailed
	SendInFlight
	EmptyMessage
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	RecipientUnresolved: "recipient unresolved",
	SendFailed:          "send failed",
	ChannelDisconnected: "channel disconnected",
	HistoryLoadFailed:   "history load failed",
	SnapshotLoadFailed:  "snapshot load failed",
	ReadAckFailed:       "read acknowledgement failed",
	SendInFlight:        "send in flight",
	EmptyMessage:        "empty message",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned by the stores and the coordinator. Match it with
// errors.Is against a Kind, or errors.As to reach the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a target *Error by Kind, and a bare Kind as well.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t.Kind == e.Kind
	case Kind:
		return t == e.Kind
	}
	return false
}

// Error lets a Kind be used as an errors.Is target.
func (k Kind) Error() string { return k.String() }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
