package uaclient

import (
	"errors"
	"fmt"
)

// ErrNotConnected is matched by errors.Is for every operation attempted
// before Connect succeeds.
var ErrNotConnected = errors.New("uaclient: not connected")

// ErrorKind classifies failures surfaced by the client.
type ErrorKind int

const (
	KindNotConnected ErrorKind = iota + 1
	KindConnect
	KindDisconnect
	KindDiscovery
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotConnected:
		return "not connected"
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindDiscovery:
		return "discovery"
	default:
		return "unknown"
	}
}

// Error is a client failure carrying a coarse kind and the underlying cause.
// The message stays short for casual callers; errors.Unwrap exposes the
// transport or session error for callers that need to tell a bad URL from
// bad credentials.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch e.Kind {
	case KindNotConnected:
		return fmt.Sprintf("must connect before %s", e.Op)
	case KindConnect:
		return "failed to connect, check URL and credentials"
	case KindDisconnect:
		return fmt.Sprintf("disconnect error: %v", e.Err)
	case KindDiscovery:
		return "failed to connect to discovery server"
	default:
		if e.Err != nil {
			return e.Err.Error()
		}
		return "uaclient error"
	}
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNotConnected) match guard failures.
func (e *Error) Is(target error) bool {
	return target == ErrNotConnected && e.Kind == KindNotConnected
}

// IsKind reports whether err is a client Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func notConnected(op string) error {
	return &Error{Kind: KindNotConnected, Op: op}
}
