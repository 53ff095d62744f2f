package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
)

// Kind classifies a transport failure.
type Kind int

const (
	// Faulted is any failure reported by the underlying primitive that is
	// neither a closure nor a cancellation.
	Faulted Kind = iota
	// ClosedByPeer means the peer closed the channel.
	ClosedByPeer
	// Cancelled means the caller's context was done before or during the call.
	Cancelled
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case Faulted:
		return "faulted"
	case ClosedByPeer:
		return "closed by peer"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against any *Error of the same Kind.
var (
	ErrFaulted      = errors.New("transport: faulted")
	ErrClosedByPeer = errors.New("transport: closed by peer")
	ErrCancelled    = errors.New("transport: cancelled")
)

func (k Kind) sentinel() error {
	switch k {
	case ClosedByPeer:
		return ErrClosedByPeer
	case Cancelled:
		return ErrCancelled
	default:
		return ErrFaulted
	}
}

// Error is the error returned by every Transport operation.
type Error struct {
	Op   string // "write", "flush", "read", ...
	Kind Kind
	Err  error // error reported by the primitive or the context
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("transport %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of e's Kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Wrap classifies err as a transport *Error for operation op. A done ctx takes
// precedence over whatever the primitive returned, because deadline-based
// cancellation surfaces as a timeout from the primitive. Wrap returns nil for
// a nil err and passes an existing *Error through unchanged.
func Wrap(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	if ctx != nil && ctx.Err() != nil {
		return &Error{Op: op, Kind: Cancelled, Err: ctx.Err()}
	}
	return &Error{Op: op, Kind: classify(err), Err: err}
}

// CheckCancelled returns a Cancelled *Error when ctx is already done.
func CheckCancelled(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: op, Kind: Cancelled, Err: err}
	}
	return nil
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Cancelled
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return ClosedByPeer
	default:
		return Faulted
	}
}
