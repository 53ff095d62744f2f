// Package deadline turns context cancellation into I/O deadlines so a blocked
// Read or Write on a connection returns as soon as the caller gives up.
package deadline

import (
	"context"
	"time"
)

// aLongTimeAgo is a non-zero time in the past; setting it as a deadline
// unblocks pending I/O immediately.
var aLongTimeAgo = time.Unix(1, 0)

// Reader is implemented by connections with read deadlines.
type Reader interface {
	SetReadDeadline(t time.Time) error
}

// Writer is implemented by connections with write deadlines.
type Writer interface {
	SetWriteDeadline(t time.Time) error
}

// Func sets one deadline.
type Func func(t time.Time) error

// ForRead returns the read-deadline setter of v, or nil.
func ForRead(v any) Func {
	if d, ok := v.(Reader); ok {
		return d.SetReadDeadline
	}
	return nil
}

// ForWrite returns the write-deadline setter of v, or nil.
func ForWrite(v any) Func {
	if d, ok := v.(Writer); ok {
		return d.SetWriteDeadline
	}
	return nil
}

// Watch arranges for set to receive a past deadline once ctx is done. The
// returned stop function must be called when the I/O completes; if the
// deadline was already moved it waits for that and clears it again, so the
// next call starts without a stale deadline.
func Watch(ctx context.Context, set Func) (stop func()) {
	if set == nil || ctx.Done() == nil {
		return func() {}
	}

	fired := make(chan struct{})
	cancel := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = set(aLongTimeAgo)
	})

	return func() {
		if cancel() {
			return
		}
		<-fired
		_ = set(time.Time{})
	}
}
