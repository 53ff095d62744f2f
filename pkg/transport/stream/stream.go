// Package stream adapts a continuous byte channel (TCP, KCP, pipes) to the
// transport.Transport contract by adding a buffering layer.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/stomp-transport/pkg/transport"
	"github.com/omochice/stomp-transport/pkg/transport/internal/deadline"
)

// DefaultBufferSize is the capacity of the buffering layer when none is given.
const DefaultBufferSize = 4096

// ErrWriteAborted is reported by write-side calls after an earlier one
// failed, including by cancellation once bytes were in flight. The frame that
// was being written may be cut short on the wire, so the write side stays
// unusable; the read side is not affected.
var ErrWriteAborted = errors.New("stream: write side aborted by an earlier failure")

// CloseFlushTimeout bounds the final flush of an owned transport on channels
// that support write deadlines.
var CloseFlushTimeout = time.Second

// Deadliner is a source of I/O deadlines, typically a net.Conn.
type Deadliner interface {
	deadline.Reader
	deadline.Writer
}

type options struct {
	bufferSize int // 0 means not requested
	deadlines  any
	logger     *zap.Logger
}

// Option configures a Transport.
type Option func(*options)

// WithBufferSize requests an explicit buffer capacity. It always makes the
// transport create, and own, its own buffering layer.
func WithBufferSize(n int) Option {
	return func(o *options) {
		o.bufferSize = n
	}
}

// WithDeadlines sets the connection whose deadlines are used to abort blocked
// calls when their context is cancelled. Without it the channel itself is
// used if it has deadlines.
func WithDeadlines(d Deadliner) Option {
	return func(o *options) {
		o.deadlines = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Transport is a transport.Transport over an io.ReadWriter.
type Transport struct {
	rw        *bufio.ReadWriter
	channel   io.ReadWriter
	ownership transport.Ownership

	setReadDeadline  deadline.Func
	setWriteDeadline deadline.Func

	writeFailed *transport.Error

	logger    *zap.Logger
	closeOnce sync.Once
}

var _ transport.Transport = (*Transport)(nil)

// New wraps rw. If rw already is a *bufio.ReadWriter and no buffer size was
// requested, it is adopted as-is and borrowed: Close leaves it alone.
// Otherwise New creates a buffering layer around rw and owns it: Close flushes
// that layer and closes rw if rw is an io.Closer.
func New(rw io.ReadWriter, opts ...Option) *Transport {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	t := &Transport{
		channel:   rw,
		ownership: ownershipFor(rw, o.bufferSize),
		logger:    o.logger,
	}

	switch t.ownership {
	case transport.Borrows:
		t.rw = rw.(*bufio.ReadWriter)
	case transport.Owns:
		size := o.bufferSize
		if size <= 0 {
			size = DefaultBufferSize
		}
		t.rw = bufio.NewReadWriter(bufio.NewReaderSize(rw, size), bufio.NewWriterSize(rw, size))
	}

	src := o.deadlines
	if src == nil {
		src = rw
	}
	t.setReadDeadline = deadline.ForRead(src)
	t.setWriteDeadline = deadline.ForWrite(src)

	return t
}

// ownershipFor decides, once, whether a new transport owns its buffering
// layer. An explicit size always yields a fresh owned layer.
func ownershipFor(rw io.ReadWriter, bufferSize int) transport.Ownership {
	if _, buffered := rw.(*bufio.ReadWriter); buffered && bufferSize == 0 {
		return transport.Borrows
	}
	return transport.Owns
}

// Ownership reports whether the transport owns its channel.
func (t *Transport) Ownership() transport.Ownership {
	return t.ownership
}

// WriteByte appends b to the write buffer. It only reaches the channel when
// the buffer is full.
func (t *Transport) WriteByte(ctx context.Context, b byte) error {
	if err := t.checkWrite(ctx, "write byte"); err != nil {
		return err
	}
	stop := deadline.Watch(ctx, t.setWriteDeadline)
	err := t.rw.WriteByte(b)
	stop()
	return t.writeDone(ctx, "write byte", err)
}

// Write appends p to the write buffer, spilling to the channel as needed.
func (t *Transport) Write(ctx context.Context, p []byte) error {
	if err := t.checkWrite(ctx, "write"); err != nil {
		return err
	}
	stop := deadline.Watch(ctx, t.setWriteDeadline)
	_, err := t.rw.Write(p)
	stop()
	return t.writeDone(ctx, "write", err)
}

// Flush pushes all buffered bytes to the channel.
func (t *Transport) Flush(ctx context.Context) error {
	if err := t.checkWrite(ctx, "flush"); err != nil {
		return err
	}
	stop := deadline.Watch(ctx, t.setWriteDeadline)
	err := t.rw.Flush()
	stop()
	return t.writeDone(ctx, "flush", err)
}

// checkWrite rejects a write-side call before it touches the buffer.
func (t *Transport) checkWrite(ctx context.Context, op string) error {
	if err := transport.CheckCancelled(ctx, op); err != nil {
		return err
	}
	if t.writeFailed == nil {
		return nil
	}
	kind := transport.Faulted
	if t.writeFailed.Kind == transport.ClosedByPeer {
		kind = transport.ClosedByPeer
	}
	return &transport.Error{Op: op, Kind: kind, Err: fmt.Errorf("%w: %w", ErrWriteAborted, t.writeFailed.Err)}
}

// writeDone classifies the outcome of a write-side call. bufio.Writer keeps
// its first error forever, so the first failure is latched.
func (t *Transport) writeDone(ctx context.Context, op string, err error) error {
	err = transport.Wrap(ctx, op, err)
	if err != nil {
		var te *transport.Error
		if errors.As(err, &te) {
			t.writeFailed = te
		}
	}
	return err
}

// Read reads up to len(p) bytes, serving buffered bytes first. It returns
// fewer bytes than requested whenever that is all that is available.
func (t *Transport) Read(ctx context.Context, p []byte) (int, error) {
	if err := transport.CheckCancelled(ctx, "read"); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	stop := deadline.Watch(ctx, t.setReadDeadline)
	n, err := t.rw.Read(p)
	stop()
	if n > 0 {
		// Data wins over a simultaneous channel error. Channels such as
		// net.Conn report EOF and closure again on the next call.
		return n, nil
	}
	return 0, transport.Wrap(ctx, "read", err)
}

// Close releases the channel when the transport owns it. Pending buffered
// bytes are flushed first on a best-effort basis. Close never fails.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.ownership != transport.Owns {
			return
		}
		if t.writeFailed == nil && t.rw.Writer.Buffered() > 0 {
			if t.setWriteDeadline != nil {
				_ = t.setWriteDeadline(time.Now().Add(CloseFlushTimeout))
			}
			if err := t.rw.Flush(); err != nil {
				t.logger.Debug("flush on close failed", zap.Error(err))
			}
		}
		if c, ok := t.channel.(io.Closer); ok {
			if err := c.Close(); err != nil {
				t.logger.Debug("close channel failed", zap.Error(err))
			}
		}
	})
	return nil
}
