// Package message adapts a discrete message channel, where every send carries
// an explicit final-chunk flag, to the transport.Transport contract. Message
// boundaries on the channel are derived from the STOMP frame terminator.
package message

import (
	"context"

	"go.uber.org/zap"

	"github.com/omochice/stomp-transport/pkg/transport"
)

// Channel is a message-oriented channel such as a WebSocket connection.
type Channel interface {
	// Send transmits chunk as the next part of the current message; final
	// closes the message.
	Send(ctx context.Context, chunk []byte, final bool) error

	// Receive reads the next available chunk, or as much of it as fits in
	// p. final is true when the returned bytes complete a message.
	// Graceful closure is reported as io.EOF.
	Receive(ctx context.Context, p []byte) (n int, final bool, err error)
}

// FinalChunk maps every byte value written through WriteByte to the final
// flag of the single-byte chunk it is sent in. Only the frame terminator
// closes a message.
var FinalChunk = func() (table [256]bool) {
	table[transport.FrameTerminator] = true
	return table
}()

type options struct {
	logger *zap.Logger
}

// Option configures a Transport.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Transport is a transport.Transport over a Channel. It keeps no message
// state of its own: every call decides its final flag from its own content.
type Transport struct {
	ch     Channel
	logger *zap.Logger
}

var _ transport.Transport = (*Transport)(nil)

// New wraps ch. The transport never closes ch; its creator does.
func New(ch Channel, opts ...Option) *Transport {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Transport{ch: ch, logger: o.logger}
}

// Ownership always reports transport.Borrows.
func (t *Transport) Ownership() transport.Ownership {
	return transport.Borrows
}

// WriteByte sends b as a single-byte chunk, final exactly when b is the
// frame terminator.
func (t *Transport) WriteByte(ctx context.Context, b byte) error {
	if err := transport.CheckCancelled(ctx, "write byte"); err != nil {
		return err
	}
	err := t.ch.Send(ctx, []byte{b}, FinalChunk[b])
	return transport.Wrap(ctx, "write byte", err)
}

// Write sends p as one non-final chunk. p is not scanned for the frame
// terminator and never closes the message: a NUL inside a content-length
// body travels as data. The message ends with
// WriteByte(transport.FrameTerminator) or Flush.
func (t *Transport) Write(ctx context.Context, p []byte) error {
	if err := transport.CheckCancelled(ctx, "write"); err != nil {
		return err
	}
	err := t.ch.Send(ctx, p, false)
	return transport.Wrap(ctx, "write", err)
}

// Flush sends an empty final chunk, closing the current message even when
// no terminator was written.
func (t *Transport) Flush(ctx context.Context) error {
	if err := transport.CheckCancelled(ctx, "flush"); err != nil {
		return err
	}
	err := t.ch.Send(ctx, nil, true)
	return transport.Wrap(ctx, "flush", err)
}

// Read receives the next chunk into p and returns its length.
func (t *Transport) Read(ctx context.Context, p []byte) (int, error) {
	n, _, err := t.ReadChunk(ctx, p)
	return n, err
}

// ReadChunk receives exactly one chunk into p and reports whether it
// completed a message. Chunks are never joined: a message spanning several
// chunks takes several calls.
func (t *Transport) ReadChunk(ctx context.Context, p []byte) (int, bool, error) {
	if err := transport.CheckCancelled(ctx, "read"); err != nil {
		return 0, false, err
	}
	n, final, err := t.ch.Receive(ctx, p)
	if err != nil {
		if n > 0 {
			t.logger.Debug("dropping error delivered with data", zap.Error(err))
			return n, final, nil
		}
		return 0, false, transport.Wrap(ctx, "read", err)
	}
	return n, final, nil
}

// Close is a no-op; the channel's lifetime belongs to whoever created it.
func (t *Transport) Close() error {
	return nil
}
