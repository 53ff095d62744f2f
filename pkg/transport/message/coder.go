package message

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/coder/websocket"
)

// CoderChannel is a Channel over a coder/websocket connection. Chunks of one
// logical message go through a single message writer that is closed by the
// final chunk. On the receive side the library hides frame boundaries, so a
// message's end is reported as a trailing empty final chunk once the message
// reader is drained.
//
// The library binds a context to a whole message, so each message gets its
// own context that is cancelled whenever the context of the call in progress
// is. A cancelled call leaves the connection closed by the library.
type CoderChannel struct {
	conn *websocket.Conn
	typ  websocket.MessageType

	w       io.WriteCloser
	wcancel context.CancelFunc

	r       io.Reader
	rcancel context.CancelFunc
}

// NewCoderChannel wraps conn; typ selects text or binary messages.
func NewCoderChannel(conn *websocket.Conn, typ websocket.MessageType) *CoderChannel {
	return &CoderChannel{conn: conn, typ: typ}
}

// Send implements Channel.
func (c *CoderChannel) Send(ctx context.Context, chunk []byte, final bool) error {
	if c.w == nil {
		mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stop := context.AfterFunc(ctx, cancel)
		w, err := c.conn.Writer(mctx, c.typ)
		stop()
		if err != nil {
			cancel()
			return fmt.Errorf("websocket.Conn.Writer: %w", closeAsEOF(err))
		}
		c.w, c.wcancel = w, cancel
	}

	stop := context.AfterFunc(ctx, c.wcancel)
	defer stop()

	if len(chunk) > 0 {
		if _, err := c.w.Write(chunk); err != nil {
			c.resetWriter()
			return fmt.Errorf("write chunk: %w", closeAsEOF(err))
		}
	}
	if final {
		err := c.w.Close()
		c.resetWriter()
		if err != nil {
			return fmt.Errorf("close message: %w", closeAsEOF(err))
		}
	}
	return nil
}

func (c *CoderChannel) resetWriter() {
	c.wcancel()
	c.w, c.wcancel = nil, nil
}

// Receive implements Channel.
func (c *CoderChannel) Receive(ctx context.Context, p []byte) (int, bool, error) {
	if c.r == nil {
		mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stop := context.AfterFunc(ctx, cancel)
		_, r, err := c.conn.Reader(mctx)
		stop()
		if err != nil {
			cancel()
			return 0, false, closeAsEOF(err)
		}
		c.r, c.rcancel = r, cancel
	}

	stop := context.AfterFunc(ctx, c.rcancel)
	n, err := c.r.Read(p)
	stop()

	switch {
	case errors.Is(err, io.EOF):
		c.resetReader()
		if n > 0 {
			return n, true, nil
		}
		return 0, true, nil
	case err != nil:
		c.resetReader()
		if n > 0 {
			return n, false, nil
		}
		return 0, false, closeAsEOF(err)
	}
	return n, false, nil
}

func (c *CoderChannel) resetReader() {
	c.rcancel()
	c.r, c.rcancel = nil, nil
}

// Close closes the connection with a normal-closure status.
func (c *CoderChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// closeAsEOF turns a normal WebSocket close into io.EOF.
func closeAsEOF(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return io.EOF
	}
	return err
}
