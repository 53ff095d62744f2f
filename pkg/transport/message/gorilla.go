package message

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omochice/stomp-transport/pkg/transport/internal/deadline"
)

// GorillaChannel is a Channel over a gorilla/websocket connection. Like
// CoderChannel it streams chunks into one message writer and reports the end
// of a received message as a trailing empty final chunk. Cancellation goes
// through the connection deadlines, which gorilla treats as fatal.
type GorillaChannel struct {
	conn *websocket.Conn
	typ  int

	w io.WriteCloser
	r io.Reader
}

// NewGorillaChannel wraps conn; typ is websocket.TextMessage or
// websocket.BinaryMessage.
func NewGorillaChannel(conn *websocket.Conn, typ int) *GorillaChannel {
	return &GorillaChannel{conn: conn, typ: typ}
}

// Send implements Channel.
func (c *GorillaChannel) Send(ctx context.Context, chunk []byte, final bool) error {
	stop := deadline.Watch(ctx, c.conn.SetWriteDeadline)
	defer stop()

	if c.w == nil {
		w, err := c.conn.NextWriter(c.typ)
		if err != nil {
			return fmt.Errorf("websocket.Conn.NextWriter: %w", normalClose(err))
		}
		c.w = w
	}

	if len(chunk) > 0 {
		if _, err := c.w.Write(chunk); err != nil {
			c.w = nil
			return fmt.Errorf("write chunk: %w", normalClose(err))
		}
	}
	if final {
		err := c.w.Close()
		c.w = nil
		if err != nil {
			return fmt.Errorf("close message: %w", normalClose(err))
		}
	}
	return nil
}

// Receive implements Channel.
func (c *GorillaChannel) Receive(ctx context.Context, p []byte) (int, bool, error) {
	stop := deadline.Watch(ctx, c.conn.SetReadDeadline)
	defer stop()

	if c.r == nil {
		_, r, err := c.conn.NextReader()
		if err != nil {
			return 0, false, normalClose(err)
		}
		c.r = r
	}

	n, err := c.r.Read(p)
	switch {
	case errors.Is(err, io.EOF):
		c.r = nil
		return n, true, nil
	case err != nil:
		c.r = nil
		if n > 0 {
			return n, false, nil
		}
		return 0, false, normalClose(err)
	}
	return n, false, nil
}

// Close sends a normal-closure control message and closes the connection.
func (c *GorillaChannel) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	return c.conn.Close()
}

const closeWriteTimeout = time.Second

func normalClose(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return err
}
