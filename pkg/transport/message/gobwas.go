package message

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"

	"github.com/omochice/stomp-transport/pkg/transport/internal/deadline"
)

// FrameChannel is a Channel that maps chunks one-to-one onto WebSocket
// frames of an already upgraded connection, using gobwas/ws frame I/O. Each
// Send writes one frame whose FIN bit is the final flag; each Receive returns
// the payload of the next data frame, or the part of it that fits.
type FrameChannel struct {
	conn  net.Conn
	state ws.State
	op    ws.OpCode

	// send side
	sending bool // a message is open: following frames are continuations

	// receive side
	remaining int64 // unread payload bytes of the current frame
	fin       bool
	masked    bool
	mask      [4]byte
	offset    int

	sendBroken error
	recvBroken error

	ctrlMu    sync.Mutex // control replies come from the read side
	closeOnce sync.Once
}

// FrameChannelOption configures a FrameChannel.
type FrameChannelOption func(*FrameChannel)

// WithBinaryFrames sends binary instead of text messages.
func WithBinaryFrames() FrameChannelOption {
	return func(c *FrameChannel) {
		c.op = ws.OpBinary
	}
}

// NewFrameChannel wraps conn. state tells which side of the handshake conn
// is on; client-side frames are masked as the protocol requires.
func NewFrameChannel(conn net.Conn, state ws.State, opts ...FrameChannelOption) *FrameChannel {
	c := &FrameChannel{
		conn:  conn,
		state: state,
		op:    ws.OpText,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ErrOutOfSync is reported once an aborted read or write stopped partway
// through WebSocket framing bytes. The connection can no longer be parsed or
// written in step with the peer, so every later call on that side fails.
var ErrOutOfSync = errors.New("websocket framing out of sync")

// Send implements Channel.
func (c *FrameChannel) Send(ctx context.Context, chunk []byte, final bool) error {
	if c.sendBroken != nil {
		return c.sendBroken
	}

	op := c.op
	if c.sending {
		op = ws.OpContinuation
	}

	frame := ws.NewFrame(op, final, chunk)
	if c.state.ClientSide() {
		// MaskFrame copies the payload, leaving the caller's slice intact.
		frame = ws.MaskFrame(frame)
	}

	stop := deadline.Watch(ctx, c.conn.SetWriteDeadline)
	w := &countingWriter{w: c.conn}
	c.ctrlMu.Lock()
	err := ws.WriteFrame(w, frame)
	c.ctrlMu.Unlock()
	stop()
	if err != nil {
		if w.n > 0 {
			c.sendBroken = fmt.Errorf("%w: frame cut after %d bytes: %w", ErrOutOfSync, w.n, err)
			return c.sendBroken
		}
		return fmt.Errorf("ws.WriteFrame: %w", err)
	}

	c.sending = !final
	return nil
}

// Receive implements Channel. Payload bytes are returned as soon as any are
// available, so an aborted call never discards data already taken off the
// connection.
func (c *FrameChannel) Receive(ctx context.Context, p []byte) (int, bool, error) {
	if c.recvBroken != nil {
		return 0, false, c.recvBroken
	}

	stop := deadline.Watch(ctx, c.conn.SetReadDeadline)
	defer stop()

	for c.remaining == 0 {
		r := &countingReader{r: c.conn}
		h, err := ws.ReadHeader(r)
		if err != nil {
			if r.n > 0 {
				c.recvBroken = fmt.Errorf("%w: header cut after %d bytes: %w", ErrOutOfSync, r.n, err)
				return 0, false, c.recvBroken
			}
			return 0, false, err
		}

		if h.OpCode.IsControl() {
			if err := c.handleControl(h); err != nil {
				return 0, false, err
			}
			continue
		}

		c.remaining = h.Length
		c.fin = h.Fin
		c.masked = h.Masked
		c.mask = h.Mask
		c.offset = 0

		if h.Length == 0 {
			return 0, h.Fin, nil
		}
	}

	n := len(p)
	if int64(n) > c.remaining {
		n = int(c.remaining)
	}
	if n == 0 {
		return 0, false, nil
	}

	var (
		m   int
		err error
	)
	for m == 0 && err == nil {
		m, err = c.conn.Read(p[:n])
	}
	if m == 0 {
		return 0, false, err
	}
	if c.masked {
		ws.Cipher(p[:m], c.mask, c.offset)
	}
	c.offset += m
	c.remaining -= int64(m)

	return m, c.fin && c.remaining == 0, nil
}

// handleControl consumes a control frame: pings are answered, pongs ignored,
// and a close frame is echoed and reported as io.EOF.
func (c *FrameChannel) handleControl(h ws.Header) error {
	payload := make([]byte, h.Length)
	if n, err := io.ReadFull(c.conn, payload); err != nil {
		if n > 0 {
			c.recvBroken = fmt.Errorf("%w: control payload cut after %d bytes: %w", ErrOutOfSync, n, err)
			return c.recvBroken
		}
		return err
	}
	if h.Masked {
		ws.Cipher(payload, h.Mask, 0)
	}

	switch h.OpCode {
	case ws.OpPing:
		return c.writeControl(ws.NewPongFrame(payload))
	case ws.OpPong:
		return nil
	case ws.OpClose:
		c.closeOnce.Do(func() {
			_ = c.writeControl(ws.NewCloseFrame(payload))
		})
		return io.EOF
	default:
		return fmt.Errorf("unexpected control opcode %v", h.OpCode)
	}
}

func (c *FrameChannel) writeControl(f ws.Frame) error {
	if c.state.ClientSide() {
		f = ws.MaskFrame(f)
	}
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	return ws.WriteFrame(c.conn, f)
}

// Close sends a normal-closure frame, once, and closes the connection.
func (c *FrameChannel) Close() error {
	c.closeOnce.Do(func() {
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = c.writeControl(ws.NewCloseFrame(body))
	})
	return c.conn.Close()
}

type countingReader struct {
	r io.Reader
	n int
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n += n
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.n += n
	return n, err
}
