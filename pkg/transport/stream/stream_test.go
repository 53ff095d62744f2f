package stream_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/omochice/stomp-transport/pkg/transport"
	"github.com/omochice/stomp-transport/pkg/transport/stream"
)

// channel is an in-memory byte channel that records what reaches it.
type channel struct {
	in       *bytes.Reader
	out      bytes.Buffer
	reads    int
	writes   int
	closed   bool
	closeErr error
}

func newChannel(input string) *channel {
	return &channel{in: bytes.NewReader([]byte(input))}
}

func (c *channel) Read(p []byte) (int, error) {
	c.reads++
	return c.in.Read(p)
}

func (c *channel) Write(p []byte) (int, error) {
	c.writes++
	return c.out.Write(p)
}

func (c *channel) Close() error {
	c.closed = true
	return c.closeErr
}

func readFull(ctx context.Context, t transport.Transport, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, 1024)
	for len(out) < n {
		want := n - len(out)
		if want > len(buf) {
			want = len(buf)
		}
		m, err := t.Read(ctx, buf[:want])
		if err != nil {
			return out, err
		}
		out = append(out, buf[:m]...)
	}
	return out, nil
}

func TestTransport_ImplementsInterface(t *testing.T) {
	var _ transport.Transport = (*stream.Transport)(nil)
}

func TestTransport_RoundTrip(t *testing.T) {
	sizes := []int{0, 1, 7, stream.DefaultBufferSize - 1, stream.DefaultBufferSize, 3*stream.DefaultBufferSize + 5}

	for _, n := range sizes {
		n := n
		t.Run(fmt.Sprintf("%d bytes", n), func(t *testing.T) {
			a, b := net.Pipe()
			writer := stream.New(a)
			reader := stream.New(b)
			defer writer.Close()
			defer reader.Close()

			payload := make([]byte, n)
			rand.New(rand.NewSource(int64(n))).Read(payload)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				if err := writer.Write(ctx, payload); err != nil {
					errCh <- err
					return
				}
				errCh <- writer.Flush(ctx)
			}()

			got, err := readFull(ctx, reader, n)
			if err != nil {
				t.Fatalf("read %d bytes: %v", n, err)
			}
			if err := <-errCh; err != nil {
				t.Fatalf("write/flush: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("round trip of %d bytes corrupted data", n)
			}
		})
	}
}

func TestTransport_WriteByteIsBuffered(t *testing.T) {
	ch := newChannel("")
	tr := stream.New(ch)
	ctx := context.Background()

	for _, b := range []byte("SEND") {
		if err := tr.WriteByte(ctx, b); err != nil {
			t.Fatalf("WriteByte() error = %v", err)
		}
	}
	if err := tr.WriteByte(ctx, transport.FrameTerminator); err != nil {
		t.Fatalf("WriteByte() error = %v", err)
	}
	if ch.out.Len() != 0 {
		t.Fatalf("channel received %d bytes before Flush", ch.out.Len())
	}

	if err := tr.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := ch.out.String(); got != "SEND\x00" {
		t.Errorf("channel received %q, want %q", got, "SEND\x00")
	}
	if ch.writes != 1 {
		t.Errorf("Flush issued %d channel writes, want 1", ch.writes)
	}
}

func TestTransport_ReadMayReturnShortCount(t *testing.T) {
	ch := newChannel("abc")
	tr := stream.New(ch)

	buf := make([]byte, 10)
	n, err := tr.Read(context.Background(), buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "abc" {
		t.Errorf("Read() = %q, want %q", buf[:n], "abc")
	}
}

func TestTransport_ReadEOFIsClosedByPeer(t *testing.T) {
	tr := stream.New(newChannel(""))

	n, err := tr.Read(context.Background(), make([]byte, 4))
	if n != 0 {
		t.Errorf("Read() n = %d, want 0", n)
	}
	if !errors.Is(err, transport.ErrClosedByPeer) {
		t.Errorf("Read() error = %v, want ErrClosedByPeer", err)
	}
	if !errors.Is(err, io.EOF) {
		t.Errorf("Read() error = %v, want io.EOF underneath", err)
	}
}

func TestTransport_Ownership(t *testing.T) {
	tests := []struct {
		name string
		rw   func(ch *channel) io.ReadWriter
		opts []stream.Option
		want transport.Ownership
	}{
		{
			name: "plain channel is wrapped and owned",
			rw:   func(ch *channel) io.ReadWriter { return ch },
			want: transport.Owns,
		},
		{
			name: "plain channel with explicit size is owned",
			rw:   func(ch *channel) io.ReadWriter { return ch },
			opts: []stream.Option{stream.WithBufferSize(64)},
			want: transport.Owns,
		},
		{
			name: "buffering adapter is borrowed",
			rw: func(ch *channel) io.ReadWriter {
				return bufio.NewReadWriter(bufio.NewReader(ch), bufio.NewWriter(ch))
			},
			want: transport.Borrows,
		},
		{
			name: "buffering adapter with explicit size is rewrapped and owned",
			rw: func(ch *channel) io.ReadWriter {
				return bufio.NewReadWriter(bufio.NewReader(ch), bufio.NewWriter(ch))
			},
			opts: []stream.Option{stream.WithBufferSize(64)},
			want: transport.Owns,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := stream.New(tt.rw(newChannel("")), tt.opts...)
			if got := tr.Ownership(); got != tt.want {
				t.Errorf("Ownership() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransport_AdoptedBufferIsNotDoubled(t *testing.T) {
	ch := newChannel("")
	brw := bufio.NewReadWriter(bufio.NewReader(ch), bufio.NewWriter(ch))
	tr := stream.New(brw)
	ctx := context.Background()

	if err := tr.Write(ctx, []byte("abc")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	// The bytes sit in the adopted buffer itself, not in a second layer.
	if got := brw.Writer.Buffered(); got != 3 {
		t.Fatalf("adopted buffer holds %d bytes, want 3", got)
	}

	if err := tr.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := ch.out.String(); got != "abc" {
		t.Errorf("channel received %q after one Flush, want %q", got, "abc")
	}
}

func TestTransport_BorrowedCloseLeavesChannelUsable(t *testing.T) {
	ch := newChannel("")
	brw := bufio.NewReadWriter(bufio.NewReader(ch), bufio.NewWriter(ch))
	tr := stream.New(brw)

	if err := tr.Write(context.Background(), []byte("pending")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if ch.closed {
		t.Fatal("Close() closed a borrowed channel")
	}
	if ch.out.Len() != 0 {
		t.Error("Close() flushed a borrowed buffer")
	}

	// The original owner keeps using it.
	if _, err := brw.WriteString("+more"); err != nil {
		t.Fatalf("owner write after Close: %v", err)
	}
	if err := brw.Flush(); err != nil {
		t.Fatalf("owner flush after Close: %v", err)
	}
	if got := ch.out.String(); got != "pending+more" {
		t.Errorf("channel received %q, want %q", got, "pending+more")
	}
}

func TestTransport_OwnedCloseFlushesAndCloses(t *testing.T) {
	ch := newChannel("")
	tr := stream.New(ch)

	if err := tr.Write(context.Background(), []byte("tail")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if !ch.closed {
		t.Error("Close() did not close an owned channel")
	}
	if got := ch.out.String(); got != "tail" {
		t.Errorf("Close() flushed %q, want %q", got, "tail")
	}
}

func TestTransport_CloseNeverFailsAndIsIdempotent(t *testing.T) {
	ch := newChannel("")
	ch.closeErr = errors.New("already closed")
	tr := stream.New(ch)

	for i := 0; i < 3; i++ {
		if err := tr.Close(); err != nil {
			t.Fatalf("Close() #%d error = %v", i+1, err)
		}
	}
}

func TestTransport_OwnedCloseReleasesConn(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	tr := stream.New(a)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := b.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("peer Read() error = %v, want io.EOF after owned Close", err)
	}
}

func TestTransport_CancelledBeforeTransfer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ops := map[string]func(tr *stream.Transport) error{
		"WriteByte": func(tr *stream.Transport) error { return tr.WriteByte(ctx, 'x') },
		"Write":     func(tr *stream.Transport) error { return tr.Write(ctx, []byte("xyz")) },
		"Flush":     func(tr *stream.Transport) error { return tr.Flush(ctx) },
		"Read": func(tr *stream.Transport) error {
			_, err := tr.Read(ctx, make([]byte, 8))
			return err
		},
	}

	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			ch := newChannel("input")
			tr := stream.New(ch)

			// Something pending so a Flush would have work to do.
			if err := tr.Write(context.Background(), []byte("pending")); err != nil {
				t.Fatalf("Write() error = %v", err)
			}

			err := op(tr)
			if !errors.Is(err, transport.ErrCancelled) {
				t.Fatalf("%s error = %v, want ErrCancelled", name, err)
			}
			if ch.out.Len() != 0 || ch.writes != 0 {
				t.Errorf("%s sent %d bytes despite cancellation", name, ch.out.Len())
			}
			if ch.reads != 0 {
				t.Errorf("%s read from the channel despite cancellation", name)
			}
		})
	}
}

func TestTransport_CancelBlockedRead(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	tr := stream.New(a)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := tr.Read(ctx, make([]byte, 8))
	if !errors.Is(err, transport.ErrCancelled) {
		t.Fatalf("Read() error = %v, want ErrCancelled", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Read() error = %v, want context.DeadlineExceeded underneath", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Read() took %v to notice cancellation", elapsed)
	}

	// The next read with a live context works again.
	go b.Write([]byte("ok"))
	got, err := readFull(context.Background(), tr, 2)
	if err != nil {
		t.Fatalf("Read() after cancellation error = %v", err)
	}
	if string(got) != "ok" {
		t.Errorf("Read() = %q, want %q", got, "ok")
	}
}

func TestTransport_CancelBlockedFlush(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	tr := stream.New(a)
	if err := tr.Write(context.Background(), []byte("nobody reads this")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := tr.Flush(ctx); !errors.Is(err, transport.ErrCancelled) {
		t.Fatalf("Flush() error = %v, want ErrCancelled", err)
	}

	// Part of the buffer may be on the wire already, so the write side
	// refuses further work even with a live context and a draining peer.
	go io.Copy(io.Discard, b)

	for name, op := range map[string]func() error{
		"WriteByte": func() error { return tr.WriteByte(context.Background(), 'x') },
		"Write":     func() error { return tr.Write(context.Background(), []byte("more")) },
		"Flush":     func() error { return tr.Flush(context.Background()) },
	} {
		err := op()
		if !errors.Is(err, stream.ErrWriteAborted) || !errors.Is(err, transport.ErrFaulted) {
			t.Errorf("%s() after cancelled flush error = %v, want ErrWriteAborted and ErrFaulted", name, err)
		}
		if errors.Is(err, transport.ErrCancelled) {
			t.Errorf("%s() after cancelled flush reported ErrCancelled for a live context", name)
		}
	}
}

func TestTransport_CancelledWriteLeavesReadUsable(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	tr := stream.New(a, stream.WithBufferSize(16))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Larger than the buffer, so the write reaches the blocked pipe.
	if err := tr.Write(ctx, bytes.Repeat([]byte("z"), 64)); !errors.Is(err, transport.ErrCancelled) {
		t.Fatalf("Write() error = %v, want ErrCancelled", err)
	}

	go b.Write([]byte("still here"))
	got, err := readFull(context.Background(), tr, len("still here"))
	if err != nil {
		t.Fatalf("Read() after cancelled write error = %v", err)
	}
	if string(got) != "still here" {
		t.Errorf("Read() = %q, want %q", got, "still here")
	}
}

func TestTransport_BorrowedUsesExplicitDeadlines(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	brw := bufio.NewReadWriter(bufio.NewReader(a), bufio.NewWriter(a))
	tr := stream.New(brw, stream.WithDeadlines(a))
	if tr.Ownership() != transport.Borrows {
		t.Fatalf("Ownership() = %v, want borrows", tr.Ownership())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := tr.Read(ctx, make([]byte, 1)); !errors.Is(err, transport.ErrCancelled) {
		t.Fatalf("Read() error = %v, want ErrCancelled", err)
	}
}

func TestTransport_FlushAfterPeerClosed(t *testing.T) {
	a, b := net.Pipe()
	tr := stream.New(a)
	defer tr.Close()

	b.Close()

	if err := tr.Write(context.Background(), []byte("late")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	err := tr.Flush(context.Background())
	if !errors.Is(err, transport.ErrClosedByPeer) {
		t.Errorf("Flush() error = %v, want ErrClosedByPeer", err)
	}

	err = tr.Flush(context.Background())
	if !errors.Is(err, transport.ErrClosedByPeer) || !errors.Is(err, stream.ErrWriteAborted) {
		t.Errorf("second Flush() error = %v, want ErrClosedByPeer and ErrWriteAborted", err)
	}
}
