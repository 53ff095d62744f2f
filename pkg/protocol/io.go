package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/eapache/queue"

	"github.com/omochice/stomp-transport/pkg/transport"
)

// DefaultMaxFrameSize bounds the bytes a FrameReader buffers for one frame.
const DefaultMaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a frame exceeds the reader's limit.
var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame sends f through t: the encoded frame as one region, the
// terminator as a single byte, then a flush.
func WriteFrame(ctx context.Context, t transport.Transport, f *Frame) error {
	if err := t.Write(ctx, f.Encode()); err != nil {
		return err
	}
	if err := t.WriteByte(ctx, transport.FrameTerminator); err != nil {
		return err
	}
	return t.Flush(ctx)
}

// FrameReader reads frames from a transport. It joins partial reads until a
// terminator arrives and keeps any further frames that came in the same read
// for later calls. End-of-line heart-beats between frames are skipped.
type FrameReader struct {
	t       transport.Transport
	buf     []byte
	chunk   []byte
	pending *queue.Queue
	max     int

	heartbeats int
}

// NewFrameReader reads from t, reading up to chunkSize bytes at a time.
func NewFrameReader(t transport.Transport, chunkSize int) *FrameReader {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	return &FrameReader{
		t:       t,
		chunk:   make([]byte, chunkSize),
		pending: queue.New(),
		max:     DefaultMaxFrameSize,
	}
}

// SetMaxFrameSize changes the frame size limit.
func (r *FrameReader) SetMaxFrameSize(n int) {
	r.max = n
}

// Heartbeats returns the number of heart-beats skipped so far.
func (r *FrameReader) Heartbeats() int {
	return r.heartbeats
}

// ReadFrame returns the next frame. Transport errors are returned unchanged,
// so a closed peer matches transport.ErrClosedByPeer.
func (r *FrameReader) ReadFrame(ctx context.Context) (*Frame, error) {
	for r.pending.Length() == 0 {
		n, err := r.t.Read(ctx, r.chunk)
		if err != nil {
			return nil, err
		}
		r.buf = append(r.buf, r.chunk[:n]...)
		if err := r.split(); err != nil {
			return nil, err
		}
	}
	return r.pending.Remove().(*Frame), nil
}

// split moves every complete frame in buf to the pending queue.
func (r *FrameReader) split() error {
	for {
		r.skipHeartbeats()
		if len(r.buf) == 0 {
			return nil
		}

		n, err := frameLen(r.buf)
		if err != nil {
			return err
		}
		if n == 0 {
			if len(r.buf) > r.max {
				return fmt.Errorf("%w: more than %d bytes", ErrFrameTooLarge, r.max)
			}
			return nil
		}

		f, err := Decode(r.buf[:n])
		if err != nil {
			return err
		}
		r.pending.Add(f)
		r.buf = append(r.buf[:0], r.buf[n:]...)
	}
}

func (r *FrameReader) skipHeartbeats() {
	i := 0
	for i < len(r.buf) {
		switch {
		case r.buf[i] == '\n':
			i++
		case r.buf[i] == '\r' && i+1 < len(r.buf) && r.buf[i+1] == '\n':
			i += 2
		default:
			r.buf = r.buf[i:]
			return
		}
		r.heartbeats++
	}
	r.buf = r.buf[:0]
}

// frameLen returns the length of the complete frame at the start of data,
// terminator included, or 0 if more bytes are needed.
func frameLen(data []byte) (int, error) {
	f, bodyStart, err := parseHead(data)
	if err != nil || f == nil {
		return 0, err
	}

	n, ok, err := contentLength(f)
	if err != nil {
		return 0, err
	}
	if ok {
		end := bodyStart + n
		if len(data) <= end {
			return 0, nil
		}
		if data[end] != transport.FrameTerminator {
			return 0, fmt.Errorf("%w: no terminator after %d-byte body", ErrMalformedFrame, n)
		}
		return end + 1, nil
	}

	i := bytes.IndexByte(data[bodyStart:], transport.FrameTerminator)
	if i < 0 {
		return 0, nil
	}
	return bodyStart + i + 1, nil
}
