// Package transport defines the contract a STOMP protocol engine uses to move
// frame bytes over a channel, regardless of whether the channel is a
// continuous byte stream (TCP, KCP) or a discrete message channel (WebSocket).
//
// Two implementations live in the sub-packages:
//   - stream: buffered adapter for io.ReadWriter channels
//   - message: adapter for chunk-oriented channels with a final-chunk flag
//
// A Transport is bound to one channel for its whole life and has exactly one
// owner. It does no internal locking: at most one write-side call (WriteByte,
// Write, Flush) and one Read may be in flight at a time.
package transport

import "context"

// FrameTerminator is the byte that ends every STOMP frame on the wire.
const FrameTerminator byte = 0x00

// Transport is the capability the protocol engine reads and writes frames
// through. Every blocking method observes ctx; a context that is already done
// fails the call with ErrCancelled before any byte is transferred.
type Transport interface {
	// WriteByte writes a single byte.
	WriteByte(ctx context.Context, b byte) error

	// Write writes the whole region p.
	Write(ctx context.Context, p []byte) error

	// Flush forces buffered bytes out. Message-oriented transports also
	// close the current logical message.
	Flush(ctx context.Context) error

	// Read reads up to len(p) bytes and returns how many were read.
	// Graceful closure by the peer is reported as 0 bytes with an error
	// matching both io.EOF and ErrClosedByPeer.
	Read(ctx context.Context, p []byte) (int, error)

	// Close releases whatever the transport owns. It is idempotent and
	// always returns nil.
	Close() error
}

// Ownership states whether a transport is responsible for releasing its
// underlying channel.
type Ownership int

const (
	// Owns means the transport created the buffering layer and releases it,
	// and transitively the channel, on Close.
	Owns Ownership = iota
	// Borrows means the channel outlives the transport and is never
	// released by it.
	Borrows
)

// String returns the string representation of Ownership
func (o Ownership) String() string {
	switch o {
	case Owns:
		return "owns"
	case Borrows:
		return "borrows"
	default:
		return "unknown"
	}
}
