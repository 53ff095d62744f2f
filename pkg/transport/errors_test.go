package transport_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/omochice/stomp-transport/pkg/transport"
)

func TestWrap_Classification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind transport.Kind
		sentinel error
	}{
		{"eof", io.EOF, transport.ClosedByPeer, transport.ErrClosedByPeer},
		{"unexpected eof", io.ErrUnexpectedEOF, transport.ClosedByPeer, transport.ErrClosedByPeer},
		{"closed pipe", io.ErrClosedPipe, transport.ClosedByPeer, transport.ErrClosedByPeer},
		{"broken pipe", fmt.Errorf("write: %w", syscall.EPIPE), transport.ClosedByPeer, transport.ErrClosedByPeer},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), transport.ClosedByPeer, transport.ErrClosedByPeer},
		{"context canceled", context.Canceled, transport.Cancelled, transport.ErrCancelled},
		{"local close", net.ErrClosed, transport.Faulted, transport.ErrFaulted},
		{"other", errors.New("boom"), transport.Faulted, transport.ErrFaulted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := transport.Wrap(context.Background(), "read", tt.err)

			var te *transport.Error
			if !errors.As(err, &te) {
				t.Fatalf("Wrap() = %T, want *transport.Error", err)
			}
			if te.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", te.Kind, tt.wantKind)
			}
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.sentinel)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("Wrap() lost the underlying error %v", tt.err)
			}
		})
	}
}

func TestWrap_DoneContextWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := transport.Wrap(ctx, "read", errors.New("i/o timeout"))
	if !errors.Is(err, transport.ErrCancelled) {
		t.Errorf("Wrap() = %v, want ErrCancelled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wrap() = %v, want to unwrap to context.Canceled", err)
	}
}

func TestWrap_NilAndPassThrough(t *testing.T) {
	if err := transport.Wrap(context.Background(), "write", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}

	orig := &transport.Error{Op: "flush", Kind: transport.ClosedByPeer, Err: io.EOF}
	err := transport.Wrap(context.Background(), "write", fmt.Errorf("outer: %w", orig))
	var te *transport.Error
	if !errors.As(err, &te) || te != orig {
		t.Errorf("Wrap() did not pass the existing *Error through: %v", err)
	}
}

func TestCheckCancelled(t *testing.T) {
	if err := transport.CheckCancelled(context.Background(), "read"); err != nil {
		t.Errorf("CheckCancelled(live ctx) = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := transport.CheckCancelled(ctx, "read")
	if !errors.Is(err, transport.ErrCancelled) {
		t.Errorf("CheckCancelled(done ctx) = %v, want ErrCancelled", err)
	}
}

func TestSentinelsDoNotCrossMatch(t *testing.T) {
	err := &transport.Error{Op: "read", Kind: transport.ClosedByPeer, Err: io.EOF}
	if errors.Is(err, transport.ErrCancelled) || errors.Is(err, transport.ErrFaulted) {
		t.Errorf("ClosedByPeer error matched a foreign sentinel")
	}
}

func TestKindAndOwnership_String(t *testing.T) {
	tests := []struct {
		got  fmt.Stringer
		want string
	}{
		{transport.Faulted, "faulted"},
		{transport.ClosedByPeer, "closed by peer"},
		{transport.Cancelled, "cancelled"},
		{transport.Kind(42), "unknown"},
		{transport.Owns, "owns"},
		{transport.Borrows, "borrows"},
		{transport.Ownership(7), "unknown"},
	}
	for _, tt := range tests {
		if s := tt.got.String(); s != tt.want {
			t.Errorf("String() = %q, want %q", s, tt.want)
		}
	}
}
