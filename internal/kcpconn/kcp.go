// Package kcpconn opens reliable KCP sessions over UDP, tuned for
// interactive byte-stream traffic.
package kcpconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	kcp "github.com/xtaci/kcp-go/v5"
)

// tune applies the session settings shared by both ends.
// SetNoDelay(nodelay, interval, resend, nc): fast mode with a 10ms tick,
// fast resend after 2 ACK crossings and no congestion window.
func tune(s *kcp.UDPSession) {
	s.SetNoDelay(1, 10, 2, 1)
	s.SetStreamMode(true)
	s.SetWindowSize(1024, 1024)
}

// Dial opens a KCP session to addr. ctx bounds address resolution only; KCP
// has no handshake to wait for.
func Dial(ctx context.Context, addr string) (*kcp.UDPSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := net.DefaultResolver.LookupHost(ctx, hostOf(addr)); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	// block cipher (nil for no encryption), dataShards (0), parityShards (0)
	s, err := kcp.DialWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("kcp.DialWithOptions(%s): %w", addr, err)
	}
	tune(s)
	return s, nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

// Listener accepts KCP sessions.
type Listener struct {
	l *kcp.Listener
}

// Listen starts a KCP listener on the UDP address addr.
func Listen(addr string) (*Listener, error) {
	l, err := kcp.ListenWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("kcp.ListenWithOptions(%s): %w", addr, err)
	}
	return &Listener{l: l}, nil
}

// Accept waits for the next session. It returns net.ErrClosed once the
// listener has been closed.
func (l *Listener) Accept() (*kcp.UDPSession, error) {
	s, err := l.l.AcceptKCP()
	if err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return nil, net.ErrClosed
		}
		return nil, fmt.Errorf("AcceptKCP(): %w", err)
	}
	tune(s)
	return s, nil
}

// Addr returns the listener's UDP address.
func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

// Close stops the listener.
func (l *Listener) Close() error {
	return l.l.Close()
}
