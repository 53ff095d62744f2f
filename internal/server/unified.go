package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/omochice/stomp-transport/pkg/protocol"
	"github.com/omochice/stomp-transport/pkg/transport/message"
	"github.com/omochice/stomp-transport/pkg/transport/stream"
)

// acceptConnections accepts connections on single port and determines protocol
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopping() {
				return
			}
			s.logger.Warn("failed to accept connection", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection determines whether the connection is HTTP (WebSocket) or
// raw STOMP and serves it accordingly.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	size := s.cfg.BufferSize
	if size <= 0 {
		size = stream.DefaultBufferSize
	}
	reader := bufio.NewReaderSize(conn, size)

	// A peer that never speaks must not hold up shutdown.
	stop := context.AfterFunc(s.ctx, func() {
		conn.SetReadDeadline(time.Unix(1, 0))
	})
	kind, err := detectProtocol(reader)
	stop()
	if err != nil {
		s.logger.Debug("failed to peek connection", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}

	switch kind {
	case protocolHTTP:
		s.handleUpgrade(conn, reader)
	default:
		s.handleSharedStream(conn, reader, size)
	}
}

// handleSharedStream serves a raw STOMP client whose first bytes were already
// pulled into reader. The transport borrows the buffered pair so nothing
// peeked is lost; the connection is closed here, not by the transport.
func (s *Server) handleSharedStream(conn net.Conn, reader *bufio.Reader, size int) {
	rw := bufio.NewReadWriter(reader, bufio.NewWriterSize(conn, size))
	t := stream.New(rw, stream.WithDeadlines(conn), stream.WithLogger(s.logger))

	id := fmt.Sprintf("tcp-%s", conn.RemoteAddr())
	s.logger.Debug("stream transport created",
		zap.String("client", id),
		zap.Stringer("ownership", t.Ownership()))

	s.serve(id, "tcp", t)

	t.Close()
	if err := rw.Flush(); err != nil {
		s.logger.Debug("final flush failed", zap.String("client", id), zap.Error(err))
	}
}

// handleUpgrade performs the WebSocket handshake with gobwas/ws on the
// already peeked connection and serves the client frame by frame.
func (s *Server) handleUpgrade(conn net.Conn, reader *bufio.Reader) {
	bc := &bufferedConn{Conn: conn, reader: reader}

	u := ws.Upgrader{
		Protocol: func(p []byte) bool {
			for _, sp := range protocol.Subprotocols {
				if string(p) == sp {
					return true
				}
			}
			return false
		},
		OnRequest: func(uri []byte) error {
			if path, _, _ := strings.Cut(string(uri), "?"); path != s.cfg.WSPath {
				return ws.RejectConnectionError(ws.RejectionStatus(http.StatusNotFound))
			}
			return nil
		},
	}
	hs, err := u.Upgrade(bc)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}

	ch := message.NewFrameChannel(bc, ws.StateServerSide)
	defer ch.Close()

	id := fmt.Sprintf("ws-%s", conn.RemoteAddr())
	s.logger.Debug("message transport created",
		zap.String("client", id),
		zap.String("subprotocol", hs.Protocol))

	s.serve(id, "ws", message.New(ch, message.WithLogger(s.logger)))
}

// bufferedConn wraps a net.Conn with a bufio.Reader to preserve peeked data
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.reader.Read(p)
}
