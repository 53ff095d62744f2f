package server

import (
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	kcp "github.com/xtaci/kcp-go/v5"
	"go.uber.org/zap"

	"github.com/omochice/stomp-transport/pkg/protocol"
	"github.com/omochice/stomp-transport/pkg/transport/message"
	"github.com/omochice/stomp-transport/pkg/transport/stream"
)

var upgrader = websocket.Upgrader{
	Subprotocols: protocol.Subprotocols,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

func (s *Server) streamOptions() []stream.Option {
	opts := []stream.Option{stream.WithLogger(s.logger)}
	if s.cfg.BufferSize > 0 {
		opts = append(opts, stream.WithBufferSize(s.cfg.BufferSize))
	}
	return opts
}

// handleTCPClient serves a client on a dedicated TCP port. The transport owns
// the connection and closes it.
func (s *Server) handleTCPClient(conn net.Conn) {
	defer s.wg.Done()

	t := stream.New(conn, s.streamOptions()...)
	defer t.Close()

	id := fmt.Sprintf("tcp-%s", conn.RemoteAddr())
	s.logger.Debug("stream transport created", zap.String("client", id), zap.Stringer("ownership", t.Ownership()))
	s.serve(id, "tcp", t)
}

// handleKCPClient serves a client over a KCP session.
func (s *Server) handleKCPClient(sess *kcp.UDPSession) {
	defer s.wg.Done()

	t := stream.New(sess, s.streamOptions()...)
	defer t.Close()

	id := fmt.Sprintf("kcp-%s", sess.RemoteAddr())
	s.logger.Debug("stream transport created", zap.String("client", id), zap.Stringer("ownership", t.Ownership()))
	s.serve(id, "kcp", t)
}

// handleWebSocket upgrades a request on the dedicated WebSocket port and
// serves the client until it leaves.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.stopping() {
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("failed to upgrade connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	ch := message.NewGorillaChannel(conn, websocket.TextMessage)
	defer ch.Close()

	id := fmt.Sprintf("ws-%s", conn.RemoteAddr())
	s.logger.Debug("message transport created", zap.String("client", id), zap.String("subprotocol", conn.Subprotocol()))
	s.serve(id, "ws", message.New(ch, message.WithLogger(s.logger)))
}
