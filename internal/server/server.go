// Package server accepts STOMP clients over TCP, WebSocket and KCP and hands
// each one, wrapped in a transport, to a shared relay hub.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/omochice/stomp-transport/internal/kcpconn"
	"github.com/omochice/stomp-transport/internal/relay"
	"github.com/omochice/stomp-transport/pkg/transport"
)

// ErrServerStopped is returned by Start after Stop.
var ErrServerStopped = errors.New("server stopped")

// Config holds listener settings.
type Config struct {
	// TCPAddr is the STOMP-over-TCP address. With WSAddr empty it also
	// serves WebSocket upgrades (single-port mode).
	TCPAddr string
	// WSAddr is a separate WebSocket address (dual-port mode).
	WSAddr string
	// KCPAddr enables a STOMP-over-KCP listener when set.
	KCPAddr string
	// WSPath is the HTTP path accepting WebSocket upgrades.
	WSPath string
	// BufferSize is the stream transport buffer capacity; 0 picks the default.
	BufferSize int
	// QueueSize is the per-client outgoing frame queue length.
	QueueSize int
}

// Server serves STOMP clients on one or more listeners.
type Server struct {
	cfg    Config
	hub    *relay.Hub
	logger *zap.Logger

	listener    net.Listener // single-port mode
	tcpListener net.Listener
	wsListener  net.Listener
	wsServer    *http.Server
	kcpListener *kcpconn.Listener

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
	ready  chan struct{}
}

// New creates a Server. A nil logger discards output.
func New(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		hub:    relay.NewHub(logger),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		quit:   make(chan struct{}),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once every listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Start binds the listeners and serves until Stop is called.
func (s *Server) Start() error {
	if err := s.listen(); err != nil {
		s.closeListeners()
		return err
	}
	close(s.ready)

	// Wait for shutdown signal
	<-s.quit
	return ErrServerStopped
}

func (s *Server) listen() error {
	if s.cfg.WSAddr == "" {
		// Single port mode: handle both protocols on one port
		listener, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		s.listener = listener
		s.logger.Info("server started (TCP and WebSocket)", zap.Stringer("addr", listener.Addr()))

		s.wg.Add(1)
		go s.acceptConnections()
	} else {
		// Dual port mode: separate ports for TCP and WebSocket
		tcpListener, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("failed to start TCP server: %w", err)
		}
		s.tcpListener = tcpListener
		s.logger.Info("TCP server started", zap.Stringer("addr", tcpListener.Addr()))

		wsListener, err := net.Listen("tcp", s.cfg.WSAddr)
		if err != nil {
			return fmt.Errorf("failed to start WebSocket server: %w", err)
		}
		s.wsListener = wsListener
		s.logger.Info("WebSocket server started", zap.Stringer("addr", wsListener.Addr()), zap.String("path", s.cfg.WSPath))

		s.wg.Add(1)
		go s.acceptTCPConnections()

		mux := http.NewServeMux()
		mux.HandleFunc(s.cfg.WSPath, s.handleWebSocket)
		s.wsServer = &http.Server{
			Handler:  mux,
			ErrorLog: zap.NewStdLog(s.logger),
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.wsServer.Serve(wsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("WebSocket server error", zap.Error(err))
			}
		}()
	}

	if s.cfg.KCPAddr != "" {
		kcpListener, err := kcpconn.Listen(s.cfg.KCPAddr)
		if err != nil {
			return fmt.Errorf("failed to start KCP server: %w", err)
		}
		s.kcpListener = kcpListener
		s.logger.Info("KCP server started", zap.Stringer("addr", kcpListener.Addr()))

		s.wg.Add(1)
		go s.acceptKCPSessions()
	}
	return nil
}

// Stop closes the listeners, cancels every client session and waits for
// them to finish.
func (s *Server) Stop() {
	select {
	case <-s.quit:
		return
	default:
	}
	close(s.quit)
	s.cancel()
	s.closeListeners()
	s.wg.Wait()
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.tcpListener != nil {
		s.tcpListener.Close()
	}
	if s.wsServer != nil {
		s.wsServer.Close()
	} else if s.wsListener != nil {
		s.wsListener.Close()
	}
	if s.kcpListener != nil {
		s.kcpListener.Close()
	}
}

// Addr returns the server's listening address (for single port mode)
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// TCPAddr returns the TCP server's listening address
func (s *Server) TCPAddr() string {
	if s.tcpListener != nil {
		return s.tcpListener.Addr().String()
	}
	return s.Addr()
}

// WSAddr returns the WebSocket server's listening address
func (s *Server) WSAddr() string {
	if s.wsListener != nil {
		return s.wsListener.Addr().String()
	}
	return s.Addr()
}

// KCPAddr returns the KCP listener's address, if enabled.
func (s *Server) KCPAddr() string {
	if s.kcpListener != nil {
		return s.kcpListener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) stopping() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// serve runs one client session on t and reports how it ended.
func (s *Server) serve(id, kind string, t transport.Transport) {
	client := relay.NewClient(id, kind, t, s.cfg.QueueSize)
	if err := s.hub.Serve(s.ctx, client); err != nil && !errors.Is(err, transport.ErrCancelled) {
		s.logger.Debug("session ended with error", zap.String("client", id), zap.Error(err))
	}
}

// acceptTCPConnections accepts TCP connections (dual port mode)
func (s *Server) acceptTCPConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			if s.stopping() {
				return
			}
			s.logger.Warn("failed to accept TCP connection", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go s.handleTCPClient(conn)
	}
}

// acceptKCPSessions accepts KCP sessions
func (s *Server) acceptKCPSessions() {
	defer s.wg.Done()

	for {
		sess, err := s.kcpListener.Accept()
		if err != nil {
			if s.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("failed to accept KCP session", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go s.handleKCPClient(sess)
	}
}
