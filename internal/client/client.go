// Package client is a STOMP client that reaches a server over TCP, KCP or
// WebSocket, chosen by URL scheme.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/stomp-transport/pkg/protocol"
	"github.com/omochice/stomp-transport/pkg/transport"
)

// ErrNotConnected is returned by calls that need an open session.
var ErrNotConnected = errors.New("not connected to server")

// DisconnectTimeout bounds the DISCONNECT frame sent by Disconnect.
var DisconnectTimeout = time.Second

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithHost sets the virtual host sent in CONNECT. It defaults to the URL
// host name.
func WithHost(host string) Option {
	return func(c *Client) {
		c.host = host
	}
}

// WithBufferSize sets the stream transport buffer for tcp and kcp URLs.
func WithBufferSize(n int) Option {
	return func(c *Client) {
		c.bufferSize = n
	}
}

// Client is a STOMP client session.
type Client struct {
	url        *url.URL
	host       string
	bufferSize int
	logger     *zap.Logger

	mu      sync.RWMutex
	tr      transport.Transport
	closer  io.Closer
	version string
	err     error

	writeMu sync.Mutex
	frames  chan *protocol.Frame
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subID   atomic.Uint64
}

// New creates a client for rawURL. Supported schemes are tcp, kcp, ws and
// wss.
func New(rawURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "tcp", "kcp", "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", rawURL)
	}

	c := &Client{
		url:    u,
		host:   u.Hostname(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect dials the server, performs the STOMP handshake and starts
// delivering frames on Frames.
func (c *Client) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return errors.New("already connected")
	}

	tr, closer, err := dial(ctx, c.url, c.bufferSize, c.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	reader := protocol.NewFrameReader(tr, 0)

	connect := protocol.New(protocol.CommandConnect,
		protocol.HeaderAcceptVersion, "1.0,1.1,1.2",
		protocol.HeaderHost, c.host,
		protocol.HeaderHeartBeat, "0,0",
	)
	if err := protocol.WriteFrame(ctx, tr, connect); err != nil {
		closeAll(tr, closer)
		return fmt.Errorf("send CONNECT: %w", err)
	}
	reply, err := reader.ReadFrame(ctx)
	if err != nil {
		closeAll(tr, closer)
		return fmt.Errorf("read CONNECTED: %w", err)
	}
	if reply.Command != protocol.CommandConnected {
		closeAll(tr, closer)
		msg, _ := reply.Get("message")
		return fmt.Errorf("server refused connection: %s %s", reply.Command, msg)
	}

	version, ok := reply.Get("version")
	if !ok {
		version = "1.0"
	}
	c.logger.Info("connected",
		zap.String("url", c.url.String()),
		zap.String("version", version))

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.tr, c.closer, c.version, c.err = tr, closer, version, nil
	c.cancel = cancel
	c.frames = make(chan *protocol.Frame, 16)
	frames := c.frames
	c.mu.Unlock()

	// Start receiving frames
	c.wg.Add(1)
	go c.receiveFrames(loopCtx, reader, frames)

	return nil
}

// Version returns the protocol version the server agreed to.
func (c *Client) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Disconnect says goodbye to the server and closes the connection. It is
// safe to call more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	tr, closer, cancel := c.tr, c.closer, c.cancel
	c.tr, c.closer, c.cancel = nil, nil, nil
	c.mu.Unlock()

	if tr == nil {
		return
	}

	ctx, cancelSend := context.WithTimeout(context.Background(), DisconnectTimeout)
	c.writeMu.Lock()
	if err := protocol.WriteFrame(ctx, tr, protocol.New(protocol.CommandDisconnect)); err != nil {
		c.logger.Debug("failed to send DISCONNECT", zap.Error(err))
	}
	c.writeMu.Unlock()
	cancelSend()

	cancel()
	closeAll(tr, closer)
	c.wg.Wait()
}

func closeAll(tr transport.Transport, closer io.Closer) {
	tr.Close()
	if closer != nil {
		closer.Close()
	}
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tr != nil
}

// Err returns why frame delivery stopped, or nil.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Frames returns the channel of frames received from the server for the
// current session. It is closed when the session ends. Before the first
// Connect it is nil; each Connect starts a new channel.
func (c *Client) Frames() <-chan *protocol.Frame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frames
}

// Send writes f to the server. Concurrent calls are serialized.
func (c *Client) Send(ctx context.Context, f *protocol.Frame) error {
	c.mu.RLock()
	tr := c.tr
	c.mu.RUnlock()

	if tr == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteFrame(ctx, tr, f); err != nil {
		return fmt.Errorf("failed to send %s: %w", f.Command, err)
	}
	return nil
}

// Publish sends body to destination.
func (c *Client) Publish(ctx context.Context, destination string, body []byte) error {
	f := protocol.New(protocol.CommandSend, protocol.HeaderDestination, destination)
	f.Body = body
	return c.Send(ctx, f)
}

// Subscribe subscribes to destination and returns the subscription id.
func (c *Client) Subscribe(ctx context.Context, destination string) (string, error) {
	id := strconv.FormatUint(c.subID.Add(1), 10)
	f := protocol.New(protocol.CommandSubscribe, "id", id, protocol.HeaderDestination, destination)
	if err := c.Send(ctx, f); err != nil {
		return "", err
	}
	return id, nil
}

// Unsubscribe ends the subscription id.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.Send(ctx, protocol.New(protocol.CommandUnsubscribe, "id", id))
}

// receiveFrames continuously receives frames from the server
func (c *Client) receiveFrames(ctx context.Context, reader *protocol.FrameReader, frames chan<- *protocol.Frame) {
	defer c.wg.Done()
	defer close(frames)

	for {
		f, err := reader.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrClosedByPeer) {
				c.logger.Warn("error reading from server", zap.Error(err))
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}

		select {
		case frames <- f:
		case <-ctx.Done():
			return
		}
	}
}
