package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/omochice/stomp-transport/internal/kcpconn"
	"github.com/omochice/stomp-transport/pkg/protocol"
	"github.com/omochice/stomp-transport/pkg/transport"
	"github.com/omochice/stomp-transport/pkg/transport/message"
	"github.com/omochice/stomp-transport/pkg/transport/stream"
)

// dial opens a transport for u. Stream transports own their connection; for
// message transports the returned closer releases the WebSocket.
func dial(ctx context.Context, u *url.URL, bufferSize int, logger *zap.Logger) (transport.Transport, io.Closer, error) {
	opts := []stream.Option{stream.WithLogger(logger)}
	if bufferSize > 0 {
		opts = append(opts, stream.WithBufferSize(bufferSize))
	}

	switch u.Scheme {
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, nil, fmt.Errorf("net.Dial(tcp, %s): %w", u.Host, err)
		}
		return stream.New(conn, opts...), nil, nil

	case "kcp":
		sess, err := kcpconn.Dial(ctx, u.Host)
		if err != nil {
			return nil, nil, err
		}
		return stream.New(sess, opts...), nil, nil

	case "ws", "wss":
		conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
			Subprotocols: protocol.Subprotocols,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("websocket.Dial(%s): %w", u, err)
		}
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		logger.Debug("websocket established", zap.String("subprotocol", conn.Subprotocol()))

		ch := message.NewCoderChannel(conn, websocket.MessageText)
		return message.New(ch, message.WithLogger(logger)), ch, nil
	}
	return nil, nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
}
