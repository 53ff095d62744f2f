package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/stomp-transport/pkg/protocol"
	"github.com/omochice/stomp-transport/pkg/transport"
)

// DrainTimeout bounds how long Serve waits for queued frames to be written
// once the client's read side has ended.
var DrainTimeout = 2 * time.Second

const serverName = "stomp-relay"

// Serve registers client, answers its frames and relays its messages until
// the client disconnects, its peer closes or ctx is cancelled. The client's
// transport is left open; the caller closes it.
func (h *Hub) Serve(ctx context.Context, client *Client) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := h.logger.With(zap.String("client", client.ID), zap.String("kind", client.Kind))

	h.Register(client)
	logger.Info("client connected")

	// Start writer goroutine
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for f := range client.Outgoing {
			if err := protocol.WriteFrame(ctx, client.Transport, f); err != nil {
				logger.Debug("failed to send frame", zap.Error(err))
				cancel()
				return
			}
		}
	}()

	err := h.readLoop(ctx, client, logger)

	h.Unregister(client)
	close(client.Outgoing)
	select {
	case <-writerDone:
	case <-time.After(DrainTimeout):
		cancel()
		<-writerDone
	}

	if err != nil {
		logger.Info("client dropped", zap.Error(err))
		return err
	}
	logger.Info("client disconnected")
	return nil
}

func (h *Hub) readLoop(ctx context.Context, client *Client, logger *zap.Logger) error {
	reader := protocol.NewFrameReader(client.Transport, 0)
	for {
		f, err := reader.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosedByPeer) {
				return nil
			}
			return err
		}
		logger.Debug("frame received", zap.Stringer("frame", f))

		done, err := h.handle(ctx, client, f)
		if err != nil {
			reply(ctx, client, errorFrame(f, err))
			return err
		}
		if done {
			return nil
		}
	}
}

// handle applies one client frame. done reports a DISCONNECT.
func (h *Hub) handle(ctx context.Context, client *Client, f *protocol.Frame) (done bool, err error) {
	switch f.Command {
	case protocol.CommandConnect, protocol.CommandStomp:
		reply(ctx, client, protocol.New(protocol.CommandConnected,
			"version", "1.2",
			"server", serverName,
			protocol.HeaderHeartBeat, "0,0",
		))
		return false, nil

	case protocol.CommandSend:
		if _, ok := f.Get(protocol.HeaderDestination); !ok {
			return false, fmt.Errorf("SEND without %s header", protocol.HeaderDestination)
		}
		h.Broadcast(f, client)

	case protocol.CommandSubscribe:
		id, okID := f.Get("id")
		dest, okDest := f.Get(protocol.HeaderDestination)
		if !okID || !okDest {
			return false, errors.New("SUBSCRIBE needs id and destination headers")
		}
		client.subscribe(id, dest)

	case protocol.CommandUnsubscribe:
		id, ok := f.Get("id")
		if !ok {
			return false, errors.New("UNSUBSCRIBE needs an id header")
		}
		client.unsubscribe(id)

	case protocol.CommandDisconnect:
		done = true

	case protocol.CommandAck, protocol.CommandNack,
		protocol.CommandBegin, protocol.CommandCommit, protocol.CommandAbort:
		// Nothing is held back, so there is nothing to settle.

	default:
		return false, fmt.Errorf("unknown command %q", f.Command)
	}

	if receipt, ok := f.Get(protocol.HeaderReceipt); ok {
		reply(ctx, client, protocol.New(protocol.CommandReceipt, protocol.HeaderReceiptID, receipt))
	}
	return done, nil
}

// reply queues f for client, waiting while the queue is full.
func reply(ctx context.Context, client *Client, f *protocol.Frame) {
	select {
	case client.Outgoing <- f:
	case <-ctx.Done():
	}
}

func errorFrame(cause *protocol.Frame, err error) *protocol.Frame {
	f := protocol.New(protocol.CommandError, "message", err.Error())
	if receipt, ok := cause.Get(protocol.HeaderReceipt); ok {
		f.Add(protocol.HeaderReceiptID, receipt)
	}
	return f
}
