package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/muesli/cancelreader"

	"github.com/omochice/stomp-transport/internal/client"
)

// sendTimeout bounds each publish from stdin.
const sendTimeout = 5 * time.Second

type options struct {
	SendTo      string
	Subscribe   []string
	Headers     bool
	Interactive bool
}

// run connects c, subscribes and then pumps stdin to the server while
// printing received frames to out. It returns when stdin ends and there is
// nothing to wait for, when the server goes away or when ctx is cancelled.
func run(ctx context.Context, c *client.Client, in io.Reader, out io.Writer, opts options) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect()

	for _, dest := range opts.Subscribe {
		if _, err := c.Subscribe(ctx, dest); err != nil {
			return fmt.Errorf("subscribe %s: %w", dest, err)
		}
	}

	stdin, err := cancelreader.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to wrap stdin: %w", err)
	}
	defer stdin.Close()

	p := newPrinter(out, opts.Headers)
	if opts.Interactive {
		p.status("connected (STOMP %s)", c.Version())
	}

	serverGone := make(chan struct{})
	go func() {
		defer close(serverGone)
		for f := range c.Frames() {
			p.frame(f)
		}
		stdin.Cancel()
	}()

	stdinDone := make(chan error, 1)
	if opts.SendTo != "" {
		go func() {
			stdinDone <- pump(ctx, c, stdin, opts.SendTo)
		}()
	}

	select {
	case err := <-stdinDone:
		if err != nil {
			return err
		}
		if len(opts.Subscribe) == 0 {
			return nil
		}
		// Keep printing until interrupted or the server goes away.
		select {
		case <-ctx.Done():
		case <-serverGone:
		}
	case <-serverGone:
	case <-ctx.Done():
	}

	stdin.Cancel()
	if err := c.Err(); err != nil {
		return fmt.Errorf("connection lost: %w", err)
	}
	return nil
}

// pump publishes every non-empty line of r to dest.
func pump(ctx context.Context, c *client.Client, r io.Reader, dest string) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := c.Publish(sendCtx, dest, append([]byte(nil), line...))
		cancel()
		if err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, cancelreader.ErrCanceled) {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}
