package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/omochice/stomp-transport/internal/client"
	"github.com/omochice/stomp-transport/internal/server"
	"github.com/omochice/stomp-transport/pkg/protocol"
)

func startServer(t *testing.T) *server.Server {
	t.Helper()
	srv := server.New(server.Config{TCPAddr: "127.0.0.1:0"}, nil)
	go srv.Start()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start in time")
	}
	t.Cleanup(srv.Stop)
	return srv
}

func TestPrinter_Frame(t *testing.T) {
	color.NoColor = true

	msg := protocol.New(protocol.CommandMessage, "destination", "/topic/a", "message-id", "1")
	msg.Body = []byte("hello")
	errFrame := protocol.New(protocol.CommandError, "message", "bad frame")
	errFrame.Body = []byte("details")

	tests := []struct {
		name    string
		frame   *protocol.Frame
		headers bool
		want    string
	}{
		{"message", msg, false, "[/topic/a] hello\n"},
		{"error", errFrame, false, "ERROR bad frame\ndetails\n"},
		{"receipt", protocol.New(protocol.CommandReceipt, "receipt-id", "r-1"), false, "* receipt r-1\n"},
		{"other", protocol.New(protocol.CommandConnected), false, "* CONNECTED\n"},
		{"with headers", msg, true, "[/topic/a] hello\n    destination: /topic/a\n    message-id: 1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			newPrinter(&buf, tt.headers).frame(tt.frame)
			if got := buf.String(); got != tt.want {
				t.Errorf("frame() wrote %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRun_PublishesStdin(t *testing.T) {
	color.NoColor = true
	srv := startServer(t)
	url := "tcp://" + srv.Addr()

	sub, err := client.New(url)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sub.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sub.Disconnect()

	subscribe := protocol.New(protocol.CommandSubscribe, "id", "0", "destination", "/topic/cat", "receipt", "ready")
	if err := sub.Send(ctx, subscribe); err != nil {
		t.Fatalf("Send(SUBSCRIBE) error = %v", err)
	}
	if f := <-sub.Frames(); f == nil || f.Command != protocol.CommandReceipt {
		t.Fatalf("got %v, want RECEIPT", f)
	}

	cat, err := client.New(url)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var out bytes.Buffer
	in := strings.NewReader("first\n\nsecond\n")
	if err := run(ctx, cat, in, &out, options{SendTo: "/topic/cat"}); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	for _, want := range []string{"first", "second"} {
		select {
		case f, ok := <-sub.Frames():
			if !ok {
				t.Fatalf("Frames() closed: %v", sub.Err())
			}
			if f.Command != protocol.CommandMessage || string(f.Body) != want {
				t.Errorf("got %v %q, want MESSAGE %q", f, f.Body, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
}

func TestRun_PrintsSubscribedMessages(t *testing.T) {
	color.NoColor = true
	srv := startServer(t)
	url := "tcp://" + srv.Addr()

	cat, err := client.New(url)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var out safeBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cat, strings.NewReader(""), &out, options{Subscribe: []string{"/topic/news"}})
	}()

	pub, err := client.New(url)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	pubCtx, pubCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pubCancel()
	if err := pub.Connect(pubCtx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer pub.Disconnect()

	// The subscription may not be registered yet; publish until it shows up.
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "[/topic/news] breaking") {
		if time.Now().After(deadline) {
			t.Fatalf("output = %q, want the published message", out.String())
		}
		if err := pub.Publish(pubCtx, "/topic/news", []byte("breaking")); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}

func TestRun_ConnectRefused(t *testing.T) {
	cat, err := client.New("tcp://127.0.0.1:1")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := run(ctx, cat, strings.NewReader(""), &bytes.Buffer{}, options{SendTo: "/q"}); err == nil {
		t.Error("run() error = nil, want connect error")
	}
}
