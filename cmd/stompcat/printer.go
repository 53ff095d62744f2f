package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/omochice/stomp-transport/pkg/protocol"
)

// printer writes received frames for a human reader.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	headers bool

	dest    func(w io.Writer, format string, a ...interface{})
	faint   func(w io.Writer, format string, a ...interface{})
	failure func(w io.Writer, format string, a ...interface{})
}

func newPrinter(out io.Writer, headers bool) *printer {
	return &printer{
		out:     out,
		headers: headers,
		dest:    color.New(color.FgCyan, color.Bold).FprintfFunc(),
		faint:   color.New(color.Faint).FprintfFunc(),
		failure: color.New(color.FgRed).FprintfFunc(),
	}
}

func (p *printer) status(format string, a ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faint(p.out, "* "+format+"\n", a...)
}

func (p *printer) frame(f *protocol.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch f.Command {
	case protocol.CommandMessage:
		dest, _ := f.Get(protocol.HeaderDestination)
		p.dest(p.out, "[%s] ", dest)
		fmt.Fprintf(p.out, "%s\n", f.Body)
	case protocol.CommandError:
		msg, _ := f.Get("message")
		p.failure(p.out, "ERROR %s\n", msg)
		if len(f.Body) > 0 {
			fmt.Fprintf(p.out, "%s\n", f.Body)
		}
	case protocol.CommandReceipt:
		id, _ := f.Get(protocol.HeaderReceiptID)
		p.faint(p.out, "* receipt %s\n", id)
	default:
		p.faint(p.out, "* %s\n", f.Command)
	}

	if p.headers {
		for _, h := range f.Headers {
			p.faint(p.out, "    %s: %s\n", h.Key, h.Value)
		}
	}
}
