// Package protocol implements the STOMP 1.2 frame format on top of a
// transport.Transport.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Command is a STOMP frame command.
type Command string

// Client and server commands.
const (
	CommandConnect     Command = "CONNECT"
	CommandStomp       Command = "STOMP"
	CommandConnected   Command = "CONNECTED"
	CommandSend        Command = "SEND"
	CommandSubscribe   Command = "SUBSCRIBE"
	CommandUnsubscribe Command = "UNSUBSCRIBE"
	CommandAck         Command = "ACK"
	CommandNack        Command = "NACK"
	CommandBegin       Command = "BEGIN"
	CommandCommit      Command = "COMMIT"
	CommandAbort       Command = "ABORT"
	CommandDisconnect  Command = "DISCONNECT"
	CommandMessage     Command = "MESSAGE"
	CommandReceipt     Command = "RECEIPT"
	CommandError       Command = "ERROR"
)

// Well-known header names.
const (
	HeaderContentLength = "content-length"
	HeaderContentType   = "content-type"
	HeaderDestination   = "destination"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderAcceptVersion = "accept-version"
	HeaderHost          = "host"
	HeaderHeartBeat     = "heart-beat"
)

// ErrMalformedFrame is returned for input that cannot be parsed as a frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Header is one header line. Frames keep headers in wire order; repeated
// keys are allowed and the first occurrence wins.
type Header struct {
	Key   string
	Value string
}

// Frame is a STOMP frame.
type Frame struct {
	Command Command
	Headers []Header
	Body    []byte
}

// New creates a frame with the given command and key/value header pairs.
func New(cmd Command, kv ...string) *Frame {
	f := &Frame{Command: cmd}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Add(kv[i], kv[i+1])
	}
	return f
}

// Get returns the value of the first header named key.
func (f *Frame) Get(key string) (string, bool) {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// Add appends a header.
func (f *Frame) Add(key, value string) {
	f.Headers = append(f.Headers, Header{Key: key, Value: value})
}

// Set replaces every header named key with a single one.
func (f *Frame) Set(key, value string) {
	f.Del(key)
	f.Add(key, value)
}

// Del removes every header named key.
func (f *Frame) Del(key string) {
	kept := f.Headers[:0]
	for _, h := range f.Headers {
		if h.Key != key {
			kept = append(kept, h)
		}
	}
	f.Headers = kept
}

// String returns the command and headers, for logging.
func (f *Frame) String() string {
	var sb strings.Builder
	sb.WriteString(string(f.Command))
	for _, h := range f.Headers {
		fmt.Fprintf(&sb, " %s=%q", h.Key, h.Value)
	}
	fmt.Fprintf(&sb, " (%d bytes)", len(f.Body))
	return sb.String()
}

// escapes reports whether header values of cmd are escaped. CONNECT and
// CONNECTED predate escaping and carry values verbatim.
func escapes(cmd Command) bool {
	return cmd != CommandConnect && cmd != CommandConnected
}

var (
	escaper   = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)
	unescapes = map[byte]byte{'\\': '\\', 'r': '\r', 'n': '\n', 'c': ':'}
)

func unescape(s string) (string, error) {
	if strings.IndexByte(s, '\\') < 0 {
		return s, nil
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			sb.WriteByte(s[i])
			continue
		}
		if i+1 == len(s) {
			return "", fmt.Errorf("%w: dangling escape in %q", ErrMalformedFrame, s)
		}
		c, ok := unescapes[s[i+1]]
		if !ok {
			return "", fmt.Errorf("%w: undefined escape \\%c", ErrMalformedFrame, s[i+1])
		}
		sb.WriteByte(c)
		i++
	}
	return sb.String(), nil
}

// Encode returns the frame's command, headers and body. The frame terminator
// is not included; WriteFrame sends it separately. A content-length header is
// added when the body contains a terminator byte and none was set.
func (f *Frame) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(string(f.Command))
	buf.WriteByte('\n')

	esc := escapes(f.Command)
	writeHeader := func(k, v string) {
		if esc {
			k, v = escaper.Replace(k), escaper.Replace(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	for _, h := range f.Headers {
		writeHeader(h.Key, h.Value)
	}
	if _, ok := f.Get(HeaderContentLength); !ok && bytes.IndexByte(f.Body, 0) >= 0 {
		writeHeader(HeaderContentLength, strconv.Itoa(len(f.Body)))
	}

	buf.WriteByte('\n')
	buf.Write(f.Body)
	return buf.Bytes()
}

// Decode parses exactly one frame from data. The trailing terminator is
// optional.
func Decode(data []byte) (*Frame, error) {
	f, bodyStart, err := parseHead(data)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%w: incomplete headers", ErrMalformedFrame)
	}

	body := data[bodyStart:]
	if n, ok, err := contentLength(f); err != nil {
		return nil, err
	} else if ok {
		if len(body) < n {
			return nil, fmt.Errorf("%w: body shorter than content-length %d", ErrMalformedFrame, n)
		}
		body = body[:n]
	} else if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	f.Body = append([]byte(nil), body...)
	return f, nil
}

// parseHead parses the command and header lines at the start of data. It
// returns a nil frame when the blank line ending the headers has not arrived
// yet.
func parseHead(data []byte) (*Frame, int, error) {
	var f *Frame
	pos := 0
	for {
		i := bytes.IndexByte(data[pos:], '\n')
		if i < 0 {
			return nil, 0, nil
		}
		line := data[pos : pos+i]
		pos += i + 1
		line = bytes.TrimSuffix(line, []byte{'\r'})

		if f == nil {
			if len(line) == 0 {
				return nil, 0, fmt.Errorf("%w: empty command", ErrMalformedFrame)
			}
			f = &Frame{Command: Command(line)}
			continue
		}
		if len(line) == 0 {
			return f, pos, nil
		}

		k, v, ok := bytes.Cut(line, []byte{':'})
		if !ok {
			return nil, 0, fmt.Errorf("%w: header line %q has no colon", ErrMalformedFrame, line)
		}
		key, value := string(k), string(v)
		if escapes(f.Command) {
			var err error
			if key, err = unescape(key); err != nil {
				return nil, 0, err
			}
			if value, err = unescape(value); err != nil {
				return nil, 0, err
			}
		}
		f.Add(key, value)
	}
}

func contentLength(f *Frame) (int, bool, error) {
	v, ok := f.Get(HeaderContentLength)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("%w: bad content-length %q", ErrMalformedFrame, v)
	}
	return n, true, nil
}

// Subprotocols are the WebSocket subprotocol names for STOMP, newest first.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}
