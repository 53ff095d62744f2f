package server

import (
	"bufio"
	"bytes"
)

type protocolType int

const (
	protocolSTOMP protocolType = iota
	protocolHTTP
)

func (p protocolType) String() string {
	if p == protocolHTTP {
		return "http"
	}
	return "stomp"
}

// detectProtocol peeks at the first bytes to determine protocol type.
// WebSocket upgrades always start with a GET request line; anything else,
// including a STOMP CONNECT frame, is treated as a raw STOMP stream.
func detectProtocol(reader *bufio.Reader) (protocolType, error) {
	peek, err := reader.Peek(4)
	if err != nil {
		return protocolSTOMP, err
	}
	if bytes.Equal(peek, []byte("GET ")) {
		return protocolHTTP, nil
	}
	return protocolSTOMP, nil
}
