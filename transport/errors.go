package transport

import (
	"errors"

	"framenet/protocol"
)

var (
	ErrClosed             = errors.New("transport: channel is closed")
	ErrWouldBlock         = errors.New("transport: send buffer is full")
	ErrSendBufferOverflow = errors.New("transport: payload exceeds max send buffer size")
	ErrNoTLSConfig        = errors.New("transport: TLS config is required")
	ErrNoEndpoint         = errors.New("transport: no endpoint to connect to")

	// ErrBodyTooLarge is shared with the framing layer so callers can match a
	// rejected send and a rejected inbound header the same way.
	ErrBodyTooLarge = protocol.ErrBodyTooLarge
)
