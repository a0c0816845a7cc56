// Package protocol implements the length-prefixed wire framing.
//
// It solves TCP's sticky packet problem with a fixed 4-byte header carrying
// the body length, followed by exactly that many body bytes. The receiver
// reads the header first, checks the length against its configured maximum,
// then reads the body.
//
// Frame format:
//
//	0         4
//	┌─────────┬───────────────┐
//	│ bodyLen │    body ...   │
//	│ uint32  │ bodyLen bytes │
//	└─────────┴───────────────┘
//
// The length is written in the platform's native byte order. There is no
// magic number, version or checksum: framing trust is left to the reliable,
// ordered transport underneath (TCP, TLS, Unix sockets, QUIC streams).
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// HeaderSize is the size of the length prefix.
const HeaderSize = 4

var ErrBodyTooLarge = errors.New("protocol: body exceeds max body size")

// Message is one framing unit.
// Length always equals len(Body) and is what goes on the wire as the prefix.
type Message struct {
	Length uint32
	Body   []byte
}

// NewMessage wraps body without copying it.
func NewMessage(body []byte) *Message {
	return &Message{
		Length: uint32(len(body)),
		Body:   body,
	}
}

// Header returns the encoded length prefix.
func (m *Message) Header() [HeaderSize]byte {
	var h [HeaderSize]byte
	binary.NativeEndian.PutUint32(h[:], m.Length)
	return h
}

// Buffers returns header and body as one vectored write.
func (m *Message) Buffers() net.Buffers {
	h := m.Header()
	return net.Buffers{h[:], m.Body}
}

// ParseHeader decodes a length prefix. b must hold at least HeaderSize bytes.
func ParseHeader(b []byte) uint32 {
	return binary.NativeEndian.Uint32(b[:HeaderSize])
}

// Encode writes one complete frame (header + body) to w.
// The caller must serialize concurrent writers, otherwise frames interleave.
func Encode(w io.Writer, body []byte) error {
	bufs := NewMessage(body).Buffers()
	_, err := bufs.WriteTo(w)
	return err
}

// Decode reads one complete frame from r.
// A declared length above maxBody fails with ErrBodyTooLarge before any body
// byte is read.
func Decode(r io.Reader, maxBody uint32) ([]byte, error) {
	var h [HeaderSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}

	length := ParseHeader(h[:])
	if length > maxBody {
		return nil, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, length, maxBody)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
