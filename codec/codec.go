// Package codec serializes message packets.
//
// A marshaled packet starts with one byte naming the codec, so the receiving
// engine decodes whatever its peer chose to send.
package codec

import (
	"errors"
	"fmt"

	"framenet/message"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

var (
	ErrUnknownCodec = errors.New("codec: unknown codec type")
	ErrShortPacket  = errors.New("codec: empty packet")
	ErrNotPacket    = errors.New("codec: value must be *message.Packet")
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

// GetCodec returns the codec for codecType, or nil if there is none.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeBinary:
		return &BinaryCodec{}
	default:
		return nil
	}
}

// Marshal encodes p with c behind the codec type byte.
func Marshal(c Codec, p *message.Packet) ([]byte, error) {
	body, err := c.Encode(p)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(c.Type()))
	return append(out, body...), nil
}

// Unmarshal decodes data produced by Marshal with any known codec.
func Unmarshal(data []byte, p *message.Packet) error {
	if len(data) == 0 {
		return ErrShortPacket
	}
	c := GetCodec(CodecType(data[0]))
	if c == nil {
		return fmt.Errorf("%w: %d", ErrUnknownCodec, data[0])
	}
	return c.Decode(data[1:], p)
}
