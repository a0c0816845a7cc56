package codec

import (
	"encoding/json"
	"fmt"

	"framenet/message"
)

// JSONCodec writes packets as JSON objects. Larger than BinaryCodec, but
// readable in a packet dump.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Packet)
	if !ok {
		return nil, ErrNotPacket
	}
	return json.Marshal(msg)
}

// Decode overwrites every field of the target packet.
func (c *JSONCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Packet)
	if !ok {
		return ErrNotPacket
	}
	*msg = message.Packet{}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("codec: json: %w", err)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
