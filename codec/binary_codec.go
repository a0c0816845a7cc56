package codec

import (
	"fmt"

	"framenet/message"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the packet in protobuf wire format. Zero-valued fields are
// omitted and unknown fields are skipped, so peers may add fields freely.
const (
	fieldSeq     protowire.Number = 1
	fieldType    protowire.Number = 2
	fieldCmd     protowire.Number = 3
	fieldPayload protowire.Number = 4
	fieldError   protowire.Number = 5
)

// BinaryCodec encodes packets in protobuf wire format without generated code.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Packet)
	if !ok {
		return nil, ErrNotPacket
	}

	buf := make([]byte, 0, 16+len(msg.Cmd)+len(msg.Payload)+len(msg.Error))
	if msg.Seq != 0 {
		buf = protowire.AppendTag(buf, fieldSeq, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(msg.Seq))
	}
	if msg.Type != 0 {
		buf = protowire.AppendTag(buf, fieldType, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(msg.Type))
	}
	if msg.Cmd != "" {
		buf = protowire.AppendTag(buf, fieldCmd, protowire.BytesType)
		buf = protowire.AppendString(buf, msg.Cmd)
	}
	if len(msg.Payload) > 0 {
		buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, msg.Payload)
	}
	if msg.Error != "" {
		buf = protowire.AppendTag(buf, fieldError, protowire.BytesType)
		buf = protowire.AppendString(buf, msg.Error)
	}
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Packet)
	if !ok {
		return ErrNotPacket
	}
	*msg = message.Packet{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("codec: tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldSeq && typ == protowire.VarintType:
			val, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return fmt.Errorf("codec: seq: %w", protowire.ParseError(m))
			}
			msg.Seq = uint32(val)
			n = m
		case num == fieldType && typ == protowire.VarintType:
			val, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return fmt.Errorf("codec: type: %w", protowire.ParseError(m))
			}
			msg.Type = message.Type(val)
			n = m
		case num == fieldCmd && typ == protowire.BytesType:
			val, m := protowire.ConsumeString(data)
			if m < 0 {
				return fmt.Errorf("codec: cmd: %w", protowire.ParseError(m))
			}
			msg.Cmd = val
			n = m
		case num == fieldPayload && typ == protowire.BytesType:
			val, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return fmt.Errorf("codec: payload: %w", protowire.ParseError(m))
			}
			msg.Payload = append([]byte(nil), val...)
			n = m
		case num == fieldError && typ == protowire.BytesType:
			val, m := protowire.ConsumeString(data)
			if m < 0 {
				return fmt.Errorf("codec: error: %w", protowire.ParseError(m))
			}
			msg.Error = val
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("codec: field %d: %w", num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
