package codec

import (
	"testing"

	"framenet/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestMarshalPicksCodecOnUnmarshal(t *testing.T) {
	orig := &message.Packet{
		Seq:     7,
		Type:    message.TypeRequest,
		Cmd:     "Arith.Add",
		Payload: []byte(`{"a":1,"b":2}`),
	}

	for _, c := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		data, err := Marshal(c, orig)
		require.NoError(t, err)
		assert.Equal(t, byte(c.Type()), data[0])

		var got message.Packet
		require.NoError(t, Unmarshal(data, &got))
		assert.Equal(t, *orig, got)
	}
}

func TestBinaryCodecSkipsUnknownFields(t *testing.T) {
	c := &BinaryCodec{}
	data, err := c.Encode(&message.Packet{Seq: 3, Type: message.TypeResponse, Error: "boom"})
	require.NoError(t, err)

	// a newer peer appends field 99
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "ignored")

	var got message.Packet
	require.NoError(t, c.Decode(data, &got))
	assert.Equal(t, uint32(3), got.Seq)
	assert.Equal(t, "boom", got.Error)
	assert.Nil(t, got.Payload)
}

func TestBinaryCodecTruncated(t *testing.T) {
	c := &BinaryCodec{}
	data, err := c.Encode(&message.Packet{Seq: 1, Cmd: "echo"})
	require.NoError(t, err)

	var got message.Packet
	assert.Error(t, c.Decode(data[:len(data)-2], &got))
}

func TestCodecsRejectOtherTypes(t *testing.T) {
	for _, c := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		_, err := c.Encode("not a packet")
		assert.ErrorIs(t, err, ErrNotPacket)
		assert.ErrorIs(t, c.Decode([]byte("{}"), new(string)), ErrNotPacket)
	}
}

func TestUnmarshalErrors(t *testing.T) {
	var p message.Packet
	assert.ErrorIs(t, Unmarshal(nil, &p), ErrShortPacket)
	assert.ErrorIs(t, Unmarshal([]byte{9, 1, 2}, &p), ErrUnknownCodec)
	assert.Nil(t, GetCodec(9))
}
