package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewResponseKeepsSeqAndCmd(t *testing.T) {
	req := &Packet{Seq: 42, Type: TypeRequest, Cmd: "Arith.Add", Payload: []byte(`{"a":1}`)}

	resp := req.NewResponse()
	assert.Equal(t, uint32(42), resp.Seq)
	assert.Equal(t, TypeResponse, resp.Type)
	assert.Equal(t, "Arith.Add", resp.Cmd)
	assert.Empty(t, resp.Payload)
}

func TestNeedsReply(t *testing.T) {
	assert.True(t, (&Packet{Type: TypeRequest}).NeedsReply())
	assert.True(t, (&Packet{Type: TypePing}).NeedsReply())
	assert.False(t, (&Packet{Type: TypeResponse}).NeedsReply())
	assert.False(t, (&Packet{Type: TypePong}).NeedsReply())
	assert.Equal(t, "pong", TypePong.String())
	assert.Equal(t, "unknown", Type(0).String())
}
