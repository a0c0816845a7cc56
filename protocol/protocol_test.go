package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	body := []byte("hello world")

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, body))
	require.Equal(t, HeaderSize+len(body), buf.Len())

	decoded, err := Decode(&buf, math.MaxUint32)
	require.NoError(t, err)
	assert.Equal(t, body, decoded)
}

func TestFramesStayDelimited(t *testing.T) {
	bodies := [][]byte{[]byte("abc"), {}, []byte("de"), bytes.Repeat([]byte{0xff}, 1024)}

	var buf bytes.Buffer
	for _, b := range bodies {
		require.NoError(t, Encode(&buf, b))
	}

	for _, want := range bodies {
		got, err := Decode(&buf, math.MaxUint32)
		require.NoError(t, err)
		assert.Equal(t, len(want), len(got))
		assert.True(t, bytes.Equal(want, got))
	}

	_, err := Decode(&buf, math.MaxUint32)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeRejectsOversizeBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, []byte("hello")))

	_, err := Decode(&buf, 4)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	// the body must not have been consumed
	assert.Equal(t, 5, buf.Len())
}

func TestDecodeShortBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, []byte("hello")))
	buf.Truncate(HeaderSize + 2)

	_, err := Decode(&buf, math.MaxUint32)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestHeaderIsNativeEndian(t *testing.T) {
	m := NewMessage(make([]byte, 772))
	h := m.Header()

	assert.Equal(t, m.Length, binary.NativeEndian.Uint32(h[:]))
	assert.Equal(t, m.Length, ParseHeader(h[:]))
	assert.Equal(t, uint32(len(m.Body)), m.Length)
}
