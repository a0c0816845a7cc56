package codec

import (
	"testing"

	"framenet/message"
)

func benchmarkCodec(b *testing.B, c Codec) {
	p := &message.Packet{
		Seq:     42,
		Type:    message.TypeRequest,
		Cmd:     "Arith.Add",
		Payload: []byte(`{"A":1,"B":2}`),
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := Marshal(c, p)
		if err != nil {
			b.Fatal(err)
		}
		var out message.Packet
		if err := Unmarshal(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecJSON(b *testing.B) {
	benchmarkCodec(b, GetCodec(CodecTypeJSON))
}

func BenchmarkCodecBinary(b *testing.B) {
	benchmarkCodec(b, GetCodec(CodecTypeBinary))
}
