// Package message defines the packet exchanged by RPC engines.
//
// A Packet is the envelope of every call. The codec layer serializes it and
// the channel frames it for transmission.
package message

// Type tells requests, responses and keepalive probes apart.
type Type uint8

const (
	TypeRequest Type = iota + 1
	TypeResponse
	TypePing
	TypePong
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	default:
		return "unknown"
	}
}

// Packet carries one RPC request, response, ping or pong.
//
//   - Request:  Seq identifies the call, Cmd names the handler, Payload holds the args.
//   - Response: Seq echoes the request, Payload holds the reply, Error is set if the handler failed.
//   - Ping/Pong: only Seq is meaningful.
type Packet struct {
	Seq     uint32 `json:"seq"`
	Type    Type   `json:"type"`
	Cmd     string `json:"cmd,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewResponse builds the response skeleton for a request.
func (p *Packet) NewResponse() *Packet {
	return &Packet{Seq: p.Seq, Type: TypeResponse, Cmd: p.Cmd}
}

// NeedsReply reports whether the peer waits for an answer to p.
func (p *Packet) NeedsReply() bool {
	return p.Type == TypeRequest || p.Type == TypePing
}
