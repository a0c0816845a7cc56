package transport

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"framenet/protocol"
	"framenet/reactor"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func startLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	loop := reactor.New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run()
	}()
	t.Cleanup(func() {
		loop.Stop()
		<-done
	})
	return loop
}

// onLoop runs fn on the loop and waits for it to return.
func onLoop(t *testing.T, loop *reactor.Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	loop.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop task did not run")
	}
}

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	a, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	b, ok := <-accepted
	require.True(t, ok)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func newChannel(t *testing.T, loop *reactor.Loop, conn net.Conn, cfg Config, opts ...Option) (*Channel, chan []byte, chan struct{}) {
	t.Helper()
	data := make(chan []byte, 64)
	closed := make(chan struct{}, 4)
	var ch *Channel
	onLoop(t, loop, func() {
		ch = NewChannel(loop, conn, cfg, opts...)
		ch.OnData = func(b []byte) { data <- b }
		ch.OnClose = func() { closed <- struct{}{} }
		ch.Start()
	})
	return ch, data, closed
}

func waitClosed(t *testing.T, closed <-chan struct{}) {
	t.Helper()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close")
	}
}

func TestConfigNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   Config
		body uint32
		send uint32
	}{
		{"framed defaults", Config{AutoPack: true}, 1<<32 - 1, 1<<32 - 1},
		{"raw defaults", Config{}, DefaultReadBufferSize, 1<<32 - 1},
		{"explicit", Config{AutoPack: true, MaxBodySize: 4, MaxSendBufferSize: 64}, 4, 64},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := tc.in.Normalize()
			assert.Equal(t, tc.body, out.MaxBodySize)
			assert.Equal(t, tc.send, out.MaxSendBufferSize)
		})
	}
}

func TestFramingRoundTrip(t *testing.T) {
	loop := startLoop(t)
	a, b := tcpPair(t)

	cfg := Config{AutoPack: true, MaxBodySize: 4096}
	sender, _, _ := newChannel(t, loop, a, cfg)
	_, received, _ := newChannel(t, loop, b, cfg)

	payloads := [][]byte{
		[]byte("abc"),
		{},
		bytes.Repeat([]byte{0x42}, 4096),
		[]byte("tail"),
	}
	onLoop(t, loop, func() {
		for _, p := range payloads {
			sender.Send(p)
		}
	})

	for _, want := range payloads {
		select {
		case got := <-received:
			assert.True(t, bytes.Equal(want, got), "want %d bytes, got %d", len(want), len(got))
		case <-time.After(2 * time.Second):
			t.Fatal("payload not received")
		}
	}
}

func TestOversizeSendClosesChannel(t *testing.T) {
	loop := startLoop(t)
	a, b := tcpPair(t)

	core, logs := observer.New(zapcore.ErrorLevel)
	ch, _, closed := newChannel(t, loop, a, Config{AutoPack: true, MaxBodySize: 4}, WithLogger(zap.New(core)))

	var sendErr, again error
	onLoop(t, loop, func() {
		sendErr = ch.TrySend([]byte("hello"))
		again = ch.TrySend([]byte("ok"))
	})
	assert.ErrorIs(t, sendErr, ErrBodyTooLarge)
	assert.ErrorIs(t, again, ErrClosed)
	waitClosed(t, closed)

	// The peer sees a clean close and no data.
	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	rest, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, 1, logs.FilterMessage("transport: send exceeds max body size").Len())
}

func TestSendBufferOverflowClosesChannel(t *testing.T) {
	loop := startLoop(t)
	a, _ := tcpPair(t)

	ch, _, closed := newChannel(t, loop, a, Config{AutoPack: true, MaxSendBufferSize: 4})
	var sendErr error
	onLoop(t, loop, func() {
		sendErr = ch.TrySend([]byte("hello"))
	})
	assert.ErrorIs(t, sendErr, ErrSendBufferOverflow)
	waitClosed(t, closed)
}

func TestInboundOversizeHeaderClosesChannel(t *testing.T) {
	loop := startLoop(t)
	a, b := tcpPair(t)

	_, data, closed := newChannel(t, loop, a, Config{AutoPack: true, MaxBodySize: 8})
	require.NoError(t, protocol.Encode(b, []byte("way too long for eight")))

	waitClosed(t, closed)
	assert.Empty(t, data)
}

func TestCloseFiresOnce(t *testing.T) {
	loop := startLoop(t)
	a, _ := tcpPair(t)

	var count atomic.Int32
	var ch *Channel
	onLoop(t, loop, func() {
		ch = NewChannel(loop, a, Config{AutoPack: true})
		ch.OnClose = func() { count.Add(1) }
		ch.Start()
	})

	for i := 0; i < 5; i++ {
		ch.Close()
	}
	// a read error racing with the posted closes must not add a notification
	onLoop(t, loop, func() {})
	time.Sleep(50 * time.Millisecond)
	onLoop(t, loop, func() {
		assert.False(t, ch.IsOpen())
	})
	assert.Equal(t, int32(1), count.Load())
}

func TestPeerCloseFiresOnClose(t *testing.T) {
	loop := startLoop(t)
	a, b := tcpPair(t)

	_, _, closed := newChannel(t, loop, a, Config{AutoPack: true})
	require.NoError(t, b.Close())
	waitClosed(t, closed)
}

func TestTrySendWouldBlock(t *testing.T) {
	loop := startLoop(t)
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	ch, _, _ := newChannel(t, loop, a, Config{AutoPack: true, MaxSendBufferSize: 8})

	var first, second error
	var inFlight uint64
	onLoop(t, loop, func() {
		first = ch.TrySend([]byte("123456"))
		second = ch.TrySend([]byte("789012"))
		inFlight = ch.SendBufferNow()
	})
	require.NoError(t, first)
	assert.ErrorIs(t, second, ErrWouldBlock)
	assert.Equal(t, uint64(6), inFlight)

	body, err := protocol.Decode(b, 64)
	require.NoError(t, err)
	assert.Equal(t, "123456", string(body))

	require.Eventually(t, func() bool {
		var now uint64
		onLoop(t, loop, func() { now = ch.SendBufferNow() })
		return now == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendPumpsLoopUntilSpaceFrees(t *testing.T) {
	loop := startLoop(t)
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	ch, _, _ := newChannel(t, loop, a, Config{AutoPack: true, MaxSendBufferSize: 8})

	frames := make(chan string, 3)
	go func() {
		for i := 0; i < 3; i++ {
			body, err := protocol.Decode(b, 64)
			if err != nil {
				return
			}
			frames <- string(body)
		}
	}()

	var peak uint64
	onLoop(t, loop, func() {
		for _, p := range []string{"aaaaaa", "bbbbbb", "cccccc"} {
			ch.Send([]byte(p))
			peak = max(peak, ch.SendBufferNow())
		}
	})
	assert.LessOrEqual(t, peak, uint64(8))

	for _, want := range []string{"aaaaaa", "bbbbbb", "cccccc"} {
		select {
		case got := <-frames:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("frame not received")
		}
	}
}

func TestRawStreamMode(t *testing.T) {
	loop := startLoop(t)
	a, b := tcpPair(t)

	ch, data, _ := newChannel(t, loop, a, Config{})
	onLoop(t, loop, func() {
		assert.Equal(t, uint32(DefaultReadBufferSize), ch.Config().MaxBodySize)
		ch.Send([]byte("xyz"))
	})

	buf := make([]byte, 3)
	_, err := io.ReadFull(b, buf)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(buf))

	_, err = b.Write([]byte("abcdef"))
	require.NoError(t, err)

	var got []byte
	deadline := time.After(2 * time.Second)
	for len(got) < 6 {
		select {
		case chunk := <-data:
			got = append(got, chunk...)
		case <-deadline:
			t.Fatalf("got %q", got)
		}
	}
	assert.Equal(t, "abcdef", string(got))
}

func TestChannelMetrics(t *testing.T) {
	loop := startLoop(t)
	a, b := tcpPair(t)

	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	ch, _, _ := newChannel(t, loop, a, Config{AutoPack: true}, WithMetricSink(sink))
	onLoop(t, loop, func() { ch.Send([]byte("abc")) })

	_, err := protocol.Decode(b, 64)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return counterSum(sink, "framenet.channel.out.bytes") == 7
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, counterSum(sink, "framenet.channel.out.messages"))
}

func counterSum(sink *metrics.InmemSink, prefix string) float64 {
	var sum float64
	for _, interval := range sink.Data() {
		interval.RLock()
		for name, v := range interval.Counters {
			if strings.HasPrefix(name, prefix) {
				sum += v.Sum
			}
		}
		interval.RUnlock()
	}
	return sum
}

// sizedConn records the socket buffer sizes a channel asks for.
type sizedConn struct {
	net.Conn
	write, read int
}

func (c *sizedConn) SetWriteBuffer(n int) error {
	c.write = n
	return nil
}

func (c *sizedConn) SetReadBuffer(n int) error {
	c.read = n
	return nil
}

func TestSocketBufferSizes(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sized := &sizedConn{Conn: a}
	NewChannel(reactor.New(), sized, Config{AutoPack: true, SocketSendBufferSize: 4096, SocketRecvBufferSize: 8192})
	assert.Equal(t, 4096, sized.write)
	assert.Equal(t, 8192, sized.read)

	untouched := &sizedConn{Conn: b}
	NewChannel(reactor.New(), untouched, Config{AutoPack: true})
	assert.Zero(t, untouched.write)
	assert.Zero(t, untouched.read)
}
