package rpc

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"framenet/engine"
	"framenet/reactor"
)

func benchPair(b *testing.B) *Client {
	b.Helper()
	loop := reactor.New()
	go loop.Run()
	b.Cleanup(loop.Stop)

	s, err := NewServer(loop, 0, Config{})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { s.Close() })
	s.OnSession = func(sess *Session) {
		if err := sess.Engine().(*engine.Engine).Register(&Arith{}); err != nil {
			b.Error(err)
		}
	}
	s.Start(false)

	_, port, _ := net.SplitHostPort(s.Addr().String())
	p, _ := strconv.Atoi(port)

	c := NewClient(loop, Config{})
	opened := make(chan struct{})
	c.OnOpen = func(Engine) { close(opened) }
	c.Open("127.0.0.1", uint16(p))
	b.Cleanup(c.Close)
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		b.Fatal("client did not open")
	}
	return c
}

func BenchmarkSerialCall(b *testing.B) {
	c := benchPair(b)
	ctx := context.Background()
	args := &Args{A: 1, B: 2}
	reply := &Reply{}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.Call(ctx, "Arith.Add", args, reply); err != nil {
			b.Fatal(err)
		}
	}
}

// Calls from many goroutines share one channel.
func BenchmarkConcurrentCall(b *testing.B) {
	c := benchPair(b)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		reply := &Reply{}
		for pb.Next() {
			if err := c.Call(ctx, "Arith.Add", args, reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
