package middleware

import (
	"context"
	"testing"
	"time"

	"framenet/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func echoHandler(ctx context.Context, req *message.Packet) *message.Packet {
	resp := req.NewResponse()
	resp.Payload = []byte("ok")
	return resp
}

func slowHandler(ctx context.Context, req *message.Packet) *message.Packet {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, req)
}

func failingHandler(ctx context.Context, req *message.Packet) *message.Packet {
	return errorResponse(req, "boom")
}

func request() *message.Packet {
	return &message.Packet{Seq: 1, Type: message.TypeRequest, Cmd: "Arith.Add"}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	resp := LoggingMiddleware(logger)(echoHandler)(context.Background(), request())
	require.NotNil(t, resp)
	assert.Equal(t, "ok", string(resp.Payload))

	LoggingMiddleware(logger)(failingHandler)(context.Background(), request())

	require.Equal(t, 2, logs.Len())
	entries := logs.All()
	assert.Equal(t, "rpc: handled", entries[0].Message)
	assert.Equal(t, "Arith.Add", entries[0].ContextMap()["cmd"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}

func TestTimeoutPass(t *testing.T) {
	resp := TimeoutMiddleware(500*time.Millisecond)(echoHandler)(context.Background(), request())
	assert.Empty(t, resp.Error)
}

func TestTimeoutExceeded(t *testing.T) {
	resp := TimeoutMiddleware(50*time.Millisecond)(slowHandler)(context.Background(), request())
	assert.Equal(t, ErrTimedOut, resp.Error)
	assert.Equal(t, uint32(1), resp.Seq)
	assert.Equal(t, message.TypeResponse, resp.Type)
}

func TestTimeoutRunsHandlerInline(t *testing.T) {
	sawDeadline := false
	handler := func(ctx context.Context, req *message.Packet) *message.Packet {
		<-ctx.Done()
		sawDeadline = true
		return echoHandler(ctx, req)
	}

	resp := TimeoutMiddleware(20*time.Millisecond)(handler)(context.Background(), request())
	assert.True(t, sawDeadline, "handler must have returned before the middleware")
	assert.Equal(t, ErrTimedOut, resp.Error)
}

func TestRateLimit(t *testing.T) {
	// 1 per second with a burst of 2: the third request is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), request())
		require.Empty(t, resp.Error, "request %d", i)
	}
	resp := handler(context.Background(), request())
	assert.Equal(t, ErrRateLimited, resp.Error)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Packet) *message.Packet {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	resp := Chain(mark("A"), mark("B"))(echoHandler)(context.Background(), request())
	require.NotNil(t, resp)
	assert.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, order)
}
