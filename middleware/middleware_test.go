package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"duplex-rpc/message"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler answers immediately with "ok".
func echoHandler(ctx context.Context, req *message.Message) *message.Message {
	return message.NewResult(req.ID, json.RawMessage(`"ok"`))
}

// slowHandler takes 200ms.
func slowHandler(ctx context.Context, req *message.Message) *message.Message {
	time.Sleep(200 * time.Millisecond)
	return message.NewResult(req.ID, json.RawMessage(`"ok"`))
}

func failingHandler(ctx context.Context, req *message.Message) *message.Message {
	return message.NewErrorReply(req.ID, message.NewError(message.InternalError, "broken"))
}

func newRequest(method, params string) *message.Message {
	return message.NewRequest(message.StringID("7"), method, json.RawMessage(params))
}

func TestLogging(t *testing.T) {
	var out bytes.Buffer
	logger := zerolog.New(&out).Level(zerolog.DebugLevel)

	reply := Logging(logger)(echoHandler)(context.Background(), newRequest("GetValue", `["k"]`))
	require.NotNil(t, reply)
	assert.JSONEq(t, `"ok"`, string(reply.Result))
	assert.Contains(t, out.String(), `"method":"GetValue"`)
	assert.Contains(t, out.String(), `"level":"debug"`)

	out.Reset()
	Logging(logger)(failingHandler)(context.Background(), newRequest("ReadFile", `["a"]`))
	assert.Contains(t, out.String(), `"level":"warn"`)
	assert.Contains(t, out.String(), `"error":"broken"`)
}

func TestTimeoutPass(t *testing.T) {
	reply := Timeout(500*time.Millisecond)(echoHandler)(context.Background(), newRequest("a", `[]`))
	assert.Nil(t, reply.Error)
}

func TestTimeoutExceeded(t *testing.T) {
	reply := Timeout(50*time.Millisecond)(slowHandler)(context.Background(), newRequest("a", `[]`))
	require.NotNil(t, reply.Error)
	assert.Equal(t, message.RequestTimeout, reply.Error.Code)
	assert.Equal(t, "7", reply.ID.Key())
}

func TestRateLimit(t *testing.T) {
	// burst=2: the first two pass, the third is rejected
	handler := RateLimit(1, 2)(echoHandler)
	req := newRequest("a", `[]`)

	for i := 0; i < 2; i++ {
		reply := handler(context.Background(), req)
		require.Nil(t, reply.Error, "request %d should pass", i)
	}

	reply := handler(context.Background(), req)
	require.NotNil(t, reply.Error)
	assert.Equal(t, message.RateLimited, reply.Error.Code)
}

func TestValidateParams(t *testing.T) {
	mw, err := ValidateParams(map[string]string{
		"GetValue": `{"type":"array","items":{"type":"string"},"minItems":1,"maxItems":1}`,
	})
	require.NoError(t, err)
	handler := mw(echoHandler)

	reply := handler(context.Background(), newRequest("GetValue", `["ns.key"]`))
	assert.Nil(t, reply.Error)

	reply = handler(context.Background(), newRequest("GetValue", `[42]`))
	require.NotNil(t, reply.Error)
	assert.Equal(t, message.InvalidParams, reply.Error.Code)

	reply = handler(context.Background(), newRequest("GetValue", ``))
	require.NotNil(t, reply.Error)
	assert.Equal(t, message.InvalidParams, reply.Error.Code)

	reply = handler(context.Background(), newRequest("Other", `{"anything":true}`))
	assert.Nil(t, reply.Error)
}

func TestValidateParamsBadSchema(t *testing.T) {
	_, err := ValidateParams(map[string]string{"x": `{"type":`})
	assert.Error(t, err)
}

func TestChain(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Message) *message.Message {
				order = append(order, name+">")
				reply := next(ctx, req)
				order = append(order, "<"+name)
				return reply
			}
		}
	}

	handler := Chain(trace("a"), trace("b"), Timeout(500*time.Millisecond))(echoHandler)
	reply := handler(context.Background(), newRequest("a", `[]`))

	require.NotNil(t, reply)
	assert.Nil(t, reply.Error)
	assert.Equal(t, []string{"a>", "b>", "<b", "<a"}, order)
}
