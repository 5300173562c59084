package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"duplex-rpc/conn"
	"duplex-rpc/message"
	"duplex-rpc/middleware"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func dialTable(t *testing.T, logs *syncBuffer) *conn.Conn {
	t.Helper()
	logger := zerolog.New(logs)
	table, err := newTable(map[string]any{"ns.key": "hello"}, logger)
	require.NoError(t, err)
	validate, err := middleware.ValidateParams(schemas)
	require.NoError(t, err)

	opts := conn.DefaultOptions()
	opts.Middlewares = []middleware.Middleware{validate}

	a, b := net.Pipe()
	srv := conn.New(a, table, opts)
	cli := conn.New(b, nil, conn.DefaultOptions())
	t.Cleanup(func() {
		cli.Stop()
		srv.Stop()
	})
	return cli
}

func TestGetValue(t *testing.T) {
	c := dialTable(t, &syncBuffer{})
	ctx := context.Background()

	v, err := conn.CallResult[string](ctx, c, "GetValue", "ns.key")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	_, err = c.Call(ctx, "GetValue", "missing")
	var rpcErr *message.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.InvalidParams, rpcErr.Code)

	_, err = c.Call(ctx, "GetValue", 42)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.InvalidParams, rpcErr.Code)
}

func TestEcho(t *testing.T) {
	c := dialTable(t, &syncBuffer{})
	got, err := conn.CallResult[map[string]int](context.Background(), c, "echo", map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1}, got)
}

func TestMessageNotification(t *testing.T) {
	logs := &syncBuffer{}
	c := dialTable(t, logs)

	require.NoError(t, c.Notify("Message", Diagnostic{Channel: "warning", Text: "x"}))
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), `"message":"x"`)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, logs.String(), `"level":"warn"`)
}

func TestChannelLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, channelLevel("warning"))
	assert.Equal(t, zerolog.ErrorLevel, channelLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, channelLevel("progress"))
}
