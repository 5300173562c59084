package client

import (
	"context"
	"os"
	"strings"
	"testing"

	"duplex-rpc/config"
	"duplex-rpc/loadbalance"
	"duplex-rpc/registry"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// End to end through a live etcd: Client → EtcdRegistry → Balancer → Conn →
// Server → dispatch.Table. Set DUPLEXRPC_ETCD to the endpoints to run it.
func TestMultiServerWithEtcd(t *testing.T) {
	endpoints := os.Getenv("DUPLEXRPC_ETCD")
	if endpoints == "" {
		t.Skip("DUPLEXRPC_ETCD not set")
	}
	cfg := config.Default().Registry
	cfg.Endpoints = strings.Split(endpoints, ",")
	reg, err := registry.NewEtcdRegistry(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	startPeer(t, reg, "Add")
	startPeer(t, reg, "Add")

	cli := New(reg, &loadbalance.RoundRobinBalancer{}, Options{})
	t.Cleanup(func() { cli.Close() })

	for i := 1; i <= 10; i++ {
		got, err := CallResult[string](context.Background(), cli, "ext", "Add", "x")
		require.NoError(t, err, "request %d", i)
		require.Equal(t, "Add:x", got)
	}
}
