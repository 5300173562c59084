package client

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"duplex-rpc/conn"
	"duplex-rpc/dispatch"
	"duplex-rpc/loadbalance"
	"duplex-rpc/registry"
	"duplex-rpc/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startPeer serves a table answering "whoami" with its own address and
// advertises it in reg.
func startPeer(t *testing.T, reg registry.Registry, extra ...string) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()

	table := dispatch.NewTable()
	require.NoError(t, table.Register("whoami", func() string { return addr }))
	for _, name := range extra {
		name := name
		require.NoError(t, table.Register(name, func(s string) string { return name + ":" + s }))
	}

	s := server.New(table, server.Options{
		Registry:  reg,
		Service:   "ext",
		Advertise: addr,
		TTL:       10,
	})
	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background(), lis) }()
	t.Cleanup(func() {
		s.Shutdown(time.Second)
		<-served
	})

	require.Eventually(t, func() bool {
		list, _ := reg.Discover(context.Background(), "ext")
		for _, inst := range list {
			if inst.Addr == addr {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return addr
}

func TestCallRoundRobin(t *testing.T) {
	reg := registry.NewStatic()
	a := startPeer(t, reg)
	b := startPeer(t, reg)

	cli := New(reg, &loadbalance.RoundRobinBalancer{}, Options{})
	t.Cleanup(func() { cli.Close() })

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		addr, err := CallResult[string](context.Background(), cli, "ext", "whoami")
		require.NoError(t, err)
		seen[addr]++
	}
	assert.Equal(t, map[string]int{a: 2, b: 2}, seen)

	cli.mu.Lock()
	assert.Len(t, cli.conns, 2, "connections are reused")
	cli.mu.Unlock()
}

func TestCallRoutesByMethod(t *testing.T) {
	reg := registry.NewStatic()
	startPeer(t, reg)
	withValue := startPeer(t, reg, "GetValue")

	cli := New(reg, loadbalance.NewConsistentHashBalancer(), Options{})
	t.Cleanup(func() { cli.Close() })

	for i := 0; i < 3; i++ {
		got, err := CallResult[string](context.Background(), cli, "ext", "GetValue", "ns.key")
		require.NoError(t, err)
		assert.Equal(t, "GetValue:ns.key", got)
	}

	cli.mu.Lock()
	_, dialed := cli.conns[withValue]
	cli.mu.Unlock()
	assert.True(t, dialed)

	_, err := cli.Call(context.Background(), "ext", "missing")
	assert.ErrorIs(t, err, registry.ErrNoInstances)
}

func TestWatchDropsDeregisteredPeer(t *testing.T) {
	reg := registry.NewStatic()
	a := startPeer(t, reg)

	cli := New(reg, &loadbalance.RoundRobinBalancer{}, Options{})
	t.Cleanup(func() { cli.Close() })

	addr, err := CallResult[string](context.Background(), cli, "ext", "whoami")
	require.NoError(t, err)
	require.Equal(t, a, addr)

	require.NoError(t, reg.Deregister(context.Background(), "ext", a))
	require.Eventually(t, func() bool {
		_, err := cli.Call(context.Background(), "ext", "whoami")
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestRedialsStoppedConnection(t *testing.T) {
	reg := registry.NewStatic()
	a := startPeer(t, reg)

	cli := New(reg, &loadbalance.RoundRobinBalancer{}, Options{})
	t.Cleanup(func() { cli.Close() })

	_, err := cli.Call(context.Background(), "ext", "whoami")
	require.NoError(t, err)

	cli.mu.Lock()
	first := cli.conns[a]
	cli.mu.Unlock()
	require.NoError(t, first.Stop())

	addr, err := CallResult[string](context.Background(), cli, "ext", "whoami")
	require.NoError(t, err)
	assert.Equal(t, a, addr)

	cli.mu.Lock()
	assert.NotSame(t, first, cli.conns[a])
	cli.mu.Unlock()
}

func TestClosedClient(t *testing.T) {
	reg := registry.NewStatic()
	startPeer(t, reg)

	cli := New(reg, &loadbalance.RoundRobinBalancer{}, Options{})
	_, err := cli.Call(context.Background(), "ext", "whoami")
	require.NoError(t, err)

	require.NoError(t, cli.Close())
	require.NoError(t, cli.Close())

	_, err = cli.Call(context.Background(), "ext", "whoami")
	assert.ErrorIs(t, err, conn.ErrClosed)
}

func TestSlowDialDoesNotBlockOtherPeers(t *testing.T) {
	reg := registry.NewStatic()
	a := startPeer(t, reg)
	const stalled = "203.0.113.1:7000"
	require.NoError(t, reg.Register(context.Background(), "stalled", registry.Instance{Addr: stalled}, 10))

	release := make(chan struct{})
	dialing := make(chan struct{})
	var dialer net.Dialer
	cli := New(reg, &loadbalance.RoundRobinBalancer{}, Options{
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			if addr == stalled {
				close(dialing)
				select {
				case <-release:
				case <-ctx.Done():
				}
				return nil, context.Canceled
			}
			return dialer.DialContext(ctx, "tcp", addr)
		},
	})
	t.Cleanup(func() { cli.Close() })

	stalledErr := make(chan error, 1)
	go func() {
		_, err := cli.Call(context.Background(), "stalled", "whoami")
		stalledErr <- err
	}()
	<-dialing

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	addr, err := CallResult[string](ctx, cli, "ext", "whoami")
	require.NoError(t, err)
	assert.Equal(t, a, addr)

	close(release)
	assert.Error(t, <-stalledErr)
}

func TestConcurrentDialsKeepOneConnection(t *testing.T) {
	reg := registry.NewStatic()
	a := startPeer(t, reg)

	var dials atomic.Int32
	start := make(chan struct{})
	var dialer net.Dialer
	cli := New(reg, &loadbalance.RoundRobinBalancer{}, Options{
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			dials.Add(1)
			<-start
			return dialer.DialContext(ctx, "tcp", addr)
		},
	})
	t.Cleanup(func() { cli.Close() })

	const callers = 4
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := cli.Call(context.Background(), "ext", "whoami")
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return dials.Load() == callers }, time.Second, time.Millisecond)
	close(start)
	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
	}

	cli.mu.Lock()
	defer cli.mu.Unlock()
	require.Len(t, cli.conns, 1)
	assert.True(t, cli.conns[a].Alive())
}

// closedWatch is a registry whose watches end at once.
type closedWatch struct {
	*registry.Static
}

func (closedWatch) Watch(context.Context, string) <-chan []registry.Instance {
	ch := make(chan []registry.Instance)
	close(ch)
	return ch
}

func TestEndedWatchDropsCachedInstances(t *testing.T) {
	static := registry.NewStatic()
	reg := closedWatch{static}
	a := startPeer(t, static)

	cli := New(reg, &loadbalance.RoundRobinBalancer{}, Options{})
	t.Cleanup(func() { cli.Close() })

	addr, err := CallResult[string](context.Background(), cli, "ext", "whoami")
	require.NoError(t, err)
	require.Equal(t, a, addr)

	require.Eventually(t, func() bool {
		cli.mu.Lock()
		defer cli.mu.Unlock()
		_, cached := cli.instances["ext"]
		return !cached
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, static.Deregister(context.Background(), "ext", a))
	_, err = cli.Call(context.Background(), "ext", "whoami")
	assert.ErrorIs(t, err, registry.ErrNoInstances)
}
