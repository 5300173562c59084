// Package client calls methods on peers found through a registry.
//
//	Call(service, method) → instances (cached, kept fresh by Watch)
//	  → registry.Filter(method) → Balancer.Pick(method)
//	  → one multiplexed conn.Conn per address → Conn.Call
//
// Failed calls are returned as they are; the client does not retry.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/config"
	"duplex-rpc/conn"
	"duplex-rpc/dispatch"
	"duplex-rpc/loadbalance"
	"duplex-rpc/registry"

	"github.com/rs/zerolog"
)

type Options struct {
	Conn   conn.Options
	Logger zerolog.Logger
	// Table serves calls the peers make back to this side. nil answers them
	// with MethodNotFound.
	Table       *dispatch.Table
	DialTimeout time.Duration
	// Dial opens the stream to a peer address. nil dials TCP with
	// DialTimeout.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

// OptionsFromConfig builds Options from cfg.
func OptionsFromConfig(cfg config.Config, logger zerolog.Logger) (Options, error) {
	connOpts, err := conn.OptionsFromConfig(cfg.Connection, logger)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Conn:        connOpts,
		Logger:      logger,
		DialTimeout: cfg.Registry.DialTimeout,
	}, nil
}

type Client struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	opts     Options
	log      zerolog.Logger

	ctx    context.Context // ends watches on Close
	cancel context.CancelFunc

	mu        sync.Mutex
	conns     map[string]*conn.Conn          // one connection per peer address
	instances map[string][]registry.Instance // service → last known instances
	closed    bool
}

func New(reg registry.Registry, bal loadbalance.Balancer, opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Dial == nil {
		dialer := &net.Dialer{Timeout: opts.DialTimeout}
		opts.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		registry:  reg,
		balancer:  bal,
		opts:      opts,
		log:       opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[string]*conn.Conn),
		instances: make(map[string][]registry.Instance),
	}
}

// Call picks a peer of service that serves method and calls it there.
func (c *Client) Call(ctx context.Context, service, method string, args ...any) (json.RawMessage, error) {
	peer, err := c.peerFor(ctx, service, method)
	if err != nil {
		return nil, err
	}
	return peer.Call(ctx, method, args...)
}

// Notify picks a peer the same way Call does and sends it a notification.
func (c *Client) Notify(ctx context.Context, service, method string, args ...any) error {
	peer, err := c.peerFor(ctx, service, method)
	if err != nil {
		return err
	}
	return peer.Notify(method, args...)
}

// CallResult is Client.Call with the result decoded into T, with the same
// bool coercion as conn.CallResult.
func CallResult[T any](ctx context.Context, c *Client, service, method string, args ...any) (T, error) {
	raw, err := c.Call(ctx, service, method, args...)
	if err != nil {
		var zero T
		return zero, err
	}
	out, err := codec.DecodeResult[T](raw)
	if err != nil {
		return out, fmt.Errorf("client: %s.%s: %w", service, method, err)
	}
	return out, nil
}

// Close stops every peer connection and ends the registry watches.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := c.conns
	c.conns = make(map[string]*conn.Conn)
	c.mu.Unlock()

	c.cancel()
	for _, pc := range conns {
		pc.Stop()
	}
	return nil
}

func (c *Client) peerFor(ctx context.Context, service, method string) (*conn.Conn, error) {
	list, err := c.discover(ctx, service)
	if err != nil {
		return nil, err
	}
	candidates := registry.Filter(list, method)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("client: %s.%s: %w", service, method, registry.ErrNoInstances)
	}
	inst, err := c.balancer.Pick(method, candidates)
	if err != nil {
		return nil, fmt.Errorf("client: pick %s.%s: %w", service, method, err)
	}
	return c.peer(ctx, inst.Addr)
}

// discover returns the cached instance list of service. The first lookup
// queries the registry and starts a watch that keeps the cache current.
func (c *Client) discover(ctx context.Context, service string) ([]registry.Instance, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, conn.ErrClosed
	}
	list, ok := c.instances[service]
	c.mu.Unlock()
	if ok {
		return list, nil
	}

	list, err := c.registry.Discover(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", service, err)
	}

	c.mu.Lock()
	if _, raced := c.instances[service]; !raced {
		c.instances[service] = list
		go c.watch(service)
	}
	list = c.instances[service]
	c.mu.Unlock()
	return list, nil
}

// watch keeps the cached list of service current. When the watch ends the
// entry is dropped, so the next lookup queries the registry and watches again.
func (c *Client) watch(service string) {
	for list := range c.registry.Watch(c.ctx, service) {
		c.mu.Lock()
		c.instances[service] = list
		c.mu.Unlock()
		c.log.Debug().Str("service", service).Int("instances", len(list)).Msg("instances updated")
	}

	c.mu.Lock()
	delete(c.instances, service)
	c.mu.Unlock()
	c.log.Debug().Str("service", service).Msg("watch ended")
}

// peer returns the live connection to addr, dialing a new one when there is
// none or the previous one stopped. The dial happens outside mu; when two
// callers dial the same address at once, the first to store its connection
// wins and the other one is stopped.
func (c *Client) peer(ctx context.Context, addr string) (*conn.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, conn.ErrClosed
	}
	if pc, ok := c.conns[addr]; ok && pc.Alive() {
		c.mu.Unlock()
		return pc, nil
	}
	c.mu.Unlock()

	nc, err := c.opts.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	opts := c.opts.Conn
	opts.Logger = opts.Logger.With().Str("peer", addr).Logger()
	pc := conn.New(nc, c.opts.Table, opts)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		pc.Stop()
		return nil, conn.ErrClosed
	}
	if existing, ok := c.conns[addr]; ok && existing.Alive() {
		c.mu.Unlock()
		pc.Stop()
		return existing, nil
	}
	c.conns[addr] = pc
	c.mu.Unlock()

	c.log.Debug().Str("peer", addr).Msg("connected")
	return pc, nil
}
