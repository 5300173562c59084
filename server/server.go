// Package server serves a dispatch table over stdio or a listener.
//
// Serving pipeline, per accepted stream:
//
//	Accept → conn.New (read loop on its own goroutine)
//	  → for each call frame: go handle (parallel)
//	    → Middleware Chain → dispatch.Table → reply through the conn's Writer
//
// Every stream is a full duplex connection: handlers can call back to the
// peer through conn.FromContext while the server keeps reading.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"duplex-rpc/config"
	"duplex-rpc/conn"
	"duplex-rpc/dispatch"
	"duplex-rpc/middleware"
	"duplex-rpc/registry"
	"duplex-rpc/transport"

	"github.com/rs/zerolog"
)

type Options struct {
	Conn   conn.Options
	Logger zerolog.Logger

	// Registry, when set, advertises listeners passed to Serve as an
	// instance of Service reachable at Advertise.
	Registry  registry.Registry
	Service   string
	Advertise string // differs from the listen address: ":7070" is not routable
	TTL       int64
	Weight    int

	ShutdownTimeout time.Duration
}

// OptionsFromConfig builds Options from cfg. reg may be nil.
func OptionsFromConfig(cfg config.Config, reg registry.Registry, logger zerolog.Logger) (Options, error) {
	connOpts, err := conn.OptionsFromConfig(cfg.Connection, logger)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Conn:            connOpts,
		Logger:          logger,
		Registry:        reg,
		Service:         cfg.Name,
		Advertise:       cfg.Server.Advertise,
		TTL:             cfg.Registry.TTL,
		Weight:          1,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, nil
}

// Server hands every stream it serves its own conn.Conn over a shared table.
type Server struct {
	table *dispatch.Table
	opts  Options
	log   zerolog.Logger

	mu         sync.Mutex
	conns      map[*conn.Conn]struct{}
	listener   net.Listener
	advertised bool

	shutdown atomic.Bool    // set before the listener is closed, so Accept errors are expected
	wg       sync.WaitGroup // tracks serving goroutines
}

func New(table *dispatch.Table, opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return &Server{
		table: table,
		opts:  opts,
		log:   opts.Logger,
		conns: make(map[*conn.Conn]struct{}),
	}
}

// Use appends a middleware for inbound calls. Call it before serving.
func (s *Server) Use(mw middleware.Middleware) {
	s.opts.Conn.Middlewares = append(s.opts.Conn.Middlewares, mw)
}

// ServeStdio serves one connection over stdin and stdout until the peer
// closes stdin or ctx ends.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.ServeConn(ctx, transport.Stream(os.Stdin, os.Stdout))
}

// ServeConn serves rwc until the connection stops or ctx ends, and returns
// why the connection stopped.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	if s.shutdown.Load() {
		rwc.Close()
		return conn.ErrClosed
	}
	c := s.open(rwc, s.opts.Conn)
	defer s.forget(c)

	select {
	case <-c.Done():
		return c.Err()
	case <-ctx.Done():
		return c.Stop()
	}
}

// Serve advertises the server when a registry is configured, then accepts
// connections on lis until Shutdown or ctx ends. It returns nil after a
// shutdown and the Accept error otherwise.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	if err := s.advertise(ctx); err != nil {
		lis.Close()
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		if err := s.Shutdown(s.opts.ShutdownTimeout); err != nil {
			s.log.Warn().Err(err).Msg("shutdown")
		}
	})
	defer stop()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("serving")
	for {
		nc, err := lis.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		if s.shutdown.Load() {
			nc.Close()
			return nil
		}

		opts := s.opts.Conn
		opts.Logger = opts.Logger.With().Str("remote", nc.RemoteAddr().String()).Logger()
		c := s.open(nc, opts)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			<-c.Done()
			if err := c.Err(); err != nil {
				s.log.Warn().Err(err).Str("remote", nc.RemoteAddr().String()).Msg("connection failed")
			}
			s.forget(c)
		}()
	}
}

// Listen is Serve on a fresh listener for network and address.
func (s *Server) Listen(ctx context.Context, network, address string) error {
	lis, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Addr returns the address of the listener being served, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Conns returns the number of live connections.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) open(rwc io.ReadWriteCloser, opts conn.Options) *conn.Conn {
	c := conn.New(rwc, s.table, opts)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	return c
}

func (s *Server) forget(c *conn.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) advertise(ctx context.Context) error {
	if s.opts.Registry == nil {
		return nil
	}
	inst := registry.Instance{
		Addr:    s.opts.Advertise,
		Weight:  s.opts.Weight,
		Methods: s.table.Methods(),
	}
	if err := s.opts.Registry.Register(ctx, s.opts.Service, inst, s.opts.TTL); err != nil {
		return fmt.Errorf("server: advertise: %w", err)
	}
	s.mu.Lock()
	s.advertised = true
	s.mu.Unlock()
	return nil
}

// Shutdown stops the server gracefully:
//  1. Deregister from the registry, so callers stop picking this server
//  2. Set the shutdown flag, then close the listener
//  3. Wait for in-flight calls to finish, up to timeout
//  4. Stop every connection
//
// Calls still running after the timeout have their context cancelled and
// their replies dropped.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error

	s.mu.Lock()
	advertised := s.advertised
	s.advertised = false
	lis := s.listener
	s.mu.Unlock()

	if advertised {
		if err := s.opts.Registry.Deregister(ctx, s.opts.Service, s.opts.Advertise); err != nil {
			errs = append(errs, fmt.Errorf("server: deregister: %w", err))
		}
	}

	// Set the flag BEFORE closing the listener, or Serve reports the Accept
	// error as a failure.
	s.shutdown.Store(true)
	if lis != nil {
		if err := lis.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("server: close listener: %w", err))
		}
	}

	s.mu.Lock()
	conns := make([]*conn.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.WaitHandlers(ctx); err != nil {
			errs = append(errs, errors.New("server: timeout waiting for ongoing calls to finish"))
			break
		}
	}
	for _, c := range conns {
		c.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, errors.New("server: timeout waiting for connections to close"))
	}

	s.log.Info().Int("connections", len(conns)).Msg("server stopped")
	return errors.Join(errs...)
}
