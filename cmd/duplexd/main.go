// Command duplexd serves a small method set over stdin/stdout, or over TCP
// when [server] listen is set.
//
//	duplexd -config duplexd.toml
//
// Methods:
//
//	echo(value)       returns value
//	GetValue(key)     returns the [values] entry for key
//	Message(message)  notification; logs {"Channel", "Text"} at the channel's level
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"duplex-rpc/config"
	"duplex-rpc/dispatch"
	"duplex-rpc/logging"
	"duplex-rpc/message"
	"duplex-rpc/middleware"
	"duplex-rpc/registry"
	"duplex-rpc/server"

	"github.com/rs/zerolog"
)

// Params schemas checked before the handlers run.
var schemas = map[string]string{
	"GetValue": `{"type": "array", "minItems": 1, "maxItems": 1, "items": {"type": "string"}}`,
	"Message": `{
		"type": "array", "minItems": 1, "maxItems": 1,
		"items": {
			"type": "object",
			"required": ["Text"],
			"properties": {"Channel": {"type": "string"}, "Text": {"type": "string"}}
		}
	}`,
}

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (defaults apply when empty)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "duplexd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok {
		logCfg.Level = lvl
	}
	logging.ApplyEnv(&logCfg)
	logger := logging.New(cfg.Name, logCfg)

	table, err := newTable(cfg.Values, logger)
	if err != nil {
		return err
	}

	var reg registry.Registry
	if cfg.Server.Listen != "" && len(cfg.Registry.Endpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.Registry, logger)
		if err != nil {
			return err
		}
		defer etcd.Close()
		reg = etcd
	}

	opts, err := server.OptionsFromConfig(cfg, reg, logger)
	if err != nil {
		return err
	}
	srv := server.New(table, opts)
	srv.Use(middleware.Logging(logger))
	validate, err := middleware.ValidateParams(schemas)
	if err != nil {
		return err
	}
	srv.Use(validate)

	if cfg.Server.Listen == "" {
		logger.Info().Msg("serving stdio")
		return srv.ServeStdio(ctx)
	}

	lis, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	return srv.Serve(ctx, lis)
}

// Diagnostic is the payload of a Message notification.
type Diagnostic struct {
	Channel string
	Text    string
}

func newTable(values map[string]any, logger zerolog.Logger) (*dispatch.Table, error) {
	table := dispatch.NewTable()

	err := errors.Join(
		table.Register("echo", func(v any) any { return v }),
		table.Register("GetValue", func(key string) (any, error) {
			v, ok := values[key]
			if !ok {
				return nil, message.NewError(message.InvalidParams, "no value for key %q", key)
			}
			return v, nil
		}),
		table.Register("Message", func(d Diagnostic) {
			logger.WithLevel(channelLevel(d.Channel)).Str("channel", d.Channel).Msg(d.Text)
		}),
	)
	if err != nil {
		return nil, err
	}
	return table, nil
}

func channelLevel(channel string) zerolog.Level {
	if lvl, ok := logging.ParseLevel(channel); ok {
		return lvl
	}
	return zerolog.InfoLevel
}
