// meshnode runs a standalone agent: it publishes a small built-in API,
// serves on TCP, and optionally registers itself in etcd for discovery.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mesh-rpc/agent"
	"mesh-rpc/marshal"
	"mesh-rpc/middleware"
	"mesh-rpc/registry"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "meshnode: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	a := agent.New(builtinAPI(),
		agent.WithLogger(log),
		agent.WithCodec(cfg.Codec),
		agent.WithTimeout(cfg.HandshakeTimeout),
		agent.WithMesh(cfg.Mesh),
	)
	a.Use(middleware.RecoverMiddleware())
	if cfg.RateLimit > 0 {
		a.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.Debug {
		a.Use(middleware.LoggingMiddleware(log))
	}

	var reg registry.Registry
	if len(cfg.EtcdEndpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints)
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		reg = etcd
	}

	errc := make(chan error, 1)
	go func() {
		errc <- a.Serve("tcp", cfg.Listen, cfg.AdvertiseAddr, reg)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
		return a.Shutdown(5 * time.Second)
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// builtinAPI is the node's published procedure set. Every procedure follows
// the callback convention: the trailing argument, if a procedure, receives
// (err, result...).
func builtinAPI() map[string]marshal.Func {
	return map[string]marshal.Func{
		"ping": func(args ...any) {
			if cb, ok := lastFunc(args); ok {
				cb(nil, "pong")
			}
		},
		"echo": func(args ...any) {
			cb, ok := lastFunc(args)
			if !ok {
				return
			}
			out := append([]any{nil}, args[:len(args)-1]...)
			cb(out...)
		},
		"now": func(args ...any) {
			if cb, ok := lastFunc(args); ok {
				cb(nil, time.Now().UTC().Format(time.RFC3339Nano))
			}
		},
	}
}

func lastFunc(args []any) (marshal.Func, bool) {
	if len(args) == 0 {
		return nil, false
	}
	fn, ok := args[len(args)-1].(marshal.Func)
	return fn, ok
}
