// File: cmd/wsengine/serve.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/wsengine/control"
	"github.com/momentics/wsengine/internal/logging"
	"github.com/momentics/wsengine/protocol"
	"github.com/momentics/wsengine/server"
)

type serveOptions struct {
	configPath  string
	port        int
	mode        string
	tick        time.Duration
	perTick     int
	metricsAddr string
}

func serveCmd() *cobra.Command {
	var o serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo or broadcast server",
		Long: `Run a server that drains its event queue every --tick.

In echo mode each message goes back to its sender; in broadcast mode it
goes to every open connection. Settings come from --config and WSENGINE_*
environment variables; the log level follows edits to the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch o.mode {
			case modeEcho, modeBroadcast:
			default:
				return fmt.Errorf("unknown mode %q", o.mode)
			}
			return runServe(cmd.Context(), o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "config file (yaml, json or toml)")
	f.IntVarP(&o.port, "port", "p", -1, "listen port, overrides the config")
	f.StringVar(&o.mode, "mode", modeEcho, "echo or broadcast")
	f.DurationVar(&o.tick, "tick", 10*time.Millisecond, "event pump period")
	f.IntVar(&o.perTick, "per-tick", 1024, "max events dispatched per tick, 0 for all")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "serve /metrics and /debug/probes on this address")
	return cmd
}

func runServe(ctx context.Context, o serveOptions) error {
	loader := control.NewLoader(o.configPath, server.EnvPrefix)
	cfg := server.DefaultConfig()
	if err := loader.Load(cfg); err != nil {
		return err
	}
	if o.port >= 0 {
		cfg.Port = o.port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, level, err := logging.NewLeveled(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	loader.OnChange(func() {
		next := server.DefaultConfig()
		if err := loader.Load(next); err != nil {
			log.Warn("config reload", zap.Error(err))
			return
		}
		lvl, err := logging.ParseLevel(next.Logging.Level)
		if err != nil {
			log.Warn("config reload", zap.Error(err))
			return
		}
		if lvl != level.Level() {
			level.SetLevel(lvl)
			log.Info("log level changed", zap.Stringer("level", lvl))
		}
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv, err := server.New(cfg, server.WithLogger(log), server.WithMetrics(control.NewMetrics(reg)))
	if err != nil {
		return err
	}
	probes := control.NewDebugProbes()
	srv.RegisterProbes(probes)

	if err := srv.Start(cfg.Port); err != nil {
		return err
	}
	defer func() { _ = srv.Stop() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if o.metricsAddr != "" {
		hs := &http.Server{
			Addr:              o.metricsAddr,
			Handler:           adminMux(reg, probes),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("admin endpoint", zap.String("addr", o.metricsAddr))
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	h := newHost(srv, o.mode, log)
	g.Go(func() error { return h.pump(gctx, o.tick, o.perTick) })

	err = g.Wait()
	log.Info("shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func adminMux(reg *prometheus.Registry, probes *control.DebugProbes) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/debug/probes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(probes.Dump())
	})
	return mux
}

const (
	modeEcho      = "echo"
	modeBroadcast = "broadcast"
)

// host is the application side of the engine: it owns the tick loop and
// reacts to drained events.
type host struct {
	srv  *server.Server
	mode string
	log  *zap.Logger
}

func newHost(srv *server.Server, mode string, log *zap.Logger) *host {
	return &host{srv: srv, mode: mode, log: log}
}

func (h *host) callbacks() protocol.Callbacks {
	return protocol.Callbacks{
		OnConnect: func(id int) {
			h.log.Info("client connected", zap.Int("conn_id", id))
		},
		OnData: func(id int, data []byte) {
			if h.mode == modeBroadcast {
				if _, err := h.srv.SendToAll(data); err != nil {
					h.log.Warn("broadcast", zap.Int("from", id), zap.Error(err))
				}
				return
			}
			if err := h.srv.Send(id, data); err != nil {
				h.log.Debug("echo", zap.Int("conn_id", id), zap.Error(err))
			}
		},
		OnDisconnect: func(id int) {
			h.log.Info("client disconnected", zap.Int("conn_id", id))
		},
		OnError: func(id int, err error) {
			h.log.Warn("client error", zap.Int("conn_id", id), zap.Error(err))
		},
	}
}

// pump drains up to perTick events every tick until ctx ends.
func (h *host) pump(ctx context.Context, tick time.Duration, perTick int) error {
	t := time.NewTicker(tick)
	defer t.Stop()
	cb := h.callbacks()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			h.srv.Drain(perTick, cb)
		}
	}
}
