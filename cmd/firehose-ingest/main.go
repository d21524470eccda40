package main

// main.go is the firehose-ingest daemon: it connects to one or more
// upstream relay hosts over websocket, decodes and verifies their event
// streams, archives the survivors, and exposes a debug/metrics surface.
// Grounded on the teacher's examples/basic/main.go flat-handler style,
// generalized from a demo cache server to a production ingestion daemon
// with graceful-drain shutdown.
//
// Run:
//   go run ./cmd/firehose-ingest -data-dir ./data -listen :6060 \
//     -relay wss://relay1.example,wss://relay2.example
//
// © 2025 firehose authors. MIT License.

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/archiveguard/firehose/internal/config"
	"github.com/archiveguard/firehose/internal/supervisor"
	"github.com/archiveguard/firehose/pkg/firehose"
)

func main() {
	var (
		dataDir    = flag.String("data-dir", "./data", "root directory for durable engine state")
		listen     = flag.String("listen", ":6060", "debug/metrics HTTP listen address")
		shards     = flag.Uint("shards", 16, "archive shard count, must be a power of two")
		relayHosts = flag.String("relay", "", "comma-separated list of wss:// relay hosts to ingest from")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("firehose-ingest: logger init: %v", err)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	cfg := config.Default(*dataDir)
	if err := config.Apply(cfg, []config.Option{
		config.WithShardCount(uint8(*shards)),
		config.WithMetrics(reg),
		config.WithLogger(logger),
	}); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	engine, err := firehose.New(cfg)
	if err != nil {
		logger.Fatal("engine init", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	engine.Run(ctx)

	for _, host := range splitHosts(*relayHosts) {
		engine.Supervise(ctx, websocketDialer, host)
	}

	mux := http.NewServeMux()
	registerDebugHandlers(mux, engine, reg)

	srv := &http.Server{Addr: *listen, Handler: mux}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("listening", zap.String("addr", *listen))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", zap.Error(err))
		}
	}()

	<-sig
	logger.Info("shutdown signal received, draining")

	// Shut down in dependency order: the debug/metrics HTTP server first,
	// then cancel ctx so supervised relay connections stop reading frames,
	// then Engine.Close, which drains queued frames through verify ->
	// archive before closing the durable files.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}

	cancel() // stop the supervisor's reconnect loops
	if err := engine.Close(); err != nil {
		logger.Error("engine close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func splitHosts(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			hosts = append(hosts, p)
		}
	}
	return hosts
}

// wsConn adapts a gorilla/websocket connection to supervisor.Conn.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		w.c.SetReadDeadline(deadline)
	}
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) Close() error { return w.c.Close() }

// websocketDialer is the supervisor.Dialer used for real relay hosts: one
// websocket connection per host, matching the ingestion supervisor's
// goroutine-per-connection model.
func websocketDialer(ctx context.Context, host string) (supervisor.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, host, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: conn}, nil
}

func registerDebugHandlers(mux *http.ServeMux, engine *firehose.Engine, reg *prometheus.Registry) {
	mux.HandleFunc("/debug/firehose/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(engine.Snapshot())
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/heap", pprof.Index)
	mux.HandleFunc("/debug/pprof/goroutine", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}
