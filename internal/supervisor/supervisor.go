// Package supervisor manages many concurrent ingestion source
// connections: one lightweight goroutine per connection, a per-host
// concurrency cap, heartbeat-timeout detection, and reconnect with
// exponential backoff and jitter.
//
// Go's M:N goroutine scheduler is the idiomatic reading of spec.md's
// "cooperative task" requirement — a goroutine-per-connection here plays
// the same role the teacher's worker-pool goroutines play elsewhere in
// this repo, never an OS thread per connection and never a hand-rolled
// epoll reactor.
//
// © 2025 firehose authors. MIT License.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/archiveguard/firehose/internal/metrics"
)

// Conn is a single streaming source connection. Dialing, framing, and
// any protocol-level handshake are the concrete implementation's
// responsibility; the supervisor only reads frames and measures
// liveness.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a new Conn to host.
type Dialer func(ctx context.Context, host string) (Conn, error)

// FrameHandler is invoked for every frame read off any supervised
// connection. It must not block indefinitely — a slow handler stalls
// that connection's heartbeat clock.
type FrameHandler func(ctx context.Context, host string, frame []byte)

// Config parameterizes reconnect and concurrency behavior.
type Config struct {
	HeartbeatTimeout time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	BackoffJitter    float64
	PerHostCap       int64
	MaxConnections   int
}

// Supervisor owns the reconnect loop for every host it is told to
// supervise.
type Supervisor struct {
	cfg     Config
	dial    Dialer
	onFrame FrameHandler
	sink    metrics.Sink
	logger  *zap.Logger

	hostSemMu sync.Mutex
	hostSem   map[string]*semaphore.Weighted

	wg sync.WaitGroup
}

// New constructs a Supervisor. dial opens a connection to a host;
// onFrame is called for every frame read from any supervised connection.
func New(cfg Config, dial Dialer, onFrame FrameHandler, sink metrics.Sink, logger *zap.Logger) *Supervisor {
	if sink == nil {
		sink = metrics.Noop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PerHostCap < 1 {
		cfg.PerHostCap = 1
	}
	return &Supervisor{
		cfg:     cfg,
		dial:    dial,
		onFrame: onFrame,
		sink:    sink,
		logger:  logger,
		hostSem: make(map[string]*semaphore.Weighted),
	}
}

func (s *Supervisor) semaphoreFor(host string) *semaphore.Weighted {
	s.hostSemMu.Lock()
	defer s.hostSemMu.Unlock()
	sem, ok := s.hostSem[host]
	if !ok {
		sem = semaphore.NewWeighted(s.cfg.PerHostCap)
		s.hostSem[host] = sem
	}
	return sem
}

// Supervise launches a goroutine-per-connection task for host. It keeps
// reconnecting with exponential backoff until ctx is canceled.
func (s *Supervisor) Supervise(ctx context.Context, host string) {
	s.wg.Add(1)
	go s.runConnection(ctx, host)
}

// Wait blocks until every supervised connection has exited, typically
// after ctx has been canceled.
func (s *Supervisor) Wait() { s.wg.Wait() }

func (s *Supervisor) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffBase
	bo.MaxInterval = s.cfg.BackoffCap
	bo.RandomizationFactor = s.cfg.BackoffJitter
	bo.MaxElapsedTime = 0 // this supervisor retries indefinitely; ctx cancellation is the exit path
	bo.Reset()
	return bo
}

func (s *Supervisor) runConnection(ctx context.Context, host string) {
	defer s.wg.Done()
	sem := s.semaphoreFor(host)
	bo := s.newBackOff()

	for {
		if ctx.Err() != nil {
			return
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		err := s.serveOnce(ctx, host)
		sem.Release(1)

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			bo.Reset()
			continue
		}

		s.sink.IncConnectionReconnect(host)
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = s.cfg.BackoffCap
		}
		s.logger.Warn("connection dropped, reconnecting",
			zap.String("host", host), zap.Duration("backoff", wait), zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serveOnce dials host and reads frames until the connection errs or
// exceeds the heartbeat timeout.
func (s *Supervisor) serveOnce(ctx context.Context, host string) error {
	conn, err := s.dial(ctx, host)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		frameCtx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatTimeout)
		frame, err := conn.ReadFrame(frameCtx)
		cancel()
		if err != nil {
			return err
		}
		s.onFrame(ctx, host, frame)
	}
}
