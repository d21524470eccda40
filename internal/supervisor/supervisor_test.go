package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/archiveguard/firehose/internal/metrics"
)

// fakeConn yields a fixed set of frames, then returns io.EOF-equivalent
// errFrames exhausted, simulating a source that disconnects normally.
type fakeConn struct {
	frames [][]byte
	i      int
	closed atomic.Bool
}

var errFramesExhausted = errors.New("fakeConn: frames exhausted")

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if c.i >= len(c.frames) {
		return nil, errFramesExhausted
	}
	f := c.frames[c.i]
	c.i++
	return f, nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func testConfig() Config {
	return Config{
		HeartbeatTimeout: time.Second,
		BackoffBase:      5 * time.Millisecond,
		BackoffCap:       20 * time.Millisecond,
		BackoffJitter:    0.2,
		PerHostCap:       1,
		MaxConnections:   10,
	}
}

// TestSuperviseDeliversFramesAndReconnects exercises the core loop: a
// connection delivers a few frames, exhausts, and the supervisor dials
// again (simulating a dropped/renewed stream) until ctx is canceled.
func TestSuperviseDeliversFramesAndReconnects(t *testing.T) {
	var mu sync.Mutex
	var received [][]byte
	var dials int32

	dial := func(ctx context.Context, host string) (Conn, error) {
		atomic.AddInt32(&dials, 1)
		return &fakeConn{frames: [][]byte{[]byte("a"), []byte("b")}}, nil
	}
	onFrame := func(ctx context.Context, host string, frame []byte) {
		mu.Lock()
		received = append(received, frame)
		mu.Unlock()
	}

	sup := New(testConfig(), dial, onFrame, metrics.Noop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	sup.Supervise(ctx, "relay.example")

	deadline := time.After(200 * time.Millisecond)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for frames, got %d", n)
		case <-time.After(2 * time.Millisecond):
		}
	}

	cancel()
	sup.Wait()

	if atomic.LoadInt32(&dials) < 2 {
		t.Fatalf("expected at least 2 dial attempts (reconnect after exhaustion), got %d", dials)
	}
}

// TestPerHostCapSerializesConnections confirms a PerHostCap of 1 never
// allows two concurrent serveOnce calls for the same host.
func TestPerHostCapSerializesConnections(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	var mu sync.Mutex

	dial := func(ctx context.Context, host string) (Conn, error) {
		cur := atomic.AddInt32(&concurrent, 1)
		mu.Lock()
		if cur > maxConcurrent {
			maxConcurrent = cur
		}
		mu.Unlock()
		defer atomic.AddInt32(&concurrent, -1)
		time.Sleep(5 * time.Millisecond)
		return &fakeConn{frames: [][]byte{[]byte("x")}}, nil
	}
	onFrame := func(ctx context.Context, host string, frame []byte) {}

	cfg := testConfig()
	cfg.PerHostCap = 1
	sup := New(cfg, dial, onFrame, metrics.Noop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	sup.Supervise(ctx, "relay.example")
	sup.Supervise(ctx, "relay.example")

	time.Sleep(60 * time.Millisecond)
	cancel()
	sup.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxConcurrent > 1 {
		t.Fatalf("expected at most 1 concurrent dial per host, observed %d", maxConcurrent)
	}
}
