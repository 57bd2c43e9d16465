package pool

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sockbridge/internal/config"
	bridgeerrors "sockbridge/internal/errors"
	"sockbridge/internal/protocol"
	"sockbridge/internal/supervisor"
	"sockbridge/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", Output: "stderr"})
	require.NoError(t, err)
	return log
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MinSize:        0,
		MaxSize:        4,
		ConnectTimeout: 1 * time.Second,
		AcquireTimeout: 2 * time.Second,
		ProbeTimeout:   500 * time.Millisecond,
	}
}

// fakeWorker accepts unix socket connections and answers ping frames,
// standing in for a worker process
type fakeWorker struct {
	t           *testing.T
	path        string
	ln          net.Listener
	codec       *protocol.Codec
	answerPings bool
	wg          sync.WaitGroup
}

func startFakeWorker(t *testing.T, path string, answerPings bool) *fakeWorker {
	t.Helper()
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	f := &fakeWorker{
		t:           t,
		path:        path,
		ln:          ln,
		codec:       protocol.NewCodec(0),
		answerPings: answerPings,
	}
	f.wg.Add(1)
	go f.acceptLoop()
	return f
}

func (f *fakeWorker) acceptLoop() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.wg.Add(1)
		go f.serve(conn)
	}
}

func (f *fakeWorker) serve(conn net.Conn) {
	defer f.wg.Done()
	defer conn.Close()
	for {
		frame, err := f.codec.ReadFrame(conn)
		if err != nil {
			return
		}
		if frame.Kind == protocol.KindPing {
			if !f.answerPings {
				return
			}
			if err := f.codec.SendPong(conn, frame.ID); err != nil {
				return
			}
		}
	}
}

func (f *fakeWorker) Stop() {
	f.ln.Close()
	f.wg.Wait()
}

func readyInfo(id int, path string) supervisor.WorkerInfo {
	return supervisor.WorkerInfo{ID: id, SocketPath: path, State: supervisor.StateReady}
}

func TestAcquireReleaseReuse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.sock")
	fw := startFakeWorker(t, path, true)
	defer fw.Stop()

	p := New(testPoolConfig(), testLogger(t))
	defer p.Close()
	p.WorkerStateChanged(readyInfo(0, path))

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	firstID := lease.Conn().ID()
	assert.Equal(t, 0, lease.Conn().WorkerID())
	lease.Release(true)

	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, firstID, lease.Conn().ID(), "a healthy release must be reused")
	lease.Release(true)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.Leased)
	assert.Equal(t, int64(1), stats.Dials)
}

func TestAcquireWaitsFIFOAtMaxSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.sock")
	fw := startFakeWorker(t, path, true)
	defer fw.Stop()

	cfg := testPoolConfig()
	cfg.MaxSize = 2
	p := New(cfg, testLogger(t))
	defer p.Close()
	p.WorkerStateChanged(readyInfo(0, path))

	lease1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	type result struct {
		lease *Lease
		err   error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)

	go func() {
		l, err := p.Acquire(context.Background())
		first <- result{l, err}
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		l, err := p.Acquire(context.Background())
		second <- result{l, err}
	}()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 2, p.Stats().Waiters)

	lease1.Release(true)
	r1 := <-first
	require.NoError(t, r1.err)
	assert.Equal(t, lease1.Conn().ID(), r1.lease.Conn().ID(), "the oldest waiter gets the released connection")

	lease2.Release(true)
	r2 := <-second
	require.NoError(t, r2.err)
	assert.Equal(t, lease2.Conn().ID(), r2.lease.Conn().ID())

	r1.lease.Release(true)
	r2.lease.Release(true)
}

func TestAcquireTimeoutIsPoolExhausted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.sock")
	fw := startFakeWorker(t, path, true)
	defer fw.Stop()

	cfg := testPoolConfig()
	cfg.MaxSize = 1
	cfg.AcquireTimeout = 100 * time.Millisecond
	p := New(cfg, testLogger(t))
	defer p.Close()
	p.WorkerStateChanged(readyInfo(0, path))

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release(true)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, bridgeerrors.ErrCodePoolExhausted, bridgeerrors.GetErrorCode(err))
	assert.Equal(t, 503, bridgeerrors.GetHTTPStatusCode(err))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().Timeouts)
}

func TestBrokenReleaseDiscardsConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.sock")
	fw := startFakeWorker(t, path, true)
	defer fw.Stop()

	p := New(testPoolConfig(), testLogger(t))
	defer p.Close()
	p.WorkerStateChanged(readyInfo(0, path))

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	firstID := lease.Conn().ID()
	lease.Release(false)

	assert.Equal(t, 0, p.Stats().Idle)

	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, firstID, lease.Conn().ID())
	lease.Release(true)
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.sock")
	fw := startFakeWorker(t, path, true)
	defer fw.Stop()

	p := New(testPoolConfig(), testLogger(t))
	defer p.Close()
	p.WorkerStateChanged(readyInfo(0, path))

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release(true)
	lease.Release(false)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.Leased)
}

func TestDialFailureIsConnectFailure(t *testing.T) {
	p := New(testPoolConfig(), testLogger(t))
	defer p.Close()
	p.WorkerStateChanged(readyInfo(0, filepath.Join(t.TempDir(), "nobody.sock")))

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, bridgeerrors.ErrCodeConnectFailure, bridgeerrors.GetErrorCode(err))
	assert.Equal(t, 502, bridgeerrors.GetHTTPStatusCode(err))
	assert.Equal(t, int64(1), p.Stats().DialFailures)
}

func TestAcquireFailsWhenAllWorkersStopped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.sock")

	p := New(testPoolConfig(), testLogger(t))
	defer p.Close()
	p.WorkerStateChanged(readyInfo(0, path))
	p.WorkerStateChanged(supervisor.WorkerInfo{ID: 0, SocketPath: path, State: supervisor.StateStopped})

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, bridgeerrors.ErrCodeWorkerFatal, bridgeerrors.GetErrorCode(err))
	assert.Equal(t, 503, bridgeerrors.GetHTTPStatusCode(err))
}

func TestNonReadyWorkerPurgesIdleConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.sock")
	fw := startFakeWorker(t, path, true)
	defer fw.Stop()

	p := New(testPoolConfig(), testLogger(t))
	defer p.Close()
	p.WorkerStateChanged(readyInfo(0, path))

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release(true)
	require.Equal(t, 1, p.Stats().Idle)

	p.WorkerStateChanged(supervisor.WorkerInfo{ID: 0, SocketPath: path, State: supervisor.StateRestarting})
	assert.Equal(t, 0, p.Stats().Idle)
}

func TestLeasedConnectionDiscardedAfterWorkerCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.sock")
	fw := startFakeWorker(t, path, true)
	defer fw.Stop()

	p := New(testPoolConfig(), testLogger(t))
	defer p.Close()
	p.WorkerStateChanged(readyInfo(0, path))

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.WorkerStateChanged(supervisor.WorkerInfo{ID: 0, SocketPath: path, State: supervisor.StateCrashed})

	// Even a healthy release must not park a connection to a crashed worker.
	lease.Release(true)
	assert.Equal(t, 0, p.Stats().Idle)
}

func TestWarmUpTowardMinSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.sock")
	fw := startFakeWorker(t, path, true)
	defer fw.Stop()

	cfg := testPoolConfig()
	cfg.MinSize = 2
	p := New(cfg, testLogger(t))
	defer p.Close()
	p.WorkerStateChanged(readyInfo(0, path))
	p.Start()

	assert.Eventually(t, func() bool {
		return p.Stats().Idle == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHealthProbeKeepsResponsiveConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.sock")
	fw := startFakeWorker(t, path, true)
	defer fw.Stop()

	cfg := testPoolConfig()
	cfg.HealthCheckInterval = 20 * time.Millisecond
	cfg.IdleThreshold = 10 * time.Millisecond
	p := New(cfg, testLogger(t))
	defer p.Close()
	p.WorkerStateChanged(readyInfo(0, path))
	p.Start()

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release(true)

	// let several probe cycles run, then the connection must still be pooled
	time.Sleep(100 * time.Millisecond)
	assert.Eventually(t, func() bool {
		return p.Stats().Idle == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := p.Stats()
	assert.Equal(t, int64(0), stats.ProbeFailures)
	assert.Equal(t, int64(1), stats.Dials, "the probed connection must be kept, not replaced")
}

func TestHealthProbeDiscardsUnresponsiveConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.sock")
	fw := startFakeWorker(t, path, false)
	defer fw.Stop()

	cfg := testPoolConfig()
	cfg.HealthCheckInterval = 20 * time.Millisecond
	cfg.IdleThreshold = 10 * time.Millisecond
	cfg.ProbeTimeout = 200 * time.Millisecond
	p := New(cfg, testLogger(t))
	defer p.Close()
	p.WorkerStateChanged(readyInfo(0, path))

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release(true)
	require.Equal(t, 1, p.Stats().Idle)

	p.Start()

	assert.Eventually(t, func() bool {
		s := p.Stats()
		return s.Idle == 0 && s.ProbeFailures >= 1
	}, 2*time.Second, 20*time.Millisecond)
}
