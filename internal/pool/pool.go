package pool

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"sockbridge/internal/config"
	bridgeerrors "sockbridge/internal/errors"
	"sockbridge/internal/protocol"
	"sockbridge/internal/supervisor"
	"sockbridge/pkg/logger"
)

var (
	dialsTotal           = metrics.GetOrCreateCounter("sockbridge_pool_dials_total")
	dialFailuresTotal    = metrics.GetOrCreateCounter("sockbridge_pool_dial_failures_total")
	acquireTimeoutsTotal = metrics.GetOrCreateCounter("sockbridge_pool_acquire_timeouts_total")
	probeFailuresTotal   = metrics.GetOrCreateCounter("sockbridge_pool_probe_failures_total")
)

type workerEntry struct {
	socketPath string
	state      supervisor.WorkerState
}

type waiter struct {
	ch chan *Conn
}

// Pool manages unix socket connections to worker processes: bounded sizing,
// lease semantics, a strict FIFO wait queue, and idle health probing.
// It learns about workers through supervisor state transitions.
type Pool struct {
	cfg   config.PoolConfig
	log   *logger.Logger
	codec *protocol.Codec

	mu         sync.Mutex
	idle       []*Conn
	leased     map[uint64]*Conn
	checking   map[uint64]*Conn
	waiters    []*waiter
	workers    map[int]*workerEntry
	dialing    int
	rr         int
	closed     bool
	nextConnID uint64

	done chan struct{}
	wg   sync.WaitGroup

	dials         *xsync.Counter
	dialFailures  *xsync.Counter
	handoffs      *xsync.Counter
	timeouts      *xsync.Counter
	probeFailures *xsync.Counter
}

// Stats is a point-in-time pool snapshot
type Stats struct {
	Idle          int   `json:"idle"`
	Leased        int   `json:"leased"`
	Checking      int   `json:"checking"`
	Waiters       int   `json:"waiters"`
	ReadyWorkers  int   `json:"ready_workers"`
	Dials         int64 `json:"dials"`
	DialFailures  int64 `json:"dial_failures"`
	Handoffs      int64 `json:"handoffs"`
	Timeouts      int64 `json:"timeouts"`
	ProbeFailures int64 `json:"probe_failures"`
}

// New creates a pool. Register it with the supervisor via AddListener and
// call Start once workers are being supervised.
func New(cfg config.PoolConfig, log *logger.Logger) *Pool {
	return &Pool{
		cfg:           cfg,
		log:           log.PoolLogger(),
		codec:         protocol.NewCodec(cfg.MaxPayload),
		leased:        make(map[uint64]*Conn),
		checking:      make(map[uint64]*Conn),
		workers:       make(map[int]*workerEntry),
		done:          make(chan struct{}),
		dials:         xsync.NewCounter(),
		dialFailures:  xsync.NewCounter(),
		handoffs:      xsync.NewCounter(),
		timeouts:      xsync.NewCounter(),
		probeFailures: xsync.NewCounter(),
	}
}

// Start launches the health checker and warms the pool toward its minimum
func (p *Pool) Start() {
	if p.cfg.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.healthLoop()
	}
	go p.maintain()
}

// Close discards all connections and fails pending waiters
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.done)
	for _, w := range waiters {
		close(w.ch)
	}
	for _, c := range idle {
		c.close()
	}
	p.wg.Wait()
}

// Acquire leases a connection: idle reuse first, then a fresh dial when below
// the size cap, otherwise a FIFO wait bounded by the acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	start := time.Now()
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, bridgeerrors.NewError(bridgeerrors.ErrCodeInternal, "pool", "pool is closed")
	}

	if c := p.popIdleLocked(); c != nil {
		c.state = stateLeased
		p.leased[c.id] = c
		p.mu.Unlock()
		return &Lease{conn: c, pool: p}, nil
	}

	if p.allWorkersStoppedLocked() {
		p.mu.Unlock()
		return nil, bridgeerrors.NewError(bridgeerrors.ErrCodeWorkerFatal, "pool",
			"all workers are permanently stopped")
	}

	if p.totalLocked() < p.cfg.MaxSize {
		if wid, path, ok := p.pickWorkerLocked(); ok {
			p.dialing++
			p.mu.Unlock()

			c, err := p.dial(wid, path)

			p.mu.Lock()
			p.dialing--
			if err != nil {
				p.mu.Unlock()
				return nil, err
			}
			c.state = stateLeased
			p.leased[c.id] = c
			p.mu.Unlock()
			return &Lease{conn: c, pool: p}, nil
		}
	}

	w := &waiter{ch: make(chan *Conn, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case c, ok := <-w.ch:
		if !ok {
			return nil, bridgeerrors.NewError(bridgeerrors.ErrCodeInternal, "pool", "pool is closed")
		}
		return &Lease{conn: c, pool: p}, nil

	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiterLocked(w)
		p.mu.Unlock()
		if !removed {
			// A handoff raced the deadline; the connection is already ours.
			if c, ok := <-w.ch; ok {
				return &Lease{conn: c, pool: p}, nil
			}
			return nil, bridgeerrors.NewError(bridgeerrors.ErrCodeInternal, "pool", "pool is closed")
		}
		p.timeouts.Inc()
		acquireTimeoutsTotal.Inc()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, bridgeerrors.NewPoolExhaustedError(time.Since(start))
		}
		return nil, ctx.Err()
	}
}

// WorkerStateChanged implements supervisor.Listener. A worker leaving Ready
// purges its idle connections before the callback returns; leased ones are
// discarded when released.
func (p *Pool) WorkerStateChanged(info supervisor.WorkerInfo) {
	p.mu.Lock()
	p.workers[info.ID] = &workerEntry{socketPath: info.SocketPath, state: info.State}

	if info.State == supervisor.StateReady {
		p.mu.Unlock()
		go p.maintain()
		return
	}

	var victims []*Conn
	kept := p.idle[:0]
	for _, c := range p.idle {
		if c.workerID == info.ID {
			c.state = stateDead
			victims = append(victims, c)
		} else {
			kept = append(kept, c)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, c := range victims {
		c.close()
	}
	if len(victims) > 0 {
		p.log.WithFields(map[string]interface{}{
			"worker_id": info.ID,
			"state":     info.State.String(),
			"purged":    len(victims),
		}).Warn("Purged connections to non-ready worker")
	}
}

// Stats returns a snapshot for the status endpoint
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Idle:     len(p.idle),
		Leased:   len(p.leased),
		Checking: len(p.checking),
		Waiters:  len(p.waiters),
	}
	for _, w := range p.workers {
		if w.state == supervisor.StateReady {
			s.ReadyWorkers++
		}
	}
	p.mu.Unlock()

	s.Dials = p.dials.Value()
	s.DialFailures = p.dialFailures.Value()
	s.Handoffs = p.handoffs.Value()
	s.Timeouts = p.timeouts.Value()
	s.ProbeFailures = p.probeFailures.Value()
	return s
}

// release returns a leased connection. Exactly-once semantics are enforced
// by Lease.Release.
func (p *Pool) release(c *Conn, healthy bool) {
	p.mu.Lock()
	delete(p.leased, c.id)

	if p.closed {
		p.mu.Unlock()
		c.close()
		return
	}

	w, known := p.workers[c.workerID]
	if healthy && known && w.state == supervisor.StateReady {
		p.putLocked(c)
		p.mu.Unlock()
		return
	}

	c.state = stateDead
	p.mu.Unlock()
	c.close()
	go p.maintain()
}

// maintain dials until the pool reaches its minimum and, while waiters are
// queued, up to its maximum
func (p *Pool) maintain() {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		total := p.totalLocked()
		need := total < p.cfg.MinSize || (len(p.waiters) > 0 && total < p.cfg.MaxSize)
		if !need {
			p.mu.Unlock()
			return
		}
		wid, path, ok := p.pickWorkerLocked()
		if !ok {
			p.mu.Unlock()
			return
		}
		p.dialing++
		p.mu.Unlock()

		c, err := p.dial(wid, path)

		p.mu.Lock()
		p.dialing--
		if err != nil {
			p.mu.Unlock()
			return
		}
		if p.closed {
			p.mu.Unlock()
			c.close()
			return
		}
		p.putLocked(c)
		p.mu.Unlock()
	}
}

func (p *Pool) dial(workerID int, socketPath string) (*Conn, error) {
	p.dials.Inc()
	dialsTotal.Inc()

	raw, err := net.DialTimeout("unix", socketPath, p.cfg.ConnectTimeout)
	if err != nil {
		p.dialFailures.Inc()
		dialFailuresTotal.Inc()
		return nil, bridgeerrors.NewConnectFailureError(workerID, err)
	}

	now := time.Now()
	return &Conn{
		id:        atomic.AddUint64(&p.nextConnID, 1),
		workerID:  workerID,
		raw:       raw,
		codec:     p.codec,
		createdAt: now,
		lastUsed:  now,
	}, nil
}

// putLocked hands a connection to the oldest waiter or parks it idle
func (p *Pool) putLocked(c *Conn) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		c.state = stateLeased
		p.leased[c.id] = c
		w.ch <- c
		p.handoffs.Inc()
		return
	}
	c.state = stateIdle
	c.lastUsed = time.Now()
	p.idle = append(p.idle, c)
}

func (p *Pool) popIdleLocked() *Conn {
	for len(p.idle) > 0 {
		// most recently used first, its worker is least likely to have gone away
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if w, ok := p.workers[c.workerID]; ok && w.state == supervisor.StateReady {
			return c
		}
		c.state = stateDead
		c.close()
	}
	return nil
}

func (p *Pool) totalLocked() int {
	return len(p.idle) + len(p.leased) + len(p.checking) + p.dialing
}

func (p *Pool) allWorkersStoppedLocked() bool {
	if len(p.workers) == 0 {
		return false
	}
	for _, w := range p.workers {
		if w.state != supervisor.StateStopped {
			return false
		}
	}
	return true
}

// pickWorkerLocked round-robins over ready workers
func (p *Pool) pickWorkerLocked() (int, string, bool) {
	ids := make([]int, 0, len(p.workers))
	for id, w := range p.workers {
		if w.state == supervisor.StateReady {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, "", false
	}
	sort.Ints(ids)
	id := ids[p.rr%len(ids)]
	p.rr++
	return id, p.workers[id].socketPath, true
}

func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}
