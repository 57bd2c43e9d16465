package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cenkalti/backoff/v4"

	"sockbridge/internal/config"
	"sockbridge/pkg/logger"
)

// WorkerState represents the lifecycle state of a worker process
type WorkerState int

const (
	// StateStarting indicates the process was spawned and its socket is not yet connectable
	StateStarting WorkerState = iota
	// StateReady indicates the worker accepts connections on its socket
	StateReady
	// StateCrashed indicates the process exited unexpectedly
	StateCrashed
	// StateRestarting indicates the worker is waiting out its backoff delay
	StateRestarting
	// StateStopped is terminal: explicit shutdown or exhausted restart budget
	StateStopped
)

// String returns the string representation of WorkerState
func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WorkerInfo is a point-in-time snapshot of one worker
type WorkerInfo struct {
	ID         int         `json:"id"`
	PID        int         `json:"pid"`
	SocketPath string      `json:"socket_path"`
	State      WorkerState `json:"-"`
	StateName  string      `json:"state"`
	Restarts   int         `json:"restarts"`
	StartedAt  time.Time   `json:"started_at"`
}

// Listener receives worker state transitions. Calls are synchronous: the
// supervisor does not report a worker as non-ready to anyone before every
// listener has seen the transition.
type Listener interface {
	WorkerStateChanged(info WorkerInfo)
}

var (
	restartsTotal = metrics.GetOrCreateCounter("sockbridge_worker_restarts_total")
	recyclesTotal = metrics.GetOrCreateCounter("sockbridge_worker_recycles_total")
	fatalTotal    = metrics.GetOrCreateCounter("sockbridge_worker_fatal_total")
)

type worker struct {
	id         int
	socketPath string

	mu         sync.Mutex
	state      WorkerState
	cmd        *exec.Cmd
	pid        int
	startedAt  time.Time
	readySince time.Time
	restarts   int

	boff   *backoff.ExponentialBackOff
	budget *restartBudget

	recycleCh chan struct{}
}

// Supervisor owns the fixed set of worker processes: it starts them, detects
// exit, restarts with backoff, and publishes state transitions.
type Supervisor struct {
	cfg       config.WorkersConfig
	sockDir   string
	log       *logger.Logger
	listeners []Listener

	workers []*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// New creates a supervisor for cfg.Count workers. Workers are not started
// until Start is called.
func New(cfg config.WorkersConfig, log *logger.Logger) *Supervisor {
	sockDir := cfg.SocketDir
	if sockDir == "" {
		sockDir = filepath.Join(os.TempDir(), "sockbridge")
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		cfg:     cfg,
		sockDir: sockDir,
		log:     log.SupervisorLogger(),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < cfg.Count; i++ {
		s.workers = append(s.workers, &worker{
			id:         i,
			socketPath: filepath.Join(sockDir, fmt.Sprintf("worker-%03d.sock", i)),
			state:      StateStarting,
			boff:       newRestartBackoff(cfg.Restart),
			budget:     newRestartBudget(cfg.Restart),
			recycleCh:  make(chan struct{}, 1),
		})
	}

	return s
}

// AddListener registers a state-transition listener. Must be called before Start.
func (s *Supervisor) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

// Start spawns all workers and their control loops
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("supervisor is already running")
	}

	if err := os.MkdirAll(s.sockDir, 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	s.log.WithFields(map[string]interface{}{
		"workers":    len(s.workers),
		"socket_dir": s.sockDir,
		"command":    s.cfg.Command,
	}).Info("Starting worker supervisor")

	s.running = true
	for _, w := range s.workers {
		s.wg.Add(1)
		go s.run(w)
	}

	return nil
}

// Stop terminates all workers and waits for their control loops to exit
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.log.Info("Stopping worker supervisor")
	s.cancel()
	s.wg.Wait()

	for _, w := range s.workers {
		os.Remove(w.socketPath)
	}

	s.log.Info("Worker supervisor stopped")
}

// Recycle asks a worker to restart gracefully. Recycling does not count
// against the worker's restart budget.
func (s *Supervisor) Recycle(workerID int) {
	w := s.byID(workerID)
	if w == nil {
		return
	}
	select {
	case w.recycleCh <- struct{}{}:
	default:
	}
}

// IsReady reports whether a worker currently accepts connections
func (s *Supervisor) IsReady(workerID int) bool {
	w := s.byID(workerID)
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateReady
}

// Workers returns a snapshot of all workers
func (s *Supervisor) Workers() []WorkerInfo {
	infos := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		infos = append(infos, s.snapshot(w))
	}
	return infos
}

func (s *Supervisor) byID(workerID int) *worker {
	if workerID < 0 || workerID >= len(s.workers) {
		return nil
	}
	return s.workers[workerID]
}

func (s *Supervisor) snapshot(w *worker) WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerInfo{
		ID:         w.id,
		PID:        w.pid,
		SocketPath: w.socketPath,
		State:      w.state,
		StateName:  w.state.String(),
		Restarts:   w.restarts,
		StartedAt:  w.startedAt,
	}
}

// transition updates a worker's state and notifies listeners synchronously
func (s *Supervisor) transition(w *worker, state WorkerState) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()

	info := s.snapshot(w)
	for _, l := range s.listeners {
		l.WorkerStateChanged(info)
	}
}

// run is the per-worker control loop: Starting → Ready → (Crashed →
// Restarting → Starting)* until Stopped.
func (s *Supervisor) run(w *worker) {
	defer s.wg.Done()
	log := s.log.WorkerLogger(w.id, w.socketPath)

	for {
		if s.ctx.Err() != nil {
			s.transition(w, StateStopped)
			return
		}

		s.transition(w, StateStarting)

		waitCh, err := s.startProcess(w)
		if err != nil {
			if s.ctx.Err() != nil {
				s.transition(w, StateStopped)
				return
			}
			log.WithError(err).Error("Worker failed to start")
			s.transition(w, StateCrashed)
			restartsTotal.Inc()
			if !s.backoffOrGiveUp(w, log) {
				return
			}
			continue
		}

		w.mu.Lock()
		w.readySince = time.Now()
		pid := w.pid
		w.mu.Unlock()

		s.transition(w, StateReady)
		log.WithField("pid", pid).Info("Worker ready")

		recycled := false
		select {
		case err := <-waitCh:
			if s.ctx.Err() != nil {
				s.transition(w, StateStopped)
				return
			}
			log.WithFields(map[string]interface{}{
				"pid":  pid,
				"exit": exitReason(err),
			}).Warn("Worker process exited")

		case <-w.recycleCh:
			// Mark non-ready before the process goes away so the pool purges
			// its connections first.
			s.transition(w, StateRestarting)
			s.stopProcess(w, waitCh)
			recyclesTotal.Inc()
			log.Info("Worker recycled")
			recycled = true

		case <-s.ctx.Done():
			s.stopProcess(w, waitCh)
			s.transition(w, StateStopped)
			return
		}

		if recycled {
			continue
		}

		s.transition(w, StateCrashed)
		restartsTotal.Inc()
		if !s.backoffOrGiveUp(w, log) {
			return
		}
	}
}

// backoffOrGiveUp charges the restart budget and sleeps out the backoff
// delay. Returns false when the worker must not be restarted again.
func (s *Supervisor) backoffOrGiveUp(w *worker, log *logger.Logger) bool {
	now := time.Now()

	w.mu.Lock()
	w.restarts++
	restarts := w.restarts
	// A worker that stayed ready past the stability threshold earns a fresh
	// backoff curve; one historical crash must not inflate delays forever.
	// The timestamp is consumed here so that a crash loop where the start
	// itself keeps failing grows the delay instead of resetting it on every
	// iteration off the same stale Ready.
	if !w.readySince.IsZero() && now.Sub(w.readySince) >= s.cfg.Restart.StabilityThreshold {
		w.boff.Reset()
	}
	w.readySince = time.Time{}
	exhausted := w.budget.record(now)
	windowed := w.budget.count(now)
	w.mu.Unlock()

	if exhausted {
		fatalTotal.Inc()
		log.WithFields(map[string]interface{}{
			"restarts_in_window": windowed,
			"window":             s.cfg.Restart.RestartWindow.String(),
		}).Error("Worker exceeded restart budget, stopping permanently")
		s.transition(w, StateStopped)
		return false
	}

	delay := w.boff.NextBackOff()
	s.transition(w, StateRestarting)
	log.WithFields(map[string]interface{}{
		"delay":          delay.String(),
		"total_restarts": restarts,
	}).Info("Restarting worker after backoff")

	select {
	case <-time.After(delay):
		return true
	case <-s.ctx.Done():
		s.transition(w, StateStopped)
		return false
	}
}

// startProcess spawns the worker command and waits until its socket is
// connectable. The returned channel delivers the process exit.
func (s *Supervisor) startProcess(w *worker) (<-chan error, error) {
	// A socket file nobody answers on is a leftover from a previous run.
	if _, err := os.Stat(w.socketPath); err == nil && !connectable(w.socketPath, 100*time.Millisecond) {
		os.Remove(w.socketPath)
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("WORKER_ID=%d", w.id),
		fmt.Sprintf("WORKER_SOCKET=%s", w.socketPath),
	)
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.pid = cmd.Process.Pid
	w.startedAt = time.Now()
	w.mu.Unlock()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	deadline := time.Now().Add(s.cfg.StartTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if connectable(w.socketPath, 250*time.Millisecond) {
			return waitCh, nil
		}
		if time.Now().After(deadline) {
			s.stopProcess(w, waitCh)
			return nil, fmt.Errorf("timeout waiting for worker socket %s", w.socketPath)
		}

		select {
		case err := <-waitCh:
			return nil, fmt.Errorf("worker exited during startup: %s", exitReason(err))
		case <-s.ctx.Done():
			s.stopProcess(w, waitCh)
			return nil, s.ctx.Err()
		case <-ticker.C:
		}
	}
}

// stopProcess terminates the worker process: SIGTERM, bounded wait, SIGKILL.
// waitCh may be nil when the process was never successfully started.
func (s *Supervisor) stopProcess(w *worker, waitCh <-chan error) {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)

		if waitCh == nil {
			ch := make(chan error, 1)
			go func() { ch <- cmd.Wait() }()
			waitCh = ch
		}

		select {
		case <-waitCh:
		case <-time.After(s.cfg.StopTimeout):
			cmd.Process.Kill()
			<-waitCh
		}
	}

	os.Remove(w.socketPath)
}

// connectable reports whether anything accepts connections on the socket
func connectable(path string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func exitReason(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
