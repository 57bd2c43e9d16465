package bridge

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"sockbridge/internal/config"
	bridgeerrors "sockbridge/internal/errors"
	"sockbridge/internal/pool"
	"sockbridge/internal/protocol"
	"sockbridge/pkg/logger"
)

var (
	requestsTotal = metrics.GetOrCreateCounter("sockbridge_bridge_requests_total")
	failuresTotal = metrics.GetOrCreateCounter("sockbridge_bridge_failures_total")
	retriesTotal  = metrics.GetOrCreateCounter("sockbridge_bridge_retries_total")
)

// Recycler asks the supervisor for a cooperative worker restart
type Recycler interface {
	Recycle(workerID int)
}

// Bridge executes protocol requests against pooled worker connections,
// applying per-attempt I/O timeouts and a bounded retry policy.
type Bridge struct {
	cfg         config.BridgeConfig
	maxRequests int
	pool        *pool.Pool
	recycler    Recycler
	log         *logger.Logger
	idempotent  map[string]struct{}

	requests *xsync.Counter
	failures *xsync.Counter
	retries  *xsync.Counter
}

// Stats is a point-in-time bridge snapshot
type Stats struct {
	Requests int64 `json:"requests"`
	Failures int64 `json:"failures"`
	Retries  int64 `json:"retries"`
}

// New creates a bridge. maxRequests triggers a worker recycle once a worker
// self-reports that many handled requests; 0 disables it. recycler may be nil.
func New(cfg config.BridgeConfig, maxRequests int, p *pool.Pool, r Recycler, log *logger.Logger) *Bridge {
	idem := make(map[string]struct{}, len(cfg.IdempotentMethods))
	for _, m := range cfg.IdempotentMethods {
		idem[strings.ToUpper(m)] = struct{}{}
	}
	return &Bridge{
		cfg:         cfg,
		maxRequests: maxRequests,
		pool:        p,
		recycler:    r,
		log:         log.BridgeLogger(),
		idempotent:  idem,
		requests:    xsync.NewCounter(),
		failures:    xsync.NewCounter(),
		retries:     xsync.NewCounter(),
	}
}

// Execute runs one request through a pooled connection. Idempotent methods are
// retried on a fresh connection after a retryable failure; everything else
// fails on the first error.
func (b *Bridge) Execute(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if b.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.RequestTimeout)
		defer cancel()
	}

	b.requests.Inc()
	requestsTotal.Inc()

	attempts := 1
	if b.isIdempotent(req.Method) && b.cfg.Retries > 0 {
		attempts += b.cfg.Retries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if ctx.Err() != nil {
				break
			}
			b.retries.Inc()
			retriesTotal.Inc()
			b.log.WithFields(map[string]interface{}{
				"method":  req.Method,
				"path":    req.Path,
				"attempt": attempt + 1,
			}).WithError(lastErr).Warn("Retrying request on a fresh connection")
		}

		resp, err := b.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !bridgeerrors.IsRetryable(err) {
			break
		}
	}

	b.failures.Inc()
	failuresTotal.Inc()
	return nil, lastErr
}

// Stats returns snapshot counters for the status endpoint
func (b *Bridge) Stats() Stats {
	return Stats{
		Requests: b.requests.Value(),
		Failures: b.failures.Value(),
		Retries:  b.retries.Value(),
	}
}

func (b *Bridge) isIdempotent(method string) bool {
	_, ok := b.idempotent[strings.ToUpper(method)]
	return ok
}

// attempt leases one connection and runs a single send/receive exchange on it
func (b *Bridge) attempt(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	lease, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	conn := lease.Conn()
	id := protocol.NextRequestID()

	// Cancellation must abort in-flight socket I/O, not just the wait for it.
	// The lease is not released until the watchdog has exited, so it can
	// never expire a deadline on a connection that was already re-leased.
	ioDone := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-ctx.Done():
			select {
			case <-ioDone:
			default:
				conn.SetDeadline(time.Now())
			}
		case <-ioDone:
		}
	}()

	resp, gotID, ioErr := b.exchange(conn, id, req)
	close(ioDone)
	<-watchDone

	if ioErr != nil {
		// An oversized request is rejected before any byte reaches the
		// socket; the connection is still clean and goes back to the pool.
		if bridgeerrors.GetErrorCode(ioErr) == bridgeerrors.ErrCodeRequestTooLarge {
			lease.Release(true)
			return nil, ioErr
		}
		lease.Release(false)
		return nil, b.classify(ctx, ioErr)
	}
	if ctx.Err() != nil {
		// The watchdog may have expired the deadline just as the exchange
		// finished; clear it before the connection can be reused.
		conn.SetDeadline(time.Time{})
	}
	if gotID != id {
		// The connection's framing is out of step; it cannot be trusted again.
		lease.Release(false)
		return nil, bridgeerrors.NewProtocolError(
			"response ID does not match request", nil,
		).WithMetadata("sent", id).WithMetadata("got", gotID)
	}

	workerID := conn.WorkerID()
	meta := resp.Meta
	lease.Release(true)

	if b.recycler != nil && (meta.Recycle || (b.maxRequests > 0 && meta.ReqCount >= b.maxRequests)) {
		b.log.WithFields(map[string]interface{}{
			"worker_id": workerID,
			"req_count": meta.ReqCount,
			"requested": meta.Recycle,
		}).Info("Triggering worker recycle")
		b.recycler.Recycle(workerID)
	}

	return resp, nil
}

func (b *Bridge) exchange(conn *pool.Conn, id uint64, req *protocol.Request) (*protocol.Response, uint64, error) {
	if err := conn.SendRequest(id, req, b.cfg.IoTimeout); err != nil {
		// Only the send side can reject a frame before writing it; an
		// oversized frame on the receive side leaves the stream mid-frame
		// and is handled as a broken connection.
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			return nil, 0, bridgeerrors.NewRequestTooLargeError(err)
		}
		return nil, 0, err
	}
	return conn.ReceiveResponse(b.cfg.IoTimeout)
}

// classify maps raw socket and codec failures onto the error taxonomy
func (b *Bridge) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if bridgeerrors.IsBridgeError(err) {
		return err
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return bridgeerrors.NewIoTimeoutError("exchange", err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return bridgeerrors.NewIoTimeoutError("exchange", err)
	}
	return bridgeerrors.NewProtocolError("worker connection failed mid-request", err)
}
