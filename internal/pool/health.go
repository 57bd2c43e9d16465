package pool

import (
	"time"

	"sockbridge/internal/supervisor"
)

// healthLoop periodically probes idle connections with a ping frame
func (p *Pool) healthLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.probeIdle()
		}
	}
}

// probeIdle takes connections idle past the threshold out of the pool,
// pings each one, and returns the survivors
func (p *Pool) probeIdle() {
	now := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var stale []*Conn
	kept := p.idle[:0]
	for _, c := range p.idle {
		if now.Sub(c.lastUsed) >= p.cfg.IdleThreshold {
			c.state = stateChecking
			p.checking[c.id] = c
			stale = append(stale, c)
		} else {
			kept = append(kept, c)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, c := range stale {
		err := c.ping(p.cfg.ProbeTimeout)

		p.mu.Lock()
		delete(p.checking, c.id)

		if err != nil {
			c.state = stateDead
			p.mu.Unlock()
			c.close()
			p.probeFailures.Inc()
			probeFailuresTotal.Inc()
			p.log.WithFields(map[string]interface{}{
				"conn_id":   c.id,
				"worker_id": c.workerID,
			}).WithError(err).Warn("Idle connection failed health probe")
			go p.maintain()
			continue
		}

		w, known := p.workers[c.workerID]
		if p.closed || !known || w.state != supervisor.StateReady {
			c.state = stateDead
			p.mu.Unlock()
			c.close()
			continue
		}
		p.putLocked(c)
		p.mu.Unlock()
	}
}
