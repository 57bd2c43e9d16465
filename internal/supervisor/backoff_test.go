package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"sockbridge/internal/config"
)

func TestRestartBudgetExhaustion(t *testing.T) {
	rb := newRestartBudget(config.RestartConfig{
		MaxRestarts:   3,
		RestartWindow: time.Minute,
	})
	base := time.Now()

	assert.False(t, rb.record(base))
	assert.False(t, rb.record(base.Add(1*time.Second)))
	assert.False(t, rb.record(base.Add(2*time.Second)))
	assert.Equal(t, 3, rb.count(base.Add(2*time.Second)))

	assert.True(t, rb.record(base.Add(3*time.Second)), "fourth crash inside the window must exhaust the budget")
}

func TestRestartBudgetForgetsOldCrashes(t *testing.T) {
	rb := newRestartBudget(config.RestartConfig{
		MaxRestarts:   3,
		RestartWindow: time.Minute,
	})
	base := time.Now()

	rb.record(base)
	rb.record(base.Add(1 * time.Second))
	rb.record(base.Add(2 * time.Second))

	// Two minutes later the window has slid past all three crashes.
	assert.False(t, rb.record(base.Add(2*time.Minute)))
	assert.Equal(t, 1, rb.count(base.Add(2*time.Minute)))
}

func TestRestartBackoffGrowsToCap(t *testing.T) {
	b := newRestartBackoff(config.RestartConfig{
		BackoffBase:   100 * time.Millisecond,
		BackoffMax:    1 * time.Second,
		BackoffJitter: 0,
	})

	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 400*time.Millisecond, b.NextBackOff())

	for i := 0; i < 20; i++ {
		d := b.NextBackOff()
		assert.LessOrEqual(t, d, 1*time.Second)
		assert.Greater(t, d, time.Duration(0), "the restart budget decides when to give up, not the backoff")
	}
}

func TestRestartBackoffReset(t *testing.T) {
	b := newRestartBackoff(config.RestartConfig{
		BackoffBase:   100 * time.Millisecond,
		BackoffMax:    1 * time.Second,
		BackoffJitter: 0,
	})

	b.NextBackOff()
	b.NextBackOff()
	b.Reset()

	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
}
