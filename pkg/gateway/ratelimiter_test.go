package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientRateLimiter_Defaults(t *testing.T) {
	rl := NewClientRateLimiter()

	allowed, reason := rl.CheckRequestAllowed()
	assert.True(t, allowed)
	assert.Empty(t, reason)
}

func TestClientRateLimiter_ConcurrentLimit(t *testing.T) {
	// One chat.send at a time, mirroring a per-session client.
	rl := NewClientRateLimiterWithLimits(60, 1)

	rl.RecordRequestStart()
	allowed, reason := rl.CheckRequestAllowed()
	assert.False(t, allowed)
	assert.Equal(t, "too many concurrent requests", reason)

	rl.RecordRequestEnd()
	allowed, _ = rl.CheckRequestAllowed()
	assert.True(t, allowed)
}

func TestClientRateLimiter_WindowLimit(t *testing.T) {
	rl := NewClientRateLimiterWithLimits(3, 10)

	for i := 0; i < 3; i++ {
		rl.RecordRequestStart()
		rl.RecordRequestEnd()
	}

	allowed, reason := rl.CheckRequestAllowed()
	assert.False(t, allowed)
	assert.Equal(t, "rate limit exceeded", reason)
}

func TestClientRateLimiter_WindowSlides(t *testing.T) {
	rl := NewClientRateLimiterWithLimits(2, 10)

	// Backdate recorded requests past the one-minute window.
	rl.mu.Lock()
	stale := time.Now().Add(-61 * time.Second)
	rl.requests = []time.Time{stale, stale}
	rl.mu.Unlock()

	allowed, _ := rl.CheckRequestAllowed()
	assert.True(t, allowed)

	count, _ := rl.GetStats()
	assert.Zero(t, count)
}

func TestClientRateLimiter_EndWithoutStart(t *testing.T) {
	rl := NewClientRateLimiterWithLimits(60, 10)

	rl.RecordRequestEnd()

	_, concurrent := rl.GetStats()
	assert.Zero(t, concurrent)
}

func TestClientRateLimiter_UpdateLimits(t *testing.T) {
	rl := NewClientRateLimiterWithLimits(1, 1)

	rl.RecordRequestStart()
	allowed, _ := rl.CheckRequestAllowed()
	assert.False(t, allowed)

	rl.UpdateLimits(100, 10)
	allowed, _ = rl.CheckRequestAllowed()
	assert.True(t, allowed)
}

func TestClientRateLimiter_GetStats(t *testing.T) {
	rl := NewClientRateLimiterWithLimits(60, 10)

	rl.RecordRequestStart()
	rl.RecordRequestStart()
	rl.RecordRequestEnd()

	count, concurrent := rl.GetStats()
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, concurrent)
}

func TestClientRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewClientRateLimiterWithLimits(1000, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rl.CheckRequestAllowed()
			rl.RecordRequestStart()
			rl.RecordRequestEnd()
		}()
	}
	wg.Wait()

	count, concurrent := rl.GetStats()
	assert.Equal(t, 50, count)
	assert.Zero(t, concurrent)
}
