package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventLoop_ProcessTasks(t *testing.T) {
	d, log := createTestDaemon(t)
	defer log.Close()

	// Should be a no-op with no sessions.
	d.eventLoop.processTasks()
}

func TestEventLoop_IdleReapingRespectsTimeout(t *testing.T) {
	d, log := createTestDaemon(t)
	defer log.Close()

	d.config.Session.IdleTimeoutMinutes = 60
	d.recordActivity("chat:alice")

	// Fresh activity is never reaped.
	d.eventLoop.reapIdleSessions(d.manager.List())
	assert.False(t, d.idleSince("chat:alice").IsZero())
}

func TestEventLoop_ActivityTracking(t *testing.T) {
	d, log := createTestDaemon(t)
	defer log.Close()

	assert.True(t, d.idleSince("chat:alice").IsZero())

	before := time.Now()
	d.recordActivity("chat:alice")
	last := d.idleSince("chat:alice")
	assert.False(t, last.Before(before))

	d.forgetActivity("chat:alice")
	assert.True(t, d.idleSince("chat:alice").IsZero())
}
