package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irwin/switchboard/pkg/agent"
	"github.com/irwin/switchboard/pkg/multiplex"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "usage.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func report(sessionKey, requestID, status string, in, out int64) multiplex.TurnReport {
	return multiplex.TurnReport{
		SessionKey: sessionKey,
		RequestID:  requestID,
		Model:      "claude-sonnet-4",
		Status:     status,
		Duration:   1500 * time.Millisecond,
		Usage: agent.Usage{
			InputTokens:     in,
			OutputTokens:    out,
			CacheReadTokens: 7,
		},
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("", zerolog.Nop())
	assert.Error(t, err)
}

func TestRecordTurnAndSessionTotals(t *testing.T) {
	l := openTestLedger(t)

	l.RecordTurn(report("chat:1", "req-a", "success", 100, 40))
	l.RecordTurn(report("chat:1", "req-b", "error", 50, 10))
	l.RecordTurn(report("chat:2", "req-c", "success", 900, 300))

	totals, err := l.SessionTotals(context.Background(), "chat:1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), totals.Turns)
	assert.Equal(t, int64(150), totals.InputTokens)
	assert.Equal(t, int64(50), totals.OutputTokens)
	assert.Equal(t, int64(14), totals.CacheReadTokens)
	assert.Equal(t, int64(3000), totals.DurationMS)
}

func TestGrandTotals(t *testing.T) {
	l := openTestLedger(t)

	l.RecordTurn(report("chat:1", "req-a", "success", 100, 40))
	l.RecordTurn(report("chat:2", "req-b", "success", 200, 60))

	totals, err := l.GrandTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), totals.Turns)
	assert.Equal(t, int64(300), totals.InputTokens)
	assert.Equal(t, int64(100), totals.OutputTokens)
}

func TestTotalsEmptyLedger(t *testing.T) {
	l := openTestLedger(t)

	totals, err := l.SessionTotals(context.Background(), "chat:1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), totals.Turns)
	assert.Equal(t, int64(0), totals.InputTokens)
}

func TestRecentNewestFirst(t *testing.T) {
	l := openTestLedger(t)

	l.RecordTurn(report("chat:1", "req-a", "success", 1, 1))
	l.RecordTurn(report("chat:1", "req-b", "success", 2, 2))
	l.RecordTurn(report("chat:1", "req-c", "cancelled", 3, 3))

	records, err := l.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "req-c", records[0].RequestID)
	assert.Equal(t, "cancelled", records[0].Status)
	assert.Equal(t, "req-b", records[1].RequestID)
	assert.Equal(t, "claude-sonnet-4", records[0].Model)
	assert.False(t, records[0].CreatedAt.IsZero())
}

func TestRecentDefaultLimit(t *testing.T) {
	l := openTestLedger(t)
	l.RecordTurn(report("chat:1", "req-a", "success", 1, 1))

	records, err := l.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")

	l, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	l.RecordTurn(report("chat:1", "req-a", "success", 10, 5))
	require.NoError(t, l.Close())

	reopened, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	totals, err := reopened.GrandTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Turns)
}
