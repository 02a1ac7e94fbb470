package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/eddiefleurent/spread_mirror/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(JournalConfig{Path: filepath.Join(t.TempDir(), "db", "journal.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	start := time.Date(2024, 1, 25, 9, 30, 0, 0, time.UTC)
	require.NoError(t, j.StartRun(ctx, RunRecord{ID: "run-1", Kind: "entry", Command: "ENTRY NIFTY 21500PE 25JAN24", StartedAt: start}))
	require.NoError(t, j.StartRun(ctx, RunRecord{ID: "run-2", Kind: "exit", StartedAt: start.Add(time.Hour)}))

	for i, outcome := range []models.ExecutionOutcome{models.OutcomeCommitted, models.OutcomeCompensatedAborted} {
		require.NoError(t, j.RecordChunk(ctx, ChunkRecord{
			RunID: "run-1", Account: "A1", ChunkIndex: i, Quantity: 900,
			BuySymbol: "NIFTY25JAN2421300PE", SellSymbol: "NIFTY25JAN2421500PE",
			Outcome: outcome, UnwindFailed: i == 1,
		}))
	}
	require.NoError(t, j.FinishRun(ctx, "run-1", start.Add(time.Minute)))

	runs, err := j.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID, "newest first")
	assert.False(t, runs[0].Finished())
	assert.True(t, runs[1].Finished())
	assert.Equal(t, "ENTRY NIFTY 21500PE 25JAN24", runs[1].Command)

	chunks, err := j.RunChunks(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, models.OutcomeCommitted, chunks[0].Outcome)
	assert.False(t, chunks[0].UnwindFailed)
	assert.Equal(t, models.OutcomeCompensatedAborted, chunks[1].Outcome)
	assert.True(t, chunks[1].UnwindFailed)
	assert.False(t, chunks[1].RecordedAt.IsZero())
}

func TestJournal_Errors(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	assert.Error(t, j.StartRun(ctx, RunRecord{Kind: "entry"}), "id required")
	assert.Error(t, j.FinishRun(ctx, "missing", time.Now()))
	assert.Error(t, j.RecordChunk(ctx, ChunkRecord{RunID: "missing", Account: "A1"}), "foreign key enforced")

	_, err := OpenJournal(JournalConfig{})
	assert.Error(t, err)
}

func TestJournal_InMemory(t *testing.T) {
	j, err := OpenJournal(JournalConfig{InMemory: true})
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()
	require.NoError(t, j.StartRun(ctx, RunRecord{ID: "r", Kind: "entry"}))
	runs, err := j.RecentRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
