package job

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-matbench/internal/retry"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewChannel(t.TempDir(), logger)
	require.NoError(t, err)
	return c
}

func benchSpec(runID int64) Spec {
	return Spec{
		Kind:       KindBenchmark,
		Library:    "builtin",
		EntryPoint: "builtin",
		Operation:  "add",
		Size:       100,
		Seed:       7,
		Trials:     5,
		RunID:      runID,
	}
}

// =============================================================================
// Write / ReadJobFile
// =============================================================================

func TestChannel_WriteThenChildReads(t *testing.T) {
	c := newTestChannel(t)
	spec := benchSpec(42)
	spec.MaxTrialTime = 3 * time.Second

	path, err := c.Write(spec)
	require.NoError(t, err)
	assert.Equal(t, c.JobPath(), path)

	env, err := ReadJobFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(42), env.RunID)
	assert.Equal(t, c.ResultPath(), env.ResultFile)
	assert.Equal(t, spec, env.Job)
}

func TestChannel_WriteRemovesOldResult(t *testing.T) {
	c := newTestChannel(t)
	require.NoError(t, WriteResult(c.ResultPath(), &Outcome{RunID: 1, Reason: ReasonSuccess}))

	_, err := c.Write(benchSpec(2))
	require.NoError(t, err)

	_, statErr := os.Stat(c.ResultPath())
	assert.True(t, os.IsNotExist(statErr), "result from the previous attempt must be gone")
}

func TestChannel_WriteLeavesNoTempFiles(t *testing.T) {
	c := newTestChannel(t)
	_, err := c.Write(benchSpec(1))
	require.NoError(t, err)

	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, JobFileName, entries[0].Name())
}

func TestReadJobFile_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "::: not yaml :::\n\t- ["},
		{"no result file", "run_id: 3\njob:\n  run_id: 3\n"},
		{"run id mismatch", "run_id: 3\nresult_file: /tmp/r.yaml\njob:\n  run_id: 4\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := ReadJobFile(path)
			assert.Error(t, err)
		})
	}

	_, err := ReadJobFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

// =============================================================================
// Read (staleness)
// =============================================================================

func TestChannel_ReadMatchingRunID(t *testing.T) {
	c := newTestChannel(t)
	want := &Outcome{
		RunID:      42,
		Reason:     ReasonSuccess,
		TrialTimes: []time.Duration{2 * time.Millisecond, 3 * time.Millisecond},
	}
	require.NoError(t, WriteResult(c.ResultPath(), want))

	got := c.Read(42)
	require.NotNil(t, got)
	assert.Equal(t, want.Reason, got.Reason)
	assert.Equal(t, want.TrialTimes, got.TrialTimes)
}

func TestChannel_ReadRejectsStaleResult(t *testing.T) {
	c := newTestChannel(t)
	require.NoError(t, WriteResult(c.ResultPath(), &Outcome{RunID: 41, Reason: ReasonSuccess}))

	assert.Nil(t, c.Read(42))
}

func TestChannel_ReadStalenessForAllRunIDs(t *testing.T) {
	c := newTestChannel(t)

	for written := int64(1); written <= 5; written++ {
		require.NoError(t, WriteResult(c.ResultPath(), &Outcome{RunID: written, Reason: ReasonSuccess}))
		for expected := int64(1); expected <= 5; expected++ {
			got := c.Read(expected)
			if expected == written {
				assert.NotNil(t, got, "written=%d expected=%d", written, expected)
			} else {
				assert.Nil(t, got, "written=%d expected=%d", written, expected)
			}
		}
	}
}

func TestChannel_ReadMissingOrCorrupt(t *testing.T) {
	c := newTestChannel(t)
	assert.Nil(t, c.Read(1), "missing file")

	require.NoError(t, os.WriteFile(c.ResultPath(), []byte("run_id: [oops"), 0o644))
	assert.Nil(t, c.Read(1), "corrupt file")

	require.NoError(t, os.WriteFile(c.ResultPath(), []byte("run_id: 1\nreason: exploded\n"), 0o644))
	assert.Nil(t, c.Read(1), "unknown reason")
}

func TestChannel_ReadHandWrittenResult(t *testing.T) {
	c := newTestChannel(t)
	content := "run_id: 9\nreason: success\ntrial_times: [2ms, 2ms, 2ms]\n"
	require.NoError(t, os.WriteFile(c.ResultPath(), []byte(content), 0o644))

	got := c.Read(9)
	require.NotNil(t, got)
	assert.Equal(t, 2*time.Millisecond, got.MeanTrialTime())
}

// =============================================================================
// Cleanup
// =============================================================================

func TestChannel_CleanupRemovesBothFiles(t *testing.T) {
	c := newTestChannel(t)
	_, err := c.Write(benchSpec(1))
	require.NoError(t, err)
	require.NoError(t, WriteResult(c.ResultPath(), &Outcome{RunID: 1, Reason: ReasonSuccess}))

	require.NoError(t, c.Cleanup(context.Background()))

	for _, p := range []string{c.JobPath(), c.ResultPath()} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}
}

func TestChannel_CleanupMissingFilesIsNotAnError(t *testing.T) {
	c := newTestChannel(t)
	assert.NoError(t, c.Cleanup(context.Background()))
}

func TestChannel_CleanupGivesUp(t *testing.T) {
	c := newTestChannel(t)
	c.SetCleanupBackoff(retry.BackoffConfig{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1, Attempts: 2})

	// A non-empty directory at the job path cannot be removed with os.Remove.
	require.NoError(t, os.MkdirAll(filepath.Join(c.JobPath(), "child"), 0o755))

	err := c.Cleanup(context.Background())
	assert.ErrorIs(t, err, retry.ErrExhausted)
}

// =============================================================================
// Outcome helpers
// =============================================================================

func TestReason_Classification(t *testing.T) {
	for _, r := range Reasons {
		assert.True(t, r.Valid(), r)
		assert.Equal(t, r != ReasonSuccess, r.IsFailure(), r)
	}
	assert.True(t, ReasonOutOfMemory.Expected())
	assert.False(t, ReasonFrozen.Expected())
	assert.False(t, Reason("bogus").Valid())
}

func TestFailedAndMean(t *testing.T) {
	o := Failed(5, ReasonMiscException, "stale result (run %d)", 4)
	assert.Equal(t, "stale result (run 4)", o.Message)
	assert.False(t, o.Succeeded())
	assert.Zero(t, o.MeanTrialTime())

	var nilOutcome *Outcome
	assert.False(t, nilOutcome.Succeeded())
}

func TestSpec_String(t *testing.T) {
	assert.Equal(t, "builtin/add/100#3", benchSpec(3).String())
	assert.Equal(t, "ejml/version#4", Spec{Kind: KindVersion, Library: "ejml", RunID: 4}.String())
}
