package trial

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-matbench/internal/job"
	"github.com/randomizedcoder/go-matbench/internal/logging"
	"github.com/randomizedcoder/go-matbench/internal/memory"
	"github.com/randomizedcoder/go-matbench/internal/process"
	"github.com/randomizedcoder/go-matbench/internal/supervisor"
)

// Fake children are bash scripts. With the library classpath below the
// argument vector is: $1 heap-min, $2 heap-max, $3 -cp, $4 classpath,
// $5 entry point, $6 job file, $7 run id.
const writeResult = `out="$(dirname "$6")/result.yaml"; `

func newRunner(t *testing.T, script string) (*Runner, *job.Channel) {
	t.Helper()

	ch, err := job.NewChannel(t.TempDir(), logging.Discard())
	require.NoError(t, err)

	launcher := process.NewLauncher(process.Config{
		Runtime: process.Runtime{
			Name:          "bash",
			Path:          "bash",
			PreArgs:       []string{"-c", script, "child"},
			HeapMinFlag:   "-Xms%dm",
			HeapMaxFlag:   "-Xmx%dm",
			ClasspathFlag: "-cp",
		},
		Dir:    ch.Dir(),
		Logger: logging.Discard(),
	})

	mon := supervisor.New(supervisor.Config{
		PollInterval: 20 * time.Millisecond,
		KillTimeout:  2 * time.Second,
		Logger:       logging.Discard(),
	})

	r := NewRunner(Config{
		Launcher:       launcher,
		Channel:        ch,
		Monitor:        mon,
		SampleInterval: 5 * time.Millisecond,
		DrainTimeout:   2 * time.Second,
		Logger:         logging.Discard(),
	})
	return r, ch
}

func benchRequest(runID int64) Request {
	return Request{
		Spec: job.Spec{
			Kind:       job.KindBenchmark,
			Library:    "ejml",
			EntryPoint: "BenchmarkMain",
			Operation:  "add",
			Size:       100,
			Trials:     5,
			RunID:      runID,
		},
		Library:  process.Library{Name: "ejml", EntryPoint: "BenchmarkMain", Classpath: []string{"lib.jar"}},
		Limit:    process.MemoryLimit{MinMB: 50, MaxMB: 400},
		Deadline: 10 * time.Second,
	}
}

func assertCleanedUp(t *testing.T, ch *job.Channel) {
	t.Helper()
	assert.NoFileExists(t, ch.JobPath())
	assert.NoFileExists(t, ch.ResultPath())
}

// =============================================================================
// Scenarios
// =============================================================================

func TestRun_ScenarioA_Success(t *testing.T) {
	r, ch := newRunner(t, writeResult+
		`printf 'run_id: %s\nreason: success\ntrial_times: [2ms, 2ms, 2ms, 2ms, 2ms]\n' "$7" > "$out"`)

	res := r.Run(context.Background(), benchRequest(42))

	require.Equal(t, job.ReasonSuccess, res.Outcome.Reason, res.Outcome.Message)
	assert.Equal(t, int64(42), res.Outcome.RunID)
	assert.Len(t, res.Outcome.TrialTimes, 5)
	assert.Equal(t, 2*time.Millisecond, res.Outcome.MeanTrialTime())
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, supervisor.StateExited, res.Monitor.State)
	assertCleanedUp(t, ch)
}

func TestRun_ScenarioB_Frozen(t *testing.T) {
	r, ch := newRunner(t, `sleep 3600`)
	req := benchRequest(1)
	req.Deadline = 300 * time.Millisecond

	res := r.Run(context.Background(), req)

	assert.Equal(t, job.ReasonFrozen, res.Outcome.Reason)
	assert.True(t, res.Monitor.Frozen())
	assert.Equal(t, []supervisor.State{supervisor.StateRunning, supervisor.StateFrozen, supervisor.StateKilled}, res.Monitor.History)
	assert.GreaterOrEqual(t, res.Elapsed, req.Deadline)
	assertCleanedUp(t, ch)
}

func TestRun_ScenarioD_StaleResult(t *testing.T) {
	r, ch := newRunner(t, writeResult+`printf 'run_id: 41\nreason: success\n' > "$out"`)

	res := r.Run(context.Background(), benchRequest(42))

	assert.Equal(t, job.ReasonMiscException, res.Outcome.Reason)
	assert.Equal(t, "stale result", res.Outcome.Message)
	assert.Equal(t, int64(42), res.Outcome.RunID)
	assertCleanedUp(t, ch)
}

// =============================================================================
// Classification
// =============================================================================

func TestRun_Classification(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   job.Reason
	}{
		{"non_zero_exit", `echo "Exception in thread main" >&2; exit 3`, job.ReasonReturnNotZero},
		{"non_zero_exit_ignores_result", writeResult + `printf 'run_id: %s\nreason: success\n' "$7" > "$out"; exit 1`, job.ReasonReturnNotZero},
		{"killed_by_signal", `kill -9 $$`, job.ReasonReturnNotZero},
		{"missing_result", `exit 0`, job.ReasonMiscException},
		{"corrupt_result", writeResult + `echo '{{{' > "$out"`, job.ReasonMiscException},
		{"child_reports_oom", writeResult + `printf 'run_id: %s\nreason: out_of_memory\n' "$7" > "$out"`, job.ReasonOutOfMemory},
		{"child_reports_too_slow", writeResult + `printf 'run_id: %s\nreason: too_slow\n' "$7" > "$out"`, job.ReasonTooSlow},
		{"child_reports_config_failure", writeResult + `printf 'run_id: %s\nreason: read_config_failure\nmessage: bad yaml\n' "$7" > "$out"`, job.ReasonReadConfigFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ch := newRunner(t, tt.script)
			res := r.Run(context.Background(), benchRequest(5))

			assert.Equal(t, tt.want, res.Outcome.Reason, res.Outcome.Message)
			assert.Equal(t, int64(5), res.Outcome.RunID)
			assertCleanedUp(t, ch)
		})
	}
}

func TestRun_ReturnNotZeroMessage(t *testing.T) {
	r, _ := newRunner(t, `echo "boom: library crashed" >&2; exit 3`)

	res := r.Run(context.Background(), benchRequest(1))

	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Outcome.Message, "exit code 3")
	assert.Contains(t, res.Outcome.Message, "boom: library crashed")
}

func TestRun_JobFileVisibleToChild(t *testing.T) {
	r, _ := newRunner(t, writeResult+
		`grep -q 'operation: add' "$6" || exit 9; printf 'run_id: %s\nreason: success\n' "$7" > "$out"`)

	res := r.Run(context.Background(), benchRequest(3))
	assert.Equal(t, job.ReasonSuccess, res.Outcome.Reason, res.Outcome.Message)
}

func TestRun_Cancelled(t *testing.T) {
	r, ch := newRunner(t, `sleep 3600`)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	res := r.Run(ctx, benchRequest(1))

	assert.Equal(t, job.ReasonUserRequested, res.Outcome.Reason)
	assert.True(t, res.Monitor.Cancelled())
	assert.Less(t, time.Since(start), 5*time.Second)
	assertCleanedUp(t, ch)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	r, _ := newRunner(t, `exit 0`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.Run(ctx, benchRequest(1))
	assert.Equal(t, job.ReasonUserRequested, res.Outcome.Reason)
}

func TestRun_LaunchFailure(t *testing.T) {
	ch, err := job.NewChannel(t.TempDir(), logging.Discard())
	require.NoError(t, err)

	r := NewRunner(Config{
		Launcher: process.NewLauncher(process.Config{
			Runtime: process.Runtime{Path: "/nonexistent/java"},
			Logger:  logging.Discard(),
		}),
		Channel: ch,
		Monitor: supervisor.New(supervisor.Config{Logger: logging.Discard()}),
		Logger:  logging.Discard(),
	})

	res := r.Run(context.Background(), benchRequest(1))

	assert.Equal(t, job.ReasonMiscException, res.Outcome.Reason)
	assert.Contains(t, res.Outcome.Message, process.ErrFailedToStart.Error())
	assertCleanedUp(t, ch)
}

// =============================================================================
// Version queries
// =============================================================================

func versionRequest(runID int64) Request {
	req := benchRequest(runID)
	req.Spec.Kind = job.KindVersion
	req.Capture = true
	req.Deadline = supervisor.DefaultMustBeFrozen
	return req
}

func TestRun_Version(t *testing.T) {
	r, _ := newRunner(t, `echo; echo "0.41.1"; echo "extra"`)

	res := r.Run(context.Background(), versionRequest(8))

	require.Equal(t, job.ReasonSuccess, res.Outcome.Reason, res.Outcome.Message)
	assert.Equal(t, "0.41.1", res.Outcome.Version)
	assert.Equal(t, "\n0.41.1\nextra\n", res.Payload)
}

func TestRun_VersionEmpty(t *testing.T) {
	r, _ := newRunner(t, `exit 0`)

	res := r.Run(context.Background(), versionRequest(8))

	assert.Equal(t, job.ReasonMiscException, res.Outcome.Reason)
	assert.Equal(t, "empty version output", res.Outcome.Message)
}

func TestRun_VersionMustBeFrozen(t *testing.T) {
	r, _ := newRunner(t, `sleep 3600`)
	req := versionRequest(8)
	req.Deadline = 200 * time.Millisecond

	res := r.Run(context.Background(), req)
	assert.Equal(t, job.ReasonFrozen, res.Outcome.Reason)
}

// =============================================================================
// Output and memory
// =============================================================================

// TestRun_PipeFloodNotFrozen floods both streams far past the pipe buffer;
// the child must finish well inside its deadline.
func TestRun_PipeFloodNotFrozen(t *testing.T) {
	r, _ := newRunner(t, `for i in $(seq 1 20000); do
		echo "stdout $i padding padding padding padding padding padding padding"
		echo "stderr $i padding padding padding padding padding padding padding" >&2
	done
	`+writeResult+`printf 'run_id: %s\nreason: success\n' "$7" > "$out"`)

	req := benchRequest(2)
	req.Deadline = 30 * time.Second

	res := r.Run(context.Background(), req)

	assert.Equal(t, job.ReasonSuccess, res.Outcome.Reason, res.Outcome.Message)
	assert.False(t, res.Monitor.Frozen())
	assert.Equal(t, int64(40000), res.Drain.Read)
}

func TestRun_GrandchildHoldingPipe(t *testing.T) {
	// The grandchild keeps stdout open after the child exits
	r, _ := newRunner(t, writeResult+
		`printf 'run_id: %s\nreason: success\n' "$7" > "$out"; (sleep 30 &); exit 0`)
	r.cfg.DrainTimeout = 200 * time.Millisecond

	start := time.Now()
	res := r.Run(context.Background(), benchRequest(4))

	assert.Equal(t, job.ReasonSuccess, res.Outcome.Reason, res.Outcome.Message)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_TracksMemory(t *testing.T) {
	if _, err := os.Stat("/proc/self/status"); err != nil {
		t.Skip("no procfs")
	}

	r, _ := newRunner(t, `sleep 0.2; `+writeResult+`printf 'run_id: %s\nreason: success\n' "$7" > "$out"`)
	sampler, err := memory.NewProcfsSampler("")
	require.NoError(t, err)
	r.cfg.Sampler = sampler

	req := benchRequest(6)
	req.TrackMemory = true

	res := r.Run(context.Background(), req)

	require.Equal(t, job.ReasonSuccess, res.Outcome.Reason)
	assert.Positive(t, res.Outcome.PeakBytes)
}

func TestRun_NoTrackingLeavesPeakUnknown(t *testing.T) {
	r, _ := newRunner(t, writeResult+`printf 'run_id: %s\nreason: success\n' "$7" > "$out"`)

	res := r.Run(context.Background(), benchRequest(6))
	assert.Equal(t, memory.Unknown, res.Outcome.PeakBytes)
}

func TestRun_WorkDirIsChildCwd(t *testing.T) {
	r, ch := newRunner(t, `pwd > "$(dirname "$6")/cwd.txt"; exit 1`)
	r.Run(context.Background(), benchRequest(1))

	data, err := os.ReadFile(filepath.Join(ch.Dir(), "cwd.txt"))
	require.NoError(t, err)

	want, _ := filepath.EvalSymlinks(ch.Dir())
	got, _ := filepath.EvalSymlinks(string(data[:len(data)-1]))
	assert.Equal(t, want, got)
}
