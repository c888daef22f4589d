package job

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/randomizedcoder/go-matbench/internal/retry"
)

const (
	// JobFileName is the fixed name of the job file in the work directory.
	JobFileName = "job.yaml"

	// ResultFileName is the fixed name of the result file in the work directory.
	ResultFileName = "result.yaml"
)

// Envelope is the on-disk form of a job file.
type Envelope struct {
	RunID      int64  `yaml:"run_id"`
	ResultFile string `yaml:"result_file"`
	Job        Spec   `yaml:"job"`
}

// Channel is the master side of the file-based job/result handoff.
//
// The job and result paths are singletons reused by every trial, so a Channel
// must only be used for one trial at a time.
type Channel struct {
	dir        string
	jobPath    string
	resultPath string
	cleanup    retry.BackoffConfig
	logger     *slog.Logger
}

// NewChannel creates a channel rooted at dir. The directory is created if
// it does not exist.
func NewChannel(dir string, logger *slog.Logger) (*Channel, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		dir:        abs,
		jobPath:    filepath.Join(abs, JobFileName),
		resultPath: filepath.Join(abs, ResultFileName),
		cleanup:    retry.DefaultBackoffConfig(),
		logger:     logger,
	}, nil
}

// SetCleanupBackoff overrides the deletion retry policy.
func (c *Channel) SetCleanupBackoff(cfg retry.BackoffConfig) {
	c.cleanup = cfg
}

// Dir returns the work directory.
func (c *Channel) Dir() string {
	return c.dir
}

// JobPath returns the path of the job file.
func (c *Channel) JobPath() string {
	return c.jobPath
}

// ResultPath returns the path of the result file.
func (c *Channel) ResultPath() string {
	return c.resultPath
}

// Write serializes spec to the job file and returns its path. The data is
// fsynced and atomically renamed into place before Write returns, so a child
// started afterwards always sees the complete file.
//
// Any result file from a previous attempt is removed first.
func (c *Channel) Write(spec Spec) (string, error) {
	if err := removeIfExists(c.resultPath); err != nil {
		return "", fmt.Errorf("remove old result file: %w", err)
	}

	data, err := yaml.Marshal(Envelope{
		RunID:      spec.RunID,
		ResultFile: c.resultPath,
		Job:        spec,
	})
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	if err := writeFileSync(c.jobPath, data); err != nil {
		return "", fmt.Errorf("write job file: %w", err)
	}

	c.logger.Debug("job_written", "path", c.jobPath, "run_id", spec.RunID, "job", spec.String())
	return c.jobPath, nil
}

// Read returns the outcome written by the child for expectedRunID.
//
// It returns nil when the result file is missing, cannot be parsed, or was
// written for a different run. Callers treat nil as an indeterminate
// result. Read must only be called after the child has exited.
func (c *Channel) Read(expectedRunID int64) *Outcome {
	return ReadResult(c.resultPath, expectedRunID, c.logger)
}

// Cleanup deletes the job and result files, retrying transient failures.
func (c *Channel) Cleanup(ctx context.Context) error {
	var errs []error
	for _, path := range []string{c.jobPath, c.resultPath} {
		err := retry.Do(ctx, c.cleanup, func() error {
			return removeIfExists(path)
		})
		if err != nil {
			c.logger.Warn("job_file_cleanup_failed", "path", path, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReadResult reads a result file and checks its run identifier.
func ReadResult(path string, expectedRunID int64, logger *slog.Logger) *Outcome {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Debug("result_missing", "path", path, "error", err)
		return nil
	}

	var out Outcome
	if err := yaml.Unmarshal(data, &out); err != nil {
		logger.Warn("result_unparsable", "path", path, "error", err)
		return nil
	}

	if out.RunID != expectedRunID {
		logger.Warn("result_stale",
			"path", path,
			"run_id", out.RunID,
			"expected_run_id", expectedRunID,
		)
		return nil
	}

	if !out.Reason.Valid() {
		logger.Warn("result_unknown_reason", "path", path, "reason", out.Reason)
		return nil
	}

	return &out
}

// ReadJobFile is the child side of the handoff: it decodes a job file.
func ReadJobFile(path string) (*Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}

	var env Envelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode job file: %w", err)
	}
	if env.ResultFile == "" {
		return nil, errors.New("job file has no result_file")
	}
	if env.RunID != env.Job.RunID {
		return nil, fmt.Errorf("job file run_id %d does not match job run_id %d", env.RunID, env.Job.RunID)
	}
	return &env, nil
}

// WriteResult is the child side of the handoff: it writes an outcome.
func WriteResult(path string, out *Outcome) error {
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return writeFileSync(path, data)
}

// writeFileSync writes data to a temp file in the same directory, fsyncs it
// and renames it over path.
func writeFileSync(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
