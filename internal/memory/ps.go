package memory

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// PsSampler runs the process-listing tool and reads the RSS column.
type PsSampler struct {
	// Command is the listing command; its output must have a header row
	// with PID and RSS columns, RSS in KiB.
	Command []string

	// Timeout bounds a single invocation.
	Timeout time.Duration
}

// NewPsSampler returns a sampler running `ps -e -o pid,rss`.
func NewPsSampler() *PsSampler {
	return &PsSampler{
		Command: []string{"ps", "-e", "-o", "pid,rss"},
		Timeout: time.Second,
	}
}

// Name implements Sampler.
func (s *PsSampler) Name() string { return StrategyPs }

// Sample implements Sampler.
func (s *PsSampler) Sample(pid int) int64 {
	if len(s.Command) == 0 {
		return Unknown
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...).Output()
	if err != nil {
		return Unknown
	}
	return parsePsTable(string(out), pid)
}

// parsePsTable finds pid's row in ps output and returns its RSS in bytes.
// Column positions come from the header row.
func parsePsTable(out string, pid int) int64 {
	sc := bufio.NewScanner(strings.NewReader(out))

	pidCol, rssCol := -1, -1
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}

		if pidCol < 0 {
			for i, f := range fields {
				switch strings.ToUpper(f) {
				case "PID":
					pidCol = i
				case "RSS", "RES", "RSZ":
					rssCol = i
				}
			}
			if pidCol < 0 || rssCol < 0 {
				return Unknown
			}
			continue
		}

		if len(fields) <= max(pidCol, rssCol) {
			continue
		}
		rowPID, err := strconv.Atoi(fields[pidCol])
		if err != nil || rowPID != pid {
			continue
		}
		kib, err := strconv.ParseInt(fields[rssCol], 10, 64)
		if err != nil || kib < 0 {
			return Unknown
		}
		return kib * 1024
	}
	return Unknown
}
