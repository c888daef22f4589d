// Package preflight provides startup validation checks.
package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/procfs"

	"github.com/randomizedcoder/go-matbench/internal/memory"
	"github.com/randomizedcoder/go-matbench/internal/process"
)

// Note: syscall.RLIMIT_NPROC is not exported in Go's syscall package,
// so we read process limits from /proc/self/limits instead.

// Each child holds two pipes plus the job and result files.
const (
	requiredFDs   = 256
	requiredProcs = 64
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options selects what is checked.
type Options struct {
	Runtime   process.Runtime
	WorkDir   string
	Sampler   string
	Libraries []process.Library

	// MemoryMaxMB is the largest heap a child may be given.
	MemoryMaxMB int

	// ProcRoot overrides /proc (tests).
	ProcRoot string
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	if opts.ProcRoot == "" {
		opts.ProcRoot = procfs.DefaultMountPoint
	}

	result := &Result{
		Checks: make([]Check, 0, 8),
		Passed: true,
	}

	result.add(checkFileDescriptors())
	result.add(checkProcessLimit(opts.ProcRoot))
	result.add(checkRuntime(opts.Runtime))
	result.add(checkWorkDir(opts.WorkDir))
	result.add(checkSampler(opts.Sampler))
	result.add(checkHostMemory(opts.ProcRoot, opts.MemoryMaxMB))
	for _, lib := range opts.Libraries {
		result.add(checkLibrary(lib))
	}

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors() Check {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	actual := int(limit.Cur)
	return Check{
		Name:     "file_descriptors",
		Required: requiredFDs,
		Actual:   actual,
		Passed:   actual >= requiredFDs,
		Message:  fmt.Sprintf("ulimit -n %d (need %d)", actual, requiredFDs),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(procRoot string) Check {
	data, err := os.ReadFile(filepath.Join(procRoot, "self", "limits"))
	if err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := parseMaxProcesses(string(data))
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: requiredProcs,
		Actual:   actual,
		Passed:   actual >= requiredProcs,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, requiredProcs),
	}
}

// parseMaxProcesses reads the soft "Max processes" limit.
func parseMaxProcesses(limits string) int {
	for _, line := range strings.Split(limits, "\n") {
		if !strings.HasPrefix(line, "Max processes") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return 0
		}
		if fields[2] == "unlimited" {
			return 1_000_000
		}
		var n int
		fmt.Sscanf(fields[2], "%d", &n)
		return n
	}
	return 0
}

// checkRuntime verifies the child runtime can be found. A JVM is also asked
// for its version.
func checkRuntime(rt process.Runtime) Check {
	name := "runtime"
	if rt.Name != "" {
		name = "runtime_" + rt.Name
	}

	path, err := exec.LookPath(rt.Path)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("not found at %q: %v", rt.Path, err),
		}
	}

	if rt.Name != "jvm" {
		return Check{Name: name, Passed: true, Message: "found at " + path}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// java -version writes to stderr
	out, err := exec.CommandContext(ctx, path, "-version").CombinedOutput()
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("%s -version failed: %v", path, err),
		}
	}
	version, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return Check{
		Name:    name,
		Passed:  true,
		Message: fmt.Sprintf("found at %s (%s)", path, strings.TrimSpace(version)),
	}
}

// checkWorkDir verifies job and result files can be written.
func checkWorkDir(dir string) Check {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Check{Name: "work_dir", Passed: false, Message: fmt.Sprintf("cannot create %s: %v", dir, err)}
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return Check{Name: "work_dir", Passed: false, Message: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	f.Close()
	os.Remove(f.Name())

	return Check{Name: "work_dir", Passed: true, Message: dir + " is writable"}
}

// checkSampler verifies the memory sampler can measure this process.
func checkSampler(strategy string) Check {
	s, err := memory.New(strategy)
	if err != nil {
		return Check{Name: "memory_sampler", Passed: false, Message: err.Error()}
	}
	if b := s.Sample(os.Getpid()); b == memory.Unknown {
		return Check{
			Name:    "memory_sampler",
			Passed:  false,
			Message: fmt.Sprintf("%s sampler could not measure pid %d", s.Name(), os.Getpid()),
		}
	}
	return Check{Name: "memory_sampler", Passed: true, Message: s.Name()}
}

// checkHostMemory warns when the heap ceiling exceeds physical memory.
func checkHostMemory(procRoot string, maxMB int) Check {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return Check{Name: "host_memory", Passed: true, Warning: true, Message: "unable to read meminfo"}
	}
	mi, err := fs.Meminfo()
	if err != nil || mi.MemTotal == nil {
		return Check{Name: "host_memory", Passed: true, Warning: true, Message: "unable to read meminfo"}
	}

	totalMB := int(*mi.MemTotal / 1024)
	return Check{
		Name:     "host_memory",
		Required: maxMB,
		Actual:   totalMB,
		Passed:   true,
		Warning:  totalMB < maxMB,
		Message:  fmt.Sprintf("%d MB total (heap ceiling %d MB)", totalMB, maxMB),
	}
}

// checkLibrary warns when a library directory is missing.
func checkLibrary(lib process.Library) Check {
	name := "library_" + lib.Name
	if lib.Dir == "" {
		return Check{Name: name, Passed: true, Message: "entry point " + lib.EntryPoint}
	}
	info, err := os.Stat(lib.Dir)
	if err != nil || !info.IsDir() {
		return Check{Name: name, Passed: true, Warning: true, Message: fmt.Sprintf("directory %s not found", lib.Dir)}
	}
	return Check{Name: name, Passed: true, Message: lib.Dir}
}

// PrintResults prints the preflight check results.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch {
	case name == "file_descriptors":
		return "ulimit -n 4096 (or edit /etc/security/limits.conf)"
	case name == "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case name == "runtime_jvm":
		return "install a JDK or set --java"
	case strings.HasPrefix(name, "runtime"):
		return "check the runtime path"
	case name == "work_dir":
		return "set --work-dir to a writable directory"
	case name == "memory_sampler":
		return "use --sampler=ps on systems without /proc"
	default:
		return "see documentation"
	}
}
