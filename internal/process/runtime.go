// Package process launches isolated child (slave) processes for benchmark
// trials.
package process

import (
	"fmt"
	"strconv"
	"strings"
)

// Runtime describes how to invoke the program that hosts a library under
// test and how that program spells its heap and classpath flags.
type Runtime struct {
	// Name is a human-readable name for this runtime ("jvm", "self").
	Name string

	// Path is the runtime executable.
	Path string

	// PreArgs are inserted directly after Path.
	PreArgs []string

	// HeapMinFlag and HeapMaxFlag are fmt templates taking a size in MB.
	// An empty template omits the flag.
	HeapMinFlag string
	HeapMaxFlag string

	// ClasspathFlag precedes the classpath value. Empty omits the classpath.
	ClasspathFlag string

	// ClasspathSeparator joins classpath entries (default ":").
	ClasspathSeparator string
}

// JVMRuntime returns a runtime for a Java virtual machine.
func JVMRuntime(javaPath string) Runtime {
	if javaPath == "" {
		javaPath = "java"
	}
	return Runtime{
		Name:               "jvm",
		Path:               javaPath,
		HeapMinFlag:        "-Xms%dm",
		HeapMaxFlag:        "-Xmx%dm",
		ClasspathFlag:      "-cp",
		ClasspathSeparator: ":",
	}
}

// SelfRuntime returns a runtime that re-executes this binary's built-in
// slave command.
func SelfRuntime(exe string) Runtime {
	return Runtime{
		Name:               "self",
		Path:               exe,
		PreArgs:            []string{"slave"},
		HeapMinFlag:        "--heap-min=%dm",
		HeapMaxFlag:        "--heap-max=%dm",
		ClasspathFlag:      "--classpath",
		ClasspathSeparator: ":",
	}
}

// MemoryLimit bounds the child's heap. Zero MaxMB means unbounded.
type MemoryLimit struct {
	MinMB int
	MaxMB int
}

// String returns e.g. "50-2048MB".
func (m MemoryLimit) String() string {
	if m.MaxMB <= 0 {
		return "unbounded"
	}
	return fmt.Sprintf("%d-%dMB", m.MinMB, m.MaxMB)
}

// Library is the master's view of a library under test.
type Library struct {
	// Name identifies the library in results.
	Name string

	// EntryPoint is the class or command the runtime executes.
	EntryPoint string

	// Dir holds the library's archives. Optional.
	Dir string

	// Classpath lists extra entries appended after Dir's archives.
	Classpath []string
}

// BuildArgs constructs the child argument vector (excluding Path):
//
//	[pre-args] [heap-min] [heap-max] [classpath-flag classpath] [entry-point] [job-file] [run-id]
func (r Runtime) BuildArgs(classpath []string, entryPoint string, limit MemoryLimit, jobPath string, runID int64) []string {
	args := make([]string, 0, len(r.PreArgs)+8)
	args = append(args, r.PreArgs...)

	if limit.MaxMB > 0 {
		minMB := limit.MinMB
		if minMB <= 0 || minMB > limit.MaxMB {
			minMB = limit.MaxMB
		}
		if r.HeapMinFlag != "" {
			args = append(args, fmt.Sprintf(r.HeapMinFlag, minMB))
		}
		if r.HeapMaxFlag != "" {
			args = append(args, fmt.Sprintf(r.HeapMaxFlag, limit.MaxMB))
		}
	}

	if r.ClasspathFlag != "" && len(classpath) > 0 {
		sep := r.ClasspathSeparator
		if sep == "" {
			sep = ":"
		}
		args = append(args, r.ClasspathFlag, strings.Join(classpath, sep))
	}

	args = append(args, entryPoint, jobPath, strconv.FormatInt(runID, 10))
	return args
}
