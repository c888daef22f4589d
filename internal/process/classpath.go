package process

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// archiveExtensions are the files picked up from a library directory.
var archiveExtensions = []string{".jar", ".zip"}

// excludedArchiveMarkers identify source and documentation archives.
var excludedArchiveMarkers = []string{"-sources", "-javadoc", "-docs", "-doc."}

// BuildClasspath returns base followed by every archive in dir (sorted by
// name, source/doc archives excluded) followed by extra.
// An empty dir contributes nothing.
func BuildClasspath(base []string, dir string, extra []string) ([]string, error) {
	cp := make([]string, 0, len(base)+len(extra))
	cp = append(cp, base...)

	if dir != "" {
		archives, err := libraryArchives(dir)
		if err != nil {
			return nil, err
		}
		cp = append(cp, archives...)
	}

	cp = append(cp, extra...)
	return cp, nil
}

// SplitClasspath splits a classpath string such as $CLASSPATH.
func SplitClasspath(cp string) []string {
	if cp == "" {
		return nil
	}
	parts := strings.Split(cp, string(os.PathListSeparator))
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func libraryArchives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read library dir %s: %w", dir, err)
	}

	var archives []string
	for _, e := range entries {
		if e.IsDir() || !isLibraryArchive(e.Name()) {
			continue
		}
		archives = append(archives, filepath.Join(dir, e.Name()))
	}
	sort.Strings(archives)
	return archives, nil
}

func isLibraryArchive(name string) bool {
	lower := strings.ToLower(name)

	matched := false
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(lower, ext) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, marker := range excludedArchiveMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}
