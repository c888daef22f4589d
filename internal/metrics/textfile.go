package metrics

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Families gathers g and keeps the families whose name starts with prefix.
// An empty prefix keeps everything.
func Families(g prometheus.Gatherer, prefix string) ([]*dto.MetricFamily, error) {
	all, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather: %w", err)
	}
	if prefix == "" {
		return all, nil
	}
	kept := all[:0]
	for _, mf := range all {
		if strings.HasPrefix(mf.GetName(), prefix) {
			kept = append(kept, mf)
		}
	}
	return kept, nil
}

// WriteTextfile writes the matbench families of g to path in the text
// exposition format, for node_exporter's textfile collector. The file is
// replaced atomically so a scrape never sees a partial write.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	families, err := Families(g, namespace+"_")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create textfile: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			tmp.Close()
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write textfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close textfile: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod textfile: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename textfile: %w", err)
	}
	return nil
}
