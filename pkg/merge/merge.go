// Package merge combines the per-logger CSV drops of a sensor family into one
// file per family. The first run merges everything found; later runs append
// only files not yet listed in the group's ledger.
package merge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"slopewatch/pkg/config"
	"slopewatch/pkg/metrics"
)

// statusDone marks a completed initial merge in the status file.
const statusDone = "DONE"

// Merger runs the merge groups of one MergeConfig.
type Merger struct {
	cfg config.MergeConfig
}

// NewMerger creates a merger.
func NewMerger(cfg config.MergeConfig) *Merger {
	return &Merger{cfg: cfg}
}

// Run performs the initial merge if it has not completed yet, then appends new
// files every Interval until ctx is cancelled. The first append pass runs one
// Interval after the initial one.
func (m *Merger) Run(ctx context.Context) error {
	first := true
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if first {
			first = false
			if err := m.RunOnce(ctx); err != nil {
				klog.ErrorS(err, "Merge pass failed")
			}
			return
		}
		if err := m.AppendAll(ctx); err != nil {
			klog.ErrorS(err, "Append pass failed")
		}
	}, m.cfg.Interval.Duration)
	return ctx.Err()
}

// RunOnce performs the initial merge of every group, or a single append pass
// when the status file already records a completed merge.
func (m *Merger) RunOnce(ctx context.Context) error {
	done, err := m.initialMergeDone()
	if err != nil {
		return err
	}
	if done {
		klog.InfoS("Initial merge already completed, switching to append mode")
		return m.AppendAll(ctx)
	}

	var errs []error
	for _, g := range m.cfg.Groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		klog.InfoS("Performing initial merge", "group", g.Name)
		if _, err := m.InitialMerge(g); err != nil {
			errs = append(errs, fmt.Errorf("group %s: %w", g.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return m.markDone()
}

// AppendAll appends new files for every group.
func (m *Merger) AppendAll(ctx context.Context) error {
	var errs []error
	for _, g := range m.cfg.Groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		klog.V(2).InfoS("Checking for new files", "group", g.Name, "dir", g.InputDir)
		if _, err := m.AppendNew(g); err != nil {
			errs = append(errs, fmt.Errorf("group %s: %w", g.Name, err))
		}
	}
	return errors.Join(errs...)
}

// InitialMerge merges every matching file of g into g.Output and rewrites the
// ledger. It returns the number of files merged.
func (m *Merger) InitialMerge(g config.MergeGroup) (int, error) {
	metrics.RecordMergePass(g.Name, "initial")
	files, err := matchingFiles(g, nil)
	if err != nil {
		return 0, err
	}

	merged, names, err := m.load(g, files)
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		klog.InfoS("No data found for merging", "group", g.Name)
		return 0, nil
	}

	if err := m.writeOutput(g, merged); err != nil {
		return 0, err
	}
	if err := writeLedger(g.Ledger, names, false); err != nil {
		return 0, err
	}

	metrics.RecordMergedFiles(g.Name, len(names))
	klog.InfoS("Created merged file", "group", g.Name, "output", g.Output, "files", len(names), "rows", len(merged.rows))
	return len(names), nil
}

// AppendNew merges files of g that are not in the ledger into the existing
// output. It returns the number of new files.
func (m *Merger) AppendNew(g config.MergeGroup) (int, error) {
	metrics.RecordMergePass(g.Name, "append")
	seen, err := readLedger(g.Ledger)
	if err != nil {
		return 0, err
	}
	files, err := matchingFiles(g, seen)
	if err != nil {
		return 0, err
	}

	fresh, names, err := m.load(g, files)
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		return 0, nil
	}

	combined := newTable()
	existing, err := readTable(g.Output)
	switch {
	case err == nil:
		combined = existing
	case errors.Is(err, os.ErrNotExist):
	default:
		return 0, fmt.Errorf("read %s: %w", g.Output, err)
	}
	combined.append(fresh)
	combined.zeroAsMissing()

	if err := m.writeOutput(g, combined); err != nil {
		return 0, err
	}
	if err := writeLedger(g.Ledger, names, true); err != nil {
		return 0, err
	}

	metrics.RecordMergedFiles(g.Name, len(names))
	klog.InfoS("Updated merged file", "group", g.Name, "output", g.Output, "newFiles", len(names))
	return len(names), nil
}

// load reads files and returns the concatenated table and the names of files
// that contributed data.
func (m *Merger) load(g config.MergeGroup, files []string) (*table, []string, error) {
	out := newTable()
	var names []string
	for _, name := range files {
		t, err := readTable(filepath.Join(g.InputDir, name))
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", name, err)
		}
		t.zeroAsMissing()
		if len(t.rows) == 0 {
			klog.V(2).InfoS("Skipping file without data", "group", g.Name, "file", name)
			continue
		}
		out.append(t)
		names = append(names, name)
		klog.V(2).InfoS("Merged file", "group", g.Name, "file", name, "rows", len(t.rows))
	}
	return out, names, nil
}

func (m *Merger) writeOutput(g config.MergeGroup, t *table) error {
	if !t.groupSum(m.cfg.TimeColumn) {
		klog.InfoS("Time column not found, rows are not grouped", "group", g.Name, "column", m.cfg.TimeColumn)
	}
	if dir := filepath.Dir(g.Output); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	return writeAtomic(g.Output, t.write)
}

func (m *Merger) initialMergeDone() (bool, error) {
	data, err := os.ReadFile(m.cfg.StatusFile)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read merge status: %w", err)
	}
	return strings.TrimSpace(string(data)) == statusDone, nil
}

func (m *Merger) markDone() error {
	if err := os.WriteFile(m.cfg.StatusFile, []byte(statusDone), 0o644); err != nil {
		return fmt.Errorf("write merge status: %w", err)
	}
	return nil
}

// matchingFiles lists .csv files in g.InputDir whose name contains one of the
// group patterns, excluding names in skip. The result is sorted.
func matchingFiles(g config.MergeGroup, skip map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(g.InputDir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", g.InputDir, err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".csv") || skip[name] {
			continue
		}
		for _, p := range g.Patterns {
			if strings.Contains(name, p) {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func readLedger(path string) (map[string]bool, error) {
	seen := make(map[string]bool)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return seen, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			seen[line] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return seen, nil
}

func writeLedger(path string, names []string, appendMode bool) error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if _, err := f.WriteString(strings.Join(names, "\n") + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	return f.Close()
}

func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
