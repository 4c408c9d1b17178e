package merge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"slopewatch/pkg/config"
)

const timeCol = "Date Time (UTC+08:00)"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func setup(t *testing.T) (config.MergeConfig, string) {
	t.Helper()
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	if err := os.MkdirAll(in, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := config.MergeConfig{
		Groups: []config.MergeGroup{{
			Name:     "crack",
			InputDir: in,
			Output:   filepath.Join(dir, "out", "crack.csv"),
			Patterns: []string{"CM01", "CM02"},
			Ledger:   filepath.Join(dir, "ledger.txt"),
		}},
		StatusFile: filepath.Join(dir, "status.txt"),
		Interval:   metav1.Duration{Duration: time.Hour},
		TimeColumn: timeCol,
	}
	return cfg, in
}

func TestInitialMerge_GroupsAndSums(t *testing.T) {
	cfg, in := setup(t)
	writeFile(t, filepath.Join(in, "CM01_a.csv"), timeCol+",CM01 (mm)\n"+
		"2024-03-01 01:00:00,1.5\n"+
		"2024-03-01 00:00:00,1\n")
	writeFile(t, filepath.Join(in, "CM02_a.csv"), timeCol+",CM02 (mm)\n"+
		"2024-03-01 00:00:00,0\n"+
		"2024-03-01 01:00:00,2\n")
	writeFile(t, filepath.Join(in, "CM01_b.csv"), timeCol+",CM01 (mm)\n"+
		"2024-03-01 01:00:00,0.5\n")
	writeFile(t, filepath.Join(in, "DG1_a.csv"), timeCol+",DG1\n2024-03-01 00:00:00,9\n")
	writeFile(t, filepath.Join(in, "CM01_notes.txt"), "ignored")

	m := NewMerger(cfg)
	n, err := m.InitialMerge(cfg.Groups[0])
	if err != nil {
		t.Fatalf("InitialMerge: %v", err)
	}
	if n != 3 {
		t.Errorf("merged %d files, want 3", n)
	}

	want := timeCol + ",CM01 (mm),CM02 (mm)\n" +
		"2024-03-01 00:00:00,1,\n" +
		"2024-03-01 01:00:00,2,2\n"
	if got := readFile(t, cfg.Groups[0].Output); got != want {
		t.Errorf("output:\n%s\nwant:\n%s", got, want)
	}

	ledger := readFile(t, cfg.Groups[0].Ledger)
	if ledger != "CM01_a.csv\nCM01_b.csv\nCM02_a.csv\n" {
		t.Errorf("ledger = %q", ledger)
	}
}

func TestInitialMerge_DropsFilesWithoutData(t *testing.T) {
	cfg, in := setup(t)
	writeFile(t, filepath.Join(in, "CM01_zero.csv"), timeCol+",CM01 (mm)\n,0\n,0\n")

	n, err := NewMerger(cfg).InitialMerge(cfg.Groups[0])
	if err != nil {
		t.Fatalf("InitialMerge: %v", err)
	}
	if n != 0 {
		t.Errorf("merged %d files, want 0", n)
	}
	if _, err := os.Stat(cfg.Groups[0].Output); !os.IsNotExist(err) {
		t.Errorf("output should not exist, stat err = %v", err)
	}
}

func TestAppendNew_OnlyUnseenFiles(t *testing.T) {
	cfg, in := setup(t)
	writeFile(t, filepath.Join(in, "CM01_a.csv"), timeCol+",CM01 (mm)\n2024-03-01 00:00:00,1\n")

	m := NewMerger(cfg)
	if _, err := m.InitialMerge(cfg.Groups[0]); err != nil {
		t.Fatalf("InitialMerge: %v", err)
	}

	n, err := m.AppendNew(cfg.Groups[0])
	if err != nil {
		t.Fatalf("AppendNew: %v", err)
	}
	if n != 0 {
		t.Errorf("appended %d files with nothing new", n)
	}

	writeFile(t, filepath.Join(in, "CM01_b.csv"), timeCol+",CM01 (mm)\n2024-03-01 00:00:00,2\n2024-03-01 02:00:00,4\n")
	n, err = m.AppendNew(cfg.Groups[0])
	if err != nil {
		t.Fatalf("AppendNew: %v", err)
	}
	if n != 1 {
		t.Errorf("appended %d files, want 1", n)
	}

	want := timeCol + ",CM01 (mm)\n" +
		"2024-03-01 00:00:00,3\n" +
		"2024-03-01 02:00:00,4\n"
	if got := readFile(t, cfg.Groups[0].Output); got != want {
		t.Errorf("output:\n%s\nwant:\n%s", got, want)
	}
	if ledger := readFile(t, cfg.Groups[0].Ledger); ledger != "CM01_a.csv\nCM01_b.csv\n" {
		t.Errorf("ledger = %q", ledger)
	}
}

func TestRunOnce_MarksStatusAndSwitchesToAppend(t *testing.T) {
	cfg, in := setup(t)
	writeFile(t, filepath.Join(in, "CM01_a.csv"), timeCol+",CM01 (mm)\n2024-03-01 00:00:00,1\n")

	m := NewMerger(cfg)
	if err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if status := readFile(t, cfg.StatusFile); status != "DONE" {
		t.Errorf("status = %q", status)
	}

	// A second pass must not rewrite the ledger from scratch.
	writeFile(t, filepath.Join(in, "CM02_a.csv"), timeCol+",CM02 (mm)\n2024-03-01 00:00:00,5\n")
	if err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if ledger := readFile(t, cfg.Groups[0].Ledger); ledger != "CM01_a.csv\nCM02_a.csv\n" {
		t.Errorf("ledger = %q", ledger)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewMerger(cfg).Run(ctx); err != context.Canceled {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

// mergePasses reads slopewatch_merge_passes_total for one group and mode.
func mergePasses(t *testing.T, group, mode string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != "slopewatch_merge_passes_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["group"] == group && labels["mode"] == mode {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestRun_FirstAppendWaitsForInterval(t *testing.T) {
	cfg, in := setup(t)
	cfg.Groups[0].Name = "first-tick"
	writeFile(t, filepath.Join(in, "CM01_a.csv"), timeCol+",CM01 (mm)\n2024-03-01 00:00:00,1\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewMerger(cfg).Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(cfg.StatusFile); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("initial merge did not complete")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run = %v, want context.Canceled", err)
	}

	if got := mergePasses(t, "first-tick", "initial"); got != 1 {
		t.Errorf("initial passes = %v, want 1", got)
	}
	if got := mergePasses(t, "first-tick", "append"); got != 0 {
		t.Errorf("append passes = %v, want 0 before the first interval", got)
	}
}

func TestTable_MissingTimeColumnConcatenates(t *testing.T) {
	a, err := parseTable(strings.NewReader("x,y\n1,2\n"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := parseTable(strings.NewReader("y,z\n3,4\n"))
	if err != nil {
		t.Fatal(err)
	}
	a.append(b)
	if a.groupSum(timeCol) {
		t.Error("groupSum should report a missing key column")
	}

	var sb strings.Builder
	if err := a.write(&sb); err != nil {
		t.Fatal(err)
	}
	if want := "x,y,z\n1,2,\n,3,4\n"; sb.String() != want {
		t.Errorf("got %q, want %q", sb.String(), want)
	}
}
