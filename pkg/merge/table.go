package merge

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// table is a CSV file held as strings. Missing cells are empty.
type table struct {
	columns []string
	index   map[string]int
	rows    [][]string
}

func newTable() *table {
	return &table{index: make(map[string]int)}
}

func readTable(path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseTable(f)
}

func parseTable(r io.Reader) (*table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return newTable(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	t := newTable()
	cols := make([]int, len(header))
	for i, h := range header {
		cols[i] = t.column(strings.TrimPrefix(strings.TrimSpace(h), "\ufeff"))
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := make([]string, len(t.columns))
		for i, v := range record {
			if i < len(cols) {
				row[cols[i]] = strings.TrimSpace(v)
			}
		}
		t.rows = append(t.rows, row)
	}
	return t, nil
}

// column returns the index of name, adding it if needed.
func (t *table) column(name string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	t.index[name] = len(t.columns)
	t.columns = append(t.columns, name)
	for i := range t.rows {
		t.rows[i] = append(t.rows[i], "")
	}
	return len(t.columns) - 1
}

// append adds the rows of o, unioning the columns.
func (t *table) append(o *table) {
	mapping := make([]int, len(o.columns))
	for i, name := range o.columns {
		mapping[i] = t.column(name)
	}
	for _, r := range o.rows {
		row := make([]string, len(t.columns))
		for i, v := range r {
			row[mapping[i]] = v
		}
		t.rows = append(t.rows, row)
	}
}

// zeroAsMissing blanks cells that parse as exactly zero and drops rows with
// no values left.
func (t *table) zeroAsMissing() {
	kept := t.rows[:0]
	for _, row := range t.rows {
		empty := true
		for i, v := range row {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f == 0 {
				row[i] = ""
			}
			if row[i] != "" {
				empty = false
			}
		}
		if !empty {
			kept = append(kept, row)
		}
	}
	t.rows = kept
}

// groupSum collapses rows sharing a key column value, summing every other
// column. Keys are sorted. A column with no numeric value in a group stays
// missing.
func (t *table) groupSum(key string) bool {
	k, ok := t.index[key]
	if !ok {
		return false
	}

	type group struct {
		sums    []float64
		defined []bool
	}
	groups := make(map[string]*group)
	var keys []string

	for _, row := range t.rows {
		g, ok := groups[row[k]]
		if !ok {
			g = &group{sums: make([]float64, len(t.columns)), defined: make([]bool, len(t.columns))}
			groups[row[k]] = g
			keys = append(keys, row[k])
		}
		for i, v := range row {
			if i == k || v == "" {
				continue
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			g.sums[i] += f
			g.defined[i] = true
		}
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		g := groups[key]
		row := make([]string, len(t.columns))
		row[k] = key
		for i := range t.columns {
			if i != k && g.defined[i] {
				row[i] = strconv.FormatFloat(g.sums[i], 'f', -1, 64)
			}
		}
		rows = append(rows, row)
	}
	t.rows = rows
	return true
}

func (t *table) write(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.columns); err != nil {
		return err
	}
	if err := cw.WriteAll(t.rows); err != nil {
		return err
	}
	return cw.Error()
}
