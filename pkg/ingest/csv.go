// Package ingest turns sensor exports into engine readings, one pull at a time.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"slopewatch/pkg/engine"
)

// DefaultTimeColumn is the timestamp header written by the logger software.
const DefaultTimeColumn = "Date Time (UTC+08:00)"

// DefaultTimeLayouts are tried in order when parsing timestamps.
var DefaultTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	"02-01-2006 15:04:05",
	"02/01/2006 15:04",
	time.RFC3339,
}

// CSVOptions selects the columns of a sensor file.
type CSVOptions struct {
	// TimeColumn is the timestamp header. Empty means DefaultTimeColumn.
	TimeColumn string
	// ValueColumn is the displacement header. Empty means the first column
	// after the timestamp column.
	ValueColumn string
	// TimeLayouts overrides DefaultTimeLayouts.
	TimeLayouts []string
	// Location is used for timestamps without a zone. Nil means UTC+08:00.
	Location *time.Location
	// ZeroAsMissing treats an exact zero as a missing reading.
	ZeroAsMissing bool
}

// CSVSource reads one displacement column of a CSV file.
type CSVSource struct {
	reader   *csv.Reader
	closer   io.Closer
	opts     CSVOptions
	timeIdx  int
	valueIdx int
	row      int
	done     bool
}

// OpenCSV opens a sensor file. The caller must Close it.
func OpenCSV(path string, opts CSVOptions) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sensor file: %w", err)
	}
	src, err := NewCSVSource(f, opts)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	src.closer = f
	return src, nil
}

// NewCSVSource reads the header from r and resolves the configured columns.
func NewCSVSource(r io.Reader, opts CSVOptions) (*CSVSource, error) {
	if opts.TimeColumn == "" {
		opts.TimeColumn = DefaultTimeColumn
	}
	if len(opts.TimeLayouts) == 0 {
		opts.TimeLayouts = DefaultTimeLayouts
	}
	if opts.Location == nil {
		opts.Location = time.FixedZone("UTC+08:00", 8*60*60)
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty sensor file")
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	headerMap := make(map[string]int, len(header))
	for i, h := range header {
		headerMap[normalizeHeader(h)] = i
	}

	timeIdx, ok := headerMap[normalizeHeader(opts.TimeColumn)]
	if !ok {
		return nil, fmt.Errorf("missing time column %q", opts.TimeColumn)
	}

	valueIdx := timeIdx + 1
	if opts.ValueColumn != "" {
		idx, ok := headerMap[normalizeHeader(opts.ValueColumn)]
		if !ok {
			return nil, fmt.Errorf("missing value column %q", opts.ValueColumn)
		}
		valueIdx = idx
	} else if valueIdx >= len(header) {
		return nil, fmt.Errorf("no value column after %q", opts.TimeColumn)
	}

	return &CSVSource{
		reader:   reader,
		opts:     opts,
		timeIdx:  timeIdx,
		valueIdx: valueIdx,
	}, nil
}

// Next returns the next row as a reading, an invalid result for rows that do
// not parse, or end of stream. A non-nil error means the file itself can no
// longer be read.
func (s *CSVSource) Next() (engine.Result, error) {
	if s.done {
		return engine.EndOfStream(), nil
	}

	record, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		s.done = true
		return engine.EndOfStream(), nil
	}
	row := s.row
	s.row++

	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return engine.InvalidResult(row, time.Time{}, parseErr.Error()), nil
		}
		return engine.Result{}, fmt.Errorf("read row %d: %w", row, err)
	}

	if s.timeIdx >= len(record) || s.valueIdx >= len(record) {
		return engine.InvalidResult(row, time.Time{}, "row has too few fields"), nil
	}

	ts, err := s.parseTime(record[s.timeIdx])
	if err != nil {
		return engine.InvalidResult(row, time.Time{}, err.Error()), nil
	}

	raw := strings.TrimSpace(record[s.valueIdx])
	if raw == "" || strings.EqualFold(raw, "nan") || strings.EqualFold(raw, "na") {
		return engine.InvalidResult(row, ts, "displacement is missing"), nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return engine.InvalidResult(row, ts, fmt.Sprintf("invalid displacement %q", raw)), nil
	}
	if s.opts.ZeroAsMissing && v == 0 {
		return engine.InvalidResult(row, ts, "displacement is zero"), nil
	}

	return engine.ReadingResult(engine.Reading{Row: row, Timestamp: ts, Displacement: v}), nil
}

// Close closes the underlying file, if any.
func (s *CSVSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (s *CSVSource) parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("timestamp is missing")
	}
	for _, layout := range s.opts.TimeLayouts {
		if ts, err := time.ParseInLocation(layout, raw, s.opts.Location); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// CountRows returns the number of data rows in a CSV file, excluding the
// header. It sizes the engine's state store.
func CountRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open sensor file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	n := 0
	for {
		_, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return 0, fmt.Errorf("count rows: %w", err)
			}
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n - 1, nil
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
}
