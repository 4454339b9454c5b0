// Package sink writes recordings to disk.
package sink

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/biorec/internal/codec"
	"github.com/srg/biorec/internal/record"
)

// ErrUnsupportedFormat is returned for formats without a writer.
var ErrUnsupportedFormat = errors.New("unsupported recording format")

// CSVSink streams frames into a temporary file and renames it on Finalize,
// so an aborted or crashed recording never leaves a file under its final
// name. Columns: sample index, time offset in seconds, packet counter,
// arrival time, then one column per channel in physical units.
type CSVSink struct {
	dir  string
	rate float64

	f      *os.File
	buf    *bufio.Writer
	w      *csv.Writer
	layout []codec.Channel
	n      int64
	row    []string
	done   bool
}

// NewCSVSink creates the temporary file in dir. rate is the nominal sample
// rate used for the time offset column.
func NewCSVSink(dir string, rate float64) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".biorec-*.part")
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}
	buf := bufio.NewWriter(f)
	return &CSVSink{dir: dir, rate: rate, f: f, buf: buf, w: csv.NewWriter(buf)}, nil
}

func (s *CSVSink) header(layout []codec.Channel) error {
	s.layout = append([]codec.Channel(nil), layout...)
	h := []string{"sample", "t_s", "counter", "received_at"}
	for _, c := range layout {
		h = append(h, fmt.Sprintf("%s_%s", c, c.Unit()))
	}
	s.row = make([]string, len(h))
	return s.w.Write(h)
}

// Push appends the samples of f. The channel layout of the first frame
// fixes the columns.
func (s *CSVSink) Push(f codec.Frame, ts time.Time) error {
	if s.done {
		return errors.New("sink closed")
	}
	if s.layout == nil {
		if err := s.header(f.Layout); err != nil {
			return err
		}
	} else if !sameLayout(s.layout, f.Layout) {
		return fmt.Errorf("channel layout changed mid-recording: %v != %v", f.Layout, s.layout)
	}
	if f.Values == nil {
		return fmt.Errorf("frame %d carries no physical values", f.Counter)
	}

	samples := 0
	if len(f.Values) > 0 {
		samples = len(f.Values[0])
	}
	received := ts.UTC().Format(time.RFC3339Nano)
	counter := strconv.FormatUint(uint64(f.Counter), 10)
	for i := 0; i < samples; i++ {
		s.row[0] = strconv.FormatInt(s.n, 10)
		s.row[1] = ""
		if s.rate > 0 {
			s.row[1] = strconv.FormatFloat(float64(s.n)/s.rate, 'f', 6, 64)
		}
		s.row[2] = counter
		s.row[3] = received
		for c := range f.Values {
			s.row[4+c] = strconv.FormatFloat(f.Values[c][i], 'g', -1, 64)
		}
		if err := s.w.Write(s.row); err != nil {
			return err
		}
		s.n++
	}
	return nil
}

// Finalize flushes the file and moves it to <dir>/<pathHint>.csv.
func (s *CSVSink) Finalize(format record.Format, sampleRate float64, pathHint string) (string, error) {
	if s.done {
		return "", errors.New("sink closed")
	}
	if format != record.FormatCSV {
		_ = s.Abort()
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if sampleRate > 0 {
		s.rate = sampleRate
	}
	s.done = true

	s.w.Flush()
	err := errors.Join(s.w.Error(), s.buf.Flush(), s.f.Sync(), s.f.Close())
	if err != nil {
		_ = os.Remove(s.f.Name())
		return "", fmt.Errorf("write recording: %w", err)
	}

	path := filepath.Join(s.dir, filepath.Base(pathHint)+".csv")
	if err := os.Rename(s.f.Name(), path); err != nil {
		_ = os.Remove(s.f.Name())
		return "", fmt.Errorf("store recording: %w", err)
	}
	return path, nil
}

// Abort removes the temporary file.
func (s *CSVSink) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	_ = s.f.Close()
	if err := os.Remove(s.f.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Samples returns the number of rows written so far.
func (s *CSVSink) Samples() int64 { return s.n }

func sameLayout(a, b []codec.Channel) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Factory creates CSV sinks under Dir.
type Factory struct {
	Dir    string
	Logger *logrus.Logger
}

// NewSink implements record.SinkFactory. Tasks asking for a format other
// than CSV are rejected before acquisition starts.
func (fac *Factory) NewSink(t record.Task) (record.Sink, error) {
	if t.Format != "" && t.Format != record.FormatCSV {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, t.Format)
	}
	dir := fac.Dir
	if t.ScheduleID != "" {
		dir = filepath.Join(dir, t.ScheduleID)
	}
	s, err := NewCSVSink(dir, t.SampleRate)
	if err != nil {
		return nil, err
	}
	if fac.Logger != nil {
		fac.Logger.WithFields(logrus.Fields{"task_id": t.ID, "file": s.f.Name()}).Debug("Recording file created")
	}
	return s, nil
}
