package recording

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.viam.com/rdk/logging"
)

// CSVStore writes two files per run: optical_run_<stamp>.csv with one wide
// row per iteration and color, and optical_samples_<stamp>.csv with one wide
// row per sampled instant. Column order follows the configured measurement
// types.
type CSVStore struct {
	dir         string
	stamp       string
	runFile     *os.File
	samplesFile *os.File
	runW        *csv.Writer
	samplesW    *csv.Writer
	measTypes   []string
	logger      logging.Logger
}

func NewCSVStore(dir, stamp string, measTypes []string, logger logging.Logger) (*CSVStore, error) {
	if len(measTypes) == 0 {
		return nil, fmt.Errorf("at least one measurement type is required")
	}

	runPath := filepath.Join(dir, fmt.Sprintf("optical_run_%s.csv", stamp))
	samplesPath := filepath.Join(dir, fmt.Sprintf("optical_samples_%s.csv", stamp))

	runFile, err := os.Create(runPath)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", runPath, err)
	}
	samplesFile, err := os.Create(samplesPath)
	if err != nil {
		runFile.Close()
		return nil, fmt.Errorf("creating %s: %w", samplesPath, err)
	}

	s := &CSVStore{
		dir:         dir,
		stamp:       stamp,
		runFile:     runFile,
		samplesFile: samplesFile,
		runW:        csv.NewWriter(runFile),
		samplesW:    csv.NewWriter(samplesFile),
		measTypes:   measTypes,
		logger:      logger,
	}

	runHeader := append([]string{"iteration", "color"}, measTypes...)
	runHeader = append(runHeader, "samples")
	if err := s.runW.Write(runHeader); err != nil {
		s.Close()
		return nil, fmt.Errorf("writing rollup header: %w", err)
	}
	samplesHeader := append([]string{"iteration", "color", "t_rel_s"}, measTypes...)
	if err := s.samplesW.Write(samplesHeader); err != nil {
		s.Close()
		return nil, fmt.Errorf("writing samples header: %w", err)
	}

	logger.Infof("recording rollups to %s, samples to %s", runPath, samplesPath)
	return s, nil
}

// AddMeta lands the campaign description in its own small key/value file,
// written and closed immediately.
func (s *CSVStore) AddMeta(m RunMeta) error {
	path := filepath.Join(s.dir, fmt.Sprintf("optical_meta_%s.csv", s.stamp))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	rows := [][]string{
		{"key", "value"},
		{"run", m.Run},
		{"started_at", m.StartedAt},
		{"serial_path", m.SerialPath},
		{"scope_addr", m.ScopeAddr},
		{"iterations", strconv.Itoa(m.Iterations)},
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("writing metadata: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flushing metadata: %w", err)
	}
	return f.Close()
}

// valueFor returns the reading for one measurement type, NaN-formatted when
// the instant never measured it.
func valueFor(values []MeasValue, meas string) string {
	for _, v := range values {
		if v.Meas == meas {
			return strconv.FormatFloat(v.Value, 'g', -1, 64)
		}
	}
	return "NaN"
}

func (s *CSVStore) AddRollup(r Rollup) error {
	row := []string{strconv.Itoa(r.Iteration), r.Color}
	for _, meas := range s.measTypes {
		row = append(row, valueFor(r.Values, meas))
	}
	row = append(row, strconv.Itoa(r.Samples))
	if err := s.runW.Write(row); err != nil {
		return fmt.Errorf("writing rollup row: %w", err)
	}
	return nil
}

func (s *CSVStore) AddSample(in Instant) error {
	row := []string{
		strconv.Itoa(in.Iteration),
		in.Color,
		strconv.FormatFloat(in.TRelS, 'g', -1, 64),
	}
	for _, meas := range s.measTypes {
		row = append(row, valueFor(in.Values, meas))
	}
	if err := s.samplesW.Write(row); err != nil {
		return fmt.Errorf("writing sample row: %w", err)
	}
	return nil
}

func (s *CSVStore) Flush() error {
	s.runW.Flush()
	if err := s.runW.Error(); err != nil {
		return fmt.Errorf("flushing rollups: %w", err)
	}
	s.samplesW.Flush()
	if err := s.samplesW.Error(); err != nil {
		return fmt.Errorf("flushing samples: %w", err)
	}
	return nil
}

func (s *CSVStore) Close() error {
	flushErr := s.Flush()
	if err := s.runFile.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	if err := s.samplesFile.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	return flushErr
}
