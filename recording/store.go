// Package recording persists bench campaign results. Every run produces a
// pair of CSV files (per-iteration rollups and raw in-pulse samples) and,
// when asked, a SQLite database holding the same data in long form.
package recording

import "time"

// MeasValue is one measurement type's reading, e.g. {VPP, 3.14}. A missed
// pulse is recorded as NaN so the iteration keeps its place in the series.
type MeasValue struct {
	Meas  string
	Value float64
}

// Instant is everything measured at one sampling offset inside a pulse
// window.
type Instant struct {
	Run       string
	Iteration int
	Color     string
	TRelS     float64
	Values    []MeasValue
}

// Rollup is the per-color median over one iteration's sampled instants.
type Rollup struct {
	Run       string
	Iteration int
	Color     string
	Values    []MeasValue
	Samples   int
}

// RunMeta describes one campaign: where it ran and how big it was.
// StartedAt is RFC3339 so every store can treat it as a plain string.
type RunMeta struct {
	Run        string
	StartedAt  string
	SerialPath string
	ScopeAddr  string
	Iterations int
}

type Store interface {
	AddMeta(m RunMeta) error
	AddRollup(r Rollup) error
	AddSample(s Instant) error
	Flush() error
	Close() error
}

// RunStamp names a run after its start time, e.g. 20260821-153042.
func RunStamp(now time.Time) string {
	return now.Format("20060102-150405")
}

type teeStore struct {
	stores []Store
}

// Tee fans writes out to several stores. The first error wins but every
// store still sees the write.
func Tee(stores ...Store) Store {
	return &teeStore{stores: stores}
}

func (t *teeStore) AddMeta(m RunMeta) error {
	var firstErr error
	for _, s := range t.stores {
		if err := s.AddMeta(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *teeStore) AddRollup(r Rollup) error {
	var firstErr error
	for _, s := range t.stores {
		if err := s.AddRollup(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *teeStore) AddSample(s Instant) error {
	var firstErr error
	for _, st := range t.stores {
		if err := st.AddSample(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *teeStore) Flush() error {
	var firstErr error
	for _, s := range t.stores {
		if err := s.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *teeStore) Close() error {
	var firstErr error
	for _, s := range t.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
