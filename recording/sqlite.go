package recording

import (
	"database/sql"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/structs"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
	"go.viam.com/rdk/logging"

	// SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// rollupRow and sampleRow are the long-form table schemas, one row per
// measurement type. Fields must stay flat scalars; they map one to one onto
// table columns.
type rollupRow struct {
	Run       string
	Iteration int
	Color     string
	Meas      string
	Value     float64
	Samples   int
}

type sampleRow struct {
	Run       string
	Iteration int
	Color     string
	TRelS     float64
	Meas      string
	Value     float64
}

type metaRow struct {
	Run        string
	StartedAt  string
	SerialPath string
	ScopeAddr  string
	Iterations int
}

type sqliteTable struct {
	structType reflect.Type
	entries    []any
}

// SQLiteStore buffers rows in memory and lands them in batched
// transactions.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger logging.Logger

	batchSize  int
	entryCount int
	tables     map[string]*sqliteTable
}

func NewSQLiteStore(path string, logger logging.Logger) (*SQLiteStore, error) {
	if path == "" {
		path = "optical_bench_" + xid.New().String() + ".sqlite3"
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("file %s already exists", path)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	s := &SQLiteStore{
		db:        db,
		path:      path,
		logger:    logger,
		batchSize: 1024,
		tables:    map[string]*sqliteTable{},
	}
	if err := s.createTable("runs", metaRow{}); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.createTable("rollups", rollupRow{}); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.createTable("samples", sampleRow{}); err != nil {
		db.Close()
		return nil, err
	}

	// Catch rows still buffered when the process exits through atexit.
	atexit.Register(func() { s.Flush() })

	logger.Infof("recording to sqlite database %s", path)
	return s, nil
}

func isAllowedKind(kind reflect.Kind) bool {
	switch kind {
	case
		reflect.Bool,
		reflect.Int,
		reflect.Int8,
		reflect.Int16,
		reflect.Int32,
		reflect.Int64,
		reflect.Uint,
		reflect.Uint8,
		reflect.Uint16,
		reflect.Uint32,
		reflect.Uint64,
		reflect.Float32,
		reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}

func (s *SQLiteStore) createTable(name string, sample any) error {
	types := reflect.TypeOf(sample)
	for i := 0; i < types.NumField(); i++ {
		field := types.Field(i)
		if !isAllowedKind(field.Type.Kind()) {
			return fmt.Errorf("table %s: field %s is not a flat scalar", name, field.Name)
		}
	}

	fields := strings.Join(structs.Names(sample), ", \n\t")
	createSQL := `CREATE TABLE ` + name + ` (` + "\n\t" + fields + "\n" + `);`
	if _, err := s.db.Exec(createSQL); err != nil {
		return fmt.Errorf("creating table %s: %w", name, err)
	}

	s.tables[name] = &sqliteTable{
		structType: types,
		entries:    []any{},
	}
	return nil
}

func (s *SQLiteStore) insert(tableName string, entry any) error {
	table, ok := s.tables[tableName]
	if !ok {
		return fmt.Errorf("table %s does not exist", tableName)
	}

	table.entries = append(table.entries, entry)
	s.entryCount++
	if s.entryCount >= s.batchSize {
		return s.Flush()
	}
	return nil
}

func (s *SQLiteStore) AddMeta(m RunMeta) error {
	return s.insert("runs", metaRow{
		Run:        m.Run,
		StartedAt:  m.StartedAt,
		SerialPath: m.SerialPath,
		ScopeAddr:  m.ScopeAddr,
		Iterations: m.Iterations,
	})
}

func (s *SQLiteStore) AddRollup(r Rollup) error {
	for _, v := range r.Values {
		err := s.insert("rollups", rollupRow{
			Run:       r.Run,
			Iteration: r.Iteration,
			Color:     r.Color,
			Meas:      v.Meas,
			Value:     v.Value,
			Samples:   r.Samples,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) AddSample(in Instant) error {
	for _, v := range in.Values {
		err := s.insert("samples", sampleRow{
			Run:       in.Run,
			Iteration: in.Iteration,
			Color:     in.Color,
			TRelS:     in.TRelS,
			Meas:      v.Meas,
			Value:     v.Value,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Flush() error {
	if s.entryCount == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	for name, table := range s.tables {
		if len(table.entries) == 0 {
			continue
		}

		placeholders := structs.Names(table.entries[0])
		for i := range placeholders {
			placeholders[i] = "?"
		}
		stmt, err := tx.Prepare("INSERT INTO " + name + " VALUES (" + strings.Join(placeholders, ", ") + ")")
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("preparing insert for %s: %w", name, err)
		}

		for _, entry := range table.entries {
			v := reflect.ValueOf(entry)
			args := make([]any, 0, v.NumField())
			for i := 0; i < v.NumField(); i++ {
				args = append(args, v.Field(i).Interface())
			}
			if _, err := stmt.Exec(args...); err != nil {
				stmt.Close()
				tx.Rollback()
				return fmt.Errorf("inserting into %s: %w", name, err)
			}
		}

		stmt.Close()
		table.entries = nil
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	s.entryCount = 0
	return nil
}

func (s *SQLiteStore) Close() error {
	flushErr := s.Flush()
	if err := s.db.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	return flushErr
}
