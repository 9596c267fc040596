package resultlog

import (
	"bufio"
	"database/sql"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/unixpickle/essentials"

	_ "modernc.org/sqlite"
)

// A Store persists batches of records.
//
// Stores are used from one goroutine at a time.
type Store interface {
	Put(records []Record) error
	Close() error
}

// FileStore appends records to a text file, one line per
// record.
type FileStore struct {
	f *os.File
	w *bufio.Writer
}

// OpenFileStore opens (or creates) a result file for
// appending.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, essentials.AddCtx("open result file", err)
	}
	return &FileStore{f: f, w: bufio.NewWriter(f)}, nil
}

// Put writes the records and flushes them to the file.
func (f *FileStore) Put(records []Record) error {
	for _, r := range records {
		if _, err := f.w.WriteString(r.Line() + "\n"); err != nil {
			return essentials.AddCtx("write result file", err)
		}
	}
	if err := f.w.Flush(); err != nil {
		return essentials.AddCtx("write result file", err)
	}
	return nil
}

// Close closes the file.
func (f *FileStore) Close() error {
	return f.f.Close()
}

// SQLiteStore keeps records in a SQLite database, so that
// several runs can be compared.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens a database and creates its table
// if needed.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, essentials.AddCtx("open result database", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS results (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			st_pred INTEGER NOT NULL,
			st_true INTEGER NOT NULL,
			lf_pred INTEGER NOT NULL,
			lf_true INTEGER NOT NULL,
			flag TEXT NOT NULL,
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS results_run ON results (run_id);
	`)
	if err != nil {
		db.Close()
		return nil, essentials.AddCtx("open result database", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Put inserts the records in a single transaction.
func (s *SQLiteStore) Put(records []Record) error {
	if err := s.insert(records); err != nil {
		return essentials.AddCtx("insert results", err)
	}
	return nil
}

func (s *SQLiteStore) insert(records []Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO results
		(run_id, name, st_pred, st_true, lf_pred, lf_true, flag)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range records {
		_, err := stmt.Exec(r.RunID.String(), r.Name, r.StraightPred, r.StraightTrue,
			r.LeftPred, r.LeftTrue, string(r.Flag))
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Records returns the records of a run in insertion
// order.
func (s *SQLiteStore) Records(runID uuid.UUID) ([]Record, error) {
	res, err := s.query(runID)
	if err != nil {
		return nil, essentials.AddCtx("query results", err)
	}
	return res, nil
}

func (s *SQLiteStore) query(runID uuid.UUID) ([]Record, error) {
	var res []Record
	rows, err := s.db.Query(`SELECT name, st_pred, st_true, lf_pred, lf_true, flag
		FROM results WHERE run_id = ? ORDER BY rowid`, runID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		r := Record{RunID: runID}
		var flag string
		err := rows.Scan(&r.Name, &r.StraightPred, &r.StraightTrue, &r.LeftPred,
			&r.LeftTrue, &flag)
		if err != nil {
			return nil, err
		}
		r.Flag = Flag(flag)
		res = append(res, r)
	}
	return res, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// MemoryStore keeps records in memory.
// It is safe for concurrent use.
type MemoryStore struct {
	lock    sync.Mutex
	records []Record
}

// Put appends the records.
func (m *MemoryStore) Put(records []Record) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.records = append(m.records, records...)
	return nil
}

// Records returns a copy of the stored records.
func (m *MemoryStore) Records() []Record {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]Record{}, m.records...)
}

// Close does nothing.
func (m *MemoryStore) Close() error {
	return nil
}
