// Package statsdb persists collector cycle statistics to SQLite.
//
// Each completed collection cycle becomes one row, so long-running
// embedders can inspect pacing behavior after the fact with ordinary
// SQL tooling.
package statsdb

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sablelang/sable/vm"
)

// Recorder appends cycle statistics rows to a SQLite database.
type Recorder struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens a statistics database at path.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS gc_cycles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at TEXT NOT NULL,
		duration_ns INTEGER NOT NULL,
		freed_objects INTEGER NOT NULL,
		freed_bytes INTEGER NOT NULL,
		weak_cleared INTEGER NOT NULL,
		finalizers INTEGER NOT NULL,
		total_bytes INTEGER NOT NULL,
		estimate INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Recorder{db: db}, nil
}

// Close closes the database connection.
func (r *Recorder) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Record appends one cycle's statistics.
func (r *Recorder) Record(s vm.CycleStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO gc_cycles
		(at, duration_ns, freed_objects, freed_bytes, weak_cleared, finalizers, total_bytes, estimate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Timestamp.UTC().Format(time.RFC3339Nano),
		s.Duration.Nanoseconds(),
		s.FreedObjects,
		s.FreedBytes,
		s.WeakCleared,
		s.Finalizers,
		s.TotalBytes,
		s.Estimate)
	if err != nil {
		return fmt.Errorf("recording cycle: %w", err)
	}
	return nil
}

// Count returns the number of recorded cycles.
func (r *Recorder) Count() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	if err := r.db.QueryRow("SELECT COUNT(*) FROM gc_cycles").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting cycles: %w", err)
	}
	return n, nil
}

// Summary aggregates all recorded cycles.
type Summary struct {
	Cycles       int64
	FreedObjects int64
	FreedBytes   int64
	WeakCleared  int64
	Finalizers   int64
	MaxHeapBytes int64
	TotalTime    time.Duration
}

// Summarize computes aggregate figures over every recorded cycle.
func (r *Recorder) Summarize() (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Summary
	var totalNS sql.NullInt64
	var maxHeap sql.NullInt64
	err := r.db.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(freed_objects), 0),
		COALESCE(SUM(freed_bytes), 0),
		COALESCE(SUM(weak_cleared), 0),
		COALESCE(SUM(finalizers), 0),
		MAX(total_bytes),
		SUM(duration_ns)
		FROM gc_cycles`).Scan(
		&s.Cycles, &s.FreedObjects, &s.FreedBytes,
		&s.WeakCleared, &s.Finalizers, &maxHeap, &totalNS)
	if err != nil {
		return Summary{}, fmt.Errorf("summarizing cycles: %w", err)
	}
	s.MaxHeapBytes = maxHeap.Int64
	s.TotalTime = time.Duration(totalNS.Int64)
	return s, nil
}
