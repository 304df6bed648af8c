// Package history persists finished runs to a sqlite database so past
// results can be listed and inspected after the process exits.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mindwolf80/nice/internal/device"
	"github.com/mindwolf80/nice/internal/engine"
)

// Store wraps the run-history database.
type Store struct{ db *sql.DB }

// Open opens (or creates) the database at path and ensures the schema
// exists. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs(
			id TEXT PRIMARY KEY,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			mode TEXT NOT NULL,
			devices INTEGER NOT NULL,
			succeeded INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			cancelled INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS results(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id),
			position INTEGER NOT NULL,
			device_ip TEXT NOT NULL,
			device_dns TEXT,
			command TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			failure TEXT,
			error_text TEXT,
			output TEXT,
			attempts INTEGER NOT NULL,
			completed_at TIMESTAMP,
			duration_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id, position)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensuring history schema: %w", err)
		}
	}
	return nil
}

// BeginRun records a run the moment it starts so a crash still leaves a
// trace of what was attempted.
func (s *Store) BeginRun(runID string, started time.Time, mode device.Mode, devices int) error {
	_, err := s.db.Exec(`INSERT INTO runs(id, started_at, mode, devices) VALUES (?,?,?,?)`,
		runID, started, string(mode), devices)
	return err
}

// FinishRun stamps the run's end time and outcome counts.
func (s *Store) FinishRun(report *engine.Report) error {
	succeeded, failed, skipped, cancelled := report.Counts()
	_, err := s.db.Exec(`UPDATE runs SET finished_at=?, succeeded=?, failed=?, skipped=?, cancelled=? WHERE id=?`,
		report.Finished, succeeded, failed, skipped, cancelled, report.RunID)
	return err
}

// InsertOutcome persists every result of one device within a run.
// Position is the device's index in the run's input order.
func (s *Store) InsertOutcome(runID string, position int, outcome engine.DeviceOutcome) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, res := range outcome.Results {
		_, err := tx.Exec(`INSERT INTO results(run_id, position, device_ip, device_dns, command, mode, status, failure, error_text, output, attempts, completed_at, duration_ms)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			runID, position, outcome.Device.IP, outcome.Device.DNS,
			res.Command, string(res.Mode), string(res.Status), string(res.Failure),
			res.Err, res.Output, res.Attempts, res.Timestamp, res.Duration.Milliseconds())
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// SaveReport persists a whole run in one call. It is the synchronous
// alternative to streaming outcomes through a Writer.
func (s *Store) SaveReport(report *engine.Report, mode device.Mode) error {
	if err := s.BeginRun(report.RunID, report.Started, mode, len(report.Outcomes)); err != nil {
		return err
	}
	for i, outcome := range report.Outcomes {
		if err := s.InsertOutcome(report.RunID, i, outcome); err != nil {
			return err
		}
	}
	return s.FinishRun(report)
}

// Run is one row of the runs table.
type Run struct {
	ID        string
	Started   time.Time
	Finished  time.Time
	Mode      string
	Devices   int
	Succeeded int
	Failed    int
	Skipped   int
	Cancelled int
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT id, started_at, finished_at, mode, devices, succeeded, failed, skipped, cancelled
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Run
	for rows.Next() {
		var (
			r        Run
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Started, &finished, &r.Mode, &r.Devices, &r.Succeeded, &r.Failed, &r.Skipped, &r.Cancelled); err != nil {
			return nil, err
		}
		// A COALESCE in SQL would lose the column's TIMESTAMP decltype,
		// so the driver would hand back a string; fall back in Go instead.
		if finished.Valid {
			r.Finished = finished.Time
		} else {
			r.Finished = r.Started
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

// Record is one result row of a stored run.
type Record struct {
	Position  int
	DeviceIP  string
	DNS       string
	Command   string
	Mode      string
	Status    string
	Failure   string
	Err       string
	Output    string
	Attempts  int
	Timestamp time.Time
	Duration  time.Duration
}

// Results returns all result rows for a run in input order.
func (s *Store) Results(runID string) ([]Record, error) {
	rows, err := s.db.Query(`SELECT position, device_ip, COALESCE(device_dns,''), command, mode, status, COALESCE(failure,''), COALESCE(error_text,''), COALESCE(output,''), attempts, completed_at, duration_ms
		FROM results WHERE run_id=? ORDER BY position, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Record
	for rows.Next() {
		var (
			r  Record
			ms int64
		)
		if err := rows.Scan(&r.Position, &r.DeviceIP, &r.DNS, &r.Command, &r.Mode, &r.Status, &r.Failure, &r.Err, &r.Output, &r.Attempts, &r.Timestamp, &ms); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		list = append(list, r)
	}
	return list, rows.Err()
}

// Cleanup trims old runs by age and count. Results of deleted runs go too.
func (s *Store) Cleanup(retentionDays, maxRuns int) error {
	if retentionDays > 0 {
		_, err := s.db.Exec(`DELETE FROM runs WHERE started_at < datetime('now', ?)`,
			fmt.Sprintf("-%d days", retentionDays))
		if err != nil {
			return err
		}
	}
	if maxRuns > 0 {
		_, err := s.db.Exec(`DELETE FROM runs WHERE id IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?)`, maxRuns)
		if err != nil {
			return err
		}
	}
	_, err := s.db.Exec(`DELETE FROM results WHERE run_id NOT IN (SELECT id FROM runs)`)
	return err
}
