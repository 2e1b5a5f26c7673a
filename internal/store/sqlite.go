package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"drawsnerd/internal/traverse"
)

// ErrRunNotFound is returned by LoadRun for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	stopped INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS paths (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	sport TEXT NOT NULL,
	competition TEXT NOT NULL,
	section TEXT NOT NULL,
	subsection TEXT NOT NULL DEFAULT '',
	error_stage TEXT,
	error_label TEXT,
	error_kind TEXT,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_paths_run ON paths(run_id, position);
CREATE TABLE IF NOT EXISTS phases (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path_id INTEGER NOT NULL REFERENCES paths(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	label TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_phases_path ON phases(path_id, position);
CREATE TABLE IF NOT EXISTS phase_rows (
	phase_id INTEGER NOT NULL REFERENCES phases(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	cells TEXT NOT NULL,
	PRIMARY KEY (phase_id, position)
);
`

// RunSummary is one line of the run index.
type RunSummary struct {
	ID         string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Paths      int       `json:"paths"`
	Failed     int       `json:"failed"`
	Stopped    bool      `json:"stopped"`
}

// SQLite stores runs in a modernc.org/sqlite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps :memory: databases and pragmas consistent.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=10000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// Save writes the run in one transaction. Saving a run id again replaces it.
func (s *SQLite) Save(ctx context.Context, run *traverse.RunResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID); err != nil {
		return fmt.Errorf("clear run: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, stopped) VALUES (?, ?, ?, ?)`,
		run.ID, run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(), run.Stopped); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, p := range run.Paths {
		var stage, label, kind, message sql.NullString
		if p.Error != nil {
			stage = sql.NullString{String: string(p.Error.Stage), Valid: true}
			label = sql.NullString{String: p.Error.Label, Valid: true}
			kind = sql.NullString{String: p.Error.Kind, Valid: true}
			message = sql.NullString{String: p.Error.Message, Valid: true}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO paths (run_id, position, sport, competition, section, subsection,
				error_stage, error_label, error_kind, error_message)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, i, p.Path.Sport, p.Path.Competition, p.Path.Section, p.Path.Subsection,
			stage, label, kind, message)
		if err != nil {
			return fmt.Errorf("insert path %s: %w", p.Path.Key(), err)
		}
		pathID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		for j, phase := range p.Phases {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO phases (path_id, position, label) VALUES (?, ?, ?)`, pathID, j, phase.Label)
			if err != nil {
				return fmt.Errorf("insert phase %q: %w", phase.Label, err)
			}
			phaseID, err := res.LastInsertId()
			if err != nil {
				return err
			}
			for k, row := range phase.Rows {
				cells, err := json.Marshal(row)
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO phase_rows (phase_id, position, cells) VALUES (?, ?, ?)`,
					phaseID, k, string(cells)); err != nil {
					return fmt.Errorf("insert row: %w", err)
				}
			}
		}
	}
	return tx.Commit()
}

// LoadRun rebuilds a stored run with paths, phases and rows in their original order.
func (s *SQLite) LoadRun(ctx context.Context, id string) (*traverse.RunResult, error) {
	var (
		started, finished int64
		stopped           bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at, finished_at, stopped FROM runs WHERE id = ?`, id).
		Scan(&started, &finished, &stopped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	run := &traverse.RunResult{
		ID:         id,
		StartedAt:  time.Unix(0, started),
		FinishedAt: time.Unix(0, finished),
		Stopped:    stopped,
		Paths:      []traverse.PathResult{},
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sport, competition, section, subsection,
			error_stage, error_label, error_kind, error_message
		 FROM paths WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	var pathIDs []int64
	for rows.Next() {
		var pathID int64
		var p traverse.PathResult
		var stage, label, kind, message sql.NullString
		if err := rows.Scan(&pathID, &p.Path.Sport, &p.Path.Competition, &p.Path.Section, &p.Path.Subsection,
			&stage, &label, &kind, &message); err != nil {
			rows.Close()
			return nil, err
		}
		if stage.Valid {
			p.Error = &traverse.ErrorRecord{
				Stage:   traverse.Stage(stage.String),
				Label:   label.String,
				Kind:    kind.String,
				Message: message.String,
			}
		}
		p.Phases = []traverse.PhaseResult{}
		pathIDs = append(pathIDs, pathID)
		run.Paths = append(run.Paths, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// The single connection must be free before the phase queries run.
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for i, pathID := range pathIDs {
		phases, err := s.loadPhases(ctx, pathID)
		if err != nil {
			return nil, err
		}
		run.Paths[i].Phases = phases
	}
	return run, nil
}

func (s *SQLite) loadPhases(ctx context.Context, pathID int64) ([]traverse.PhaseResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ph.id, ph.label, r.cells
		 FROM phases ph LEFT JOIN phase_rows r ON r.phase_id = ph.id
		 WHERE ph.path_id = ?
		 ORDER BY ph.position, r.position`, pathID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	phases := []traverse.PhaseResult{}
	lastID := int64(-1)
	for rows.Next() {
		var (
			phaseID int64
			label   string
			cells   sql.NullString
		)
		if err := rows.Scan(&phaseID, &label, &cells); err != nil {
			return nil, err
		}
		if phaseID != lastID {
			phases = append(phases, traverse.PhaseResult{Label: label, Rows: [][]string{}})
			lastID = phaseID
		}
		if !cells.Valid {
			continue
		}
		var row []string
		if err := json.Unmarshal([]byte(cells.String), &row); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		cur := &phases[len(phases)-1]
		cur.Rows = append(cur.Rows, row)
	}
	return phases, rows.Err()
}

// Runs lists stored runs, newest first.
func (s *SQLite) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.started_at, r.finished_at, r.stopped,
			COUNT(p.id), COUNT(p.error_kind)
		 FROM runs r LEFT JOIN paths p ON p.run_id = r.id
		 GROUP BY r.id
		 ORDER BY r.started_at DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			sum               RunSummary
			started, finished int64
		)
		if err := rows.Scan(&sum.ID, &started, &finished, &sum.Stopped, &sum.Paths, &sum.Failed); err != nil {
			return nil, err
		}
		sum.StartedAt = time.Unix(0, started)
		sum.FinishedAt = time.Unix(0, finished)
		out = append(out, sum)
	}
	return out, rows.Err()
}
