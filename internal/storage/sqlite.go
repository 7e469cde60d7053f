package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/forgeworks/forge/internal/engine"
	"github.com/forgeworks/forge/internal/models"
)

// SQLite is the durable Store implementation.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		chain_name TEXT NOT NULL,
		initial_input TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		current_step TEXT,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		sequence INTEGER NOT NULL,
		input TEXT,
		output TEXT,
		error TEXT,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		UNIQUE(run_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS events (
		run_id TEXT NOT NULL REFERENCES runs(id),
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		step TEXT,
		payload TEXT,
		timestamp TIMESTAMP NOT NULL,
		PRIMARY KEY(run_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) SaveRun(run *models.Run) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO runs (id, user_id, chain_name, initial_input, status, current_step, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_step = excluded.current_step,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		run.ID, run.UserID, run.ChainName, run.InitialInput, run.Status,
		run.CurrentStep, run.Error, run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return err
	}

	for _, step := range run.Steps {
		_, err = tx.Exec(
			`INSERT INTO steps (id, run_id, kind, name, description, status, sequence, input, output, error, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				input = excluded.input,
				output = excluded.output,
				error = excluded.error,
				started_at = excluded.started_at,
				completed_at = excluded.completed_at`,
			step.ID, step.RunID, step.Kind, step.Name, step.Description, step.Status,
			step.Sequence, step.Input, step.Output, step.Error, step.StartedAt, step.CompletedAt,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLite) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, chain_name, initial_input, status, current_step, error, started_at, completed_at
		 FROM runs WHERE id = ?`, id,
	)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadSteps(run); err != nil {
		return nil, err
	}

	return run, nil
}

func (s *SQLite) ListRuns(limit int) ([]*models.Run, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, chain_name, initial_input, status, current_step, error, started_at, completed_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, run := range runs {
		if err := s.loadSteps(run); err != nil {
			return nil, err
		}
	}

	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var currentStep, runErr sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&run.ID, &run.UserID, &run.ChainName, &run.InitialInput, &run.Status,
		&currentStep, &runErr, &run.StartedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if currentStep.Valid {
		run.CurrentStep = currentStep.String
	}
	if runErr.Valid {
		run.Error = runErr.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	return &run, nil
}

func (s *SQLite) loadSteps(run *models.Run) error {
	rows, err := s.db.Query(
		`SELECT id, run_id, kind, name, description, status, sequence, input, output, error, started_at, completed_at
		 FROM steps WHERE run_id = ? ORDER BY sequence`, run.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var step models.Step
		var description, input, output, stepErr sql.NullString
		var startedAt, completedAt sql.NullTime

		err := rows.Scan(
			&step.ID, &step.RunID, &step.Kind, &step.Name, &description, &step.Status,
			&step.Sequence, &input, &output, &stepErr, &startedAt, &completedAt,
		)
		if err != nil {
			return err
		}

		if description.Valid {
			step.Description = description.String
		}
		if input.Valid {
			step.Input = input.String
		}
		if output.Valid {
			step.Output = output.String
		}
		if stepErr.Valid {
			step.Error = stepErr.String
		}
		if startedAt.Valid {
			step.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			step.CompletedAt = &completedAt.Time
		}

		run.Steps = append(run.Steps, &step)
	}

	return rows.Err()
}

func (s *SQLite) AppendEvent(e models.Event) error {
	_, err := s.db.Exec(
		`INSERT INTO events (run_id, seq, kind, step, payload, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Seq, e.Kind, e.Step, e.Payload, e.Timestamp,
	)
	return err
}

func (s *SQLite) EventsForRun(runID string) ([]models.Event, error) {
	rows, err := s.db.Query(
		`SELECT run_id, seq, kind, step, payload, timestamp FROM events WHERE run_id = ? ORDER BY seq`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		var step, payload sql.NullString
		var ts time.Time

		if err := rows.Scan(&e.RunID, &e.Seq, &e.Kind, &step, &payload, &ts); err != nil {
			return nil, err
		}
		if step.Valid {
			e.Step = step.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		e.Timestamp = ts

		events = append(events, e)
	}

	return events, rows.Err()
}

func (s *SQLite) DeleteRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM steps WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}
