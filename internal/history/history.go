// Package history persists one row per edit job, giving operators a
// durable trace of what ran, with what, and how it ended.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/clipforge/clipforge-agent/internal/engine"
)

// Job is one persisted job row.
type Job struct {
	ID           string    `json:"id"`
	Script       string    `json:"script"`
	Inputs       []string  `json:"inputs"`
	OutputName   string    `json:"output_name"`
	Status       string    `json:"status"`
	Detail       string    `json:"detail,omitempty"`
	OutputObject string    `json:"output_object,omitempty"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	StdoutTail   string    `json:"stdout_tail,omitempty"`
	StderrTail   string    `json:"stderr_tail,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Repository reads and writes job history. The write half is the
// engine's Recorder.
type Repository interface {
	engine.Recorder
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// JobStarted inserts the running row before execution begins, so a
// crash mid-job stays visible and gets failed at the next open.
func (r *SQLiteRepository) JobStarted(ctx context.Context, rec engine.JobRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, script, inputs, output_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ScriptName, encodeInputs(rec.InputFiles), rec.OutputName,
		rec.Status, rec.CreatedAt.Format(time.RFC3339), rec.CreatedAt.Format(time.RFC3339))
	return err
}

// RecordJob finalizes the row with the terminal outcome. Upserts so a
// terminal record still lands even if the start insert was lost.
func (r *SQLiteRepository) RecordJob(ctx context.Context, rec engine.JobRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, script, inputs, output_name, status, detail, output_object,
			exit_code, stdout_tail, stderr_tail, duration_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			detail = excluded.detail,
			output_object = excluded.output_object,
			exit_code = excluded.exit_code,
			stdout_tail = excluded.stdout_tail,
			stderr_tail = excluded.stderr_tail,
			duration_ms = excluded.duration_ms,
			updated_at = excluded.updated_at
	`, rec.ID, rec.ScriptName, encodeInputs(rec.InputFiles), rec.OutputName,
		rec.Status, nullString(rec.Detail), nullString(rec.OutputObject),
		nullInt(rec.ExitCode), nullString(rec.StdoutTail), nullString(rec.StderrTail),
		rec.Duration.Milliseconds(), rec.CreatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, script, inputs, output_name, status, detail, output_object,
			exit_code, stdout_tail, stderr_tail, duration_ms, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	return scanJob(row.Scan)
}

func (r *SQLiteRepository) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, script, inputs, output_name, status, detail, output_object,
			exit_code, stdout_tail, stderr_tail, duration_ms, created_at, updated_at
		FROM jobs ORDER BY created_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var j Job
	var inputs string
	var detail, outputObject, stdoutTail, stderrTail sql.NullString
	var exitCode sql.NullInt64
	var createdAt, updatedAt string

	err := scan(&j.ID, &j.Script, &inputs, &j.OutputName, &j.Status, &detail, &outputObject,
		&exitCode, &stdoutTail, &stderrTail, &j.DurationMS, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(inputs), &j.Inputs)
	j.Detail = detail.String
	j.OutputObject = outputObject.String
	j.StdoutTail = stdoutTail.String
	j.StderrTail = stderrTail.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		j.ExitCode = &code
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &j, nil
}

func encodeInputs(inputs []string) string {
	if inputs == nil {
		inputs = []string{}
	}
	data, _ := json.Marshal(inputs)
	return string(data)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
