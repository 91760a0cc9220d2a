package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dontdude/goxec/internal/domain"
	"github.com/mattn/go-sqlite3"
)

const schema = `
create table if not exists jobs (
	id              text primary key,
	type            text not null,
	status          text not null default 'PENDING',
	payload         blob not null,
	result          blob,
	last_error      text not null default '',
	attempts        integer not null default 0,
	failures        integer not null default 0,
	max_attempts    integer not null default 3,
	idempotency_key text not null unique,
	user_id         text not null default '',
	created_at      DATETIME not null,
	updated_at      DATETIME not null
);
create index if not exists idx_jobs_user on jobs (user_id, created_at desc);`

const jobColumns = `id, type, status, payload, result, last_error, attempts, failures, max_attempts,
	idempotency_key, user_id, created_at, updated_at`

// SQLite is a JobStore backed by a SQLite database file. Writes run in
// immediate transactions, so updates to the same job are serialized even
// across processes sharing the file.
type SQLite struct {
	db *sql.DB
}

var _ domain.JobStore = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at dsn and applies the schema.
func NewSQLite(dsn string) (*SQLite, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Create implements domain.JobStore.
func (s *SQLite) Create(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now

	var result any
	if job.Result != nil {
		result = []byte(job.Result)
	}
	_, err := s.db.ExecContext(ctx, `insert into jobs (`+jobColumns+`)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), string(job.Status), []byte(job.Payload), result, job.LastError,
		job.Attempts, job.Failures, job.MaxAttempts, job.IdempotencyKey, job.UserID, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("store: create job: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		j               domain.Job
		typ, status     string
		payload, result []byte
	)
	err := row.Scan(&j.ID, &typ, &status, &payload, &result, &j.LastError, &j.Attempts, &j.Failures, &j.MaxAttempts,
		&j.IdempotencyKey, &j.UserID, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	j.Type = domain.JobType(typ)
	j.Status = domain.Status(status)
	j.Payload = payload
	if len(result) > 0 {
		j.Result = result
	}
	return &j, nil
}

// FindByID implements domain.JobStore.
func (s *SQLite) FindByID(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `select `+jobColumns+` from jobs where id = ?`, id))
	if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		return nil, fmt.Errorf("store: find job %s: %w", id, err)
	}
	return j, err
}

// FindByIdempotencyKey implements domain.JobStore.
func (s *SQLite) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `select `+jobColumns+` from jobs where idempotency_key = ?`, key))
	if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		return nil, fmt.Errorf("store: find job by key: %w", err)
	}
	return j, err
}

// Update implements domain.JobStore.
func (s *SQLite) Update(ctx context.Context, id string, u domain.JobUpdate) (*domain.Job, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *u.Attempts)
	}
	if u.Failures != nil {
		sets = append(sets, "failures = ?")
		args = append(args, *u.Failures)
	}
	if u.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, []byte(u.Result))
	}
	if u.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *u.LastError)
	}
	args = append(args, id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `update jobs set `+strings.Join(sets, ", ")+` where id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrJobNotFound
	}

	j, err := scanJob(tx.QueryRowContext(ctx, `select `+jobColumns+` from jobs where id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("store: reload job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit update: %w", err)
	}
	return j, nil
}

// ListByUser implements domain.JobStore.
func (s *SQLite) ListByUser(ctx context.Context, userID string) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `select `+jobColumns+` from jobs where user_id = ? order by created_at desc`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*domain.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
