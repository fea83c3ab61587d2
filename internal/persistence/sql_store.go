package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationFiles embed.FS

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements jobs.Store on SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ jobs.Store = (*SQLStore)(nil)

func NewSQLiteStore(path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLStore{db: db, dialect: DialectSQLite}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("db dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	store := &SQLStore{db: db, dialect: DialectPostgres}
	if err := store.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) init(ctx context.Context) error {
	var bootstrap string
	switch s.dialect {
	case DialectSQLite:
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return fmt.Errorf("set WAL mode: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
			return fmt.Errorf("set busy timeout: %w", err)
		}
		bootstrap = `CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`
	default:
		bootstrap = `CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	}
	if _, err := s.db.ExecContext(ctx, bootstrap); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	dir := path.Join("migrations", string(s.dialect))
	entries, err := migrationFiles.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`), version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if err := s.apply(ctx, version, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (s *SQLStore) apply(ctx context.Context, version int, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(content) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (version) VALUES (?)`), version); err != nil {
		return err
	}
	return tx.Commit()
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func splitStatements(content string) []string {
	parts := strings.Split(content, ";")
	ret := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ret = append(ret, p)
		}
	}
	return ret
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const jobColumns = `id, type, owner_id, priority, status, config_json, progress_json, error_json, result_json,
	retries, pending_action, worker_id, seq, version, created_at, started_at, completed_at, updated_at`

var terminalStatuses = []jobs.Status{jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled}

func (s *SQLStore) LoadActiveJobs(ctx context.Context) ([]*jobs.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status NOT IN (?, ?, ?) ORDER BY seq ASC`,
		statusArgs(terminalStatuses)...,
	)
}

func (s *SQLStore) LoadJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.NewNotFound(jobID)
	}
	return job, err
}

func (s *SQLStore) ListJobs(ctx context.Context, filter jobs.Filter) ([]*jobs.Job, error) {
	var where []string
	var args []any
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	switch {
	case filter.Limit > 0:
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	case filter.Offset > 0 && s.dialect == DialectSQLite:
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}
	return s.queryJobs(ctx, query, args...)
}

func (s *SQLStore) SaveJob(ctx context.Context, job *jobs.Job) error {
	return s.CommitUnit(ctx, job, nil)
}

func (s *SQLStore) CommitUnit(ctx context.Context, job *jobs.Job, unit *jobs.UnitRecord) error {
	if job == nil || job.ID == "" {
		return jobs.NewError(jobs.ErrValidation, "job id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.writeJob(ctx, tx, job); err != nil {
		return err
	}
	if unit != nil {
		if err := s.writeUnit(ctx, tx, job.ID, unit); err != nil {
			return fmt.Errorf("write unit %d: %w", unit.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *SQLStore) writeJob(ctx context.Context, tx *sql.Tx, job *jobs.Job) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	jobErr, err := nullJSON(job.Error)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	result, err := nullJSON(job.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	var stored int64
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT version FROM jobs WHERE id = ?`), job.ID).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if job.Version != 1 {
			return jobs.NewVersionConflict(job.ID, job.Version)
		}
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			job.ID, job.Type, job.OwnerID, string(job.Priority), string(job.Status),
			string(cfg), string(progress), jobErr, result,
			job.Retries, string(job.PendingAction), job.WorkerID, int64(job.Seq), job.Version,
			job.CreatedAt.UTC(), nullTime(job.StartedAt), nullTime(job.CompletedAt), job.UpdatedAt.UTC(),
		)
		if isUniqueViolation(err) {
			return jobs.NewVersionConflict(job.ID, job.Version)
		}
		return err
	case err != nil:
		return err
	case stored+1 != job.Version:
		return jobs.NewVersionConflict(job.ID, job.Version)
	}

	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE jobs SET
			type = ?, owner_id = ?, priority = ?, status = ?, config_json = ?, progress_json = ?,
			error_json = ?, result_json = ?, retries = ?, pending_action = ?, worker_id = ?,
			seq = ?, version = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND version = ?`),
		job.Type, job.OwnerID, string(job.Priority), string(job.Status), string(cfg), string(progress),
		jobErr, result, job.Retries, string(job.PendingAction), job.WorkerID,
		int64(job.Seq), job.Version, nullTime(job.StartedAt), nullTime(job.CompletedAt), job.UpdatedAt.UTC(),
		job.ID, stored,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return jobs.NewVersionConflict(job.ID, job.Version)
	}
	return nil
}

func (s *SQLStore) writeUnit(ctx context.Context, tx *sql.Tx, jobID string, unit *jobs.UnitRecord) error {
	stages := unit.Stages
	if stages == nil {
		stages = []jobs.StageResult{}
	}
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	now := time.Now().UTC()
	createdAt, updatedAt := unit.CreatedAt.UTC(), unit.UpdatedAt.UTC()
	if unit.CreatedAt.IsZero() {
		createdAt = now
	}
	if unit.UpdatedAt.IsZero() {
		updatedAt = now
	}
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO job_units (
			job_id, unit_index, status, title, content, summary, score, cost, attempts,
			failure_reason, detected_language, stages_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, unit_index) DO UPDATE SET
			status=excluded.status,
			title=excluded.title,
			content=excluded.content,
			summary=excluded.summary,
			score=excluded.score,
			cost=excluded.cost,
			attempts=excluded.attempts,
			failure_reason=excluded.failure_reason,
			detected_language=excluded.detected_language,
			stages_json=excluded.stages_json,
			updated_at=excluded.updated_at`),
		jobID, unit.Index, string(unit.Status), unit.Title, unit.Content, unit.Summary,
		unit.Score, unit.Cost, unit.Attempts, unit.FailureReason, unit.DetectedLanguage,
		string(stagesJSON), createdAt, updatedAt,
	)
	return err
}

func (s *SQLStore) LoadUnits(ctx context.Context, jobID string) ([]*jobs.UnitRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT
			job_id, unit_index, status, title, content, summary, score, cost, attempts,
			failure_reason, detected_language, stages_json, created_at, updated_at
		FROM job_units
		WHERE job_id = ?
		ORDER BY unit_index ASC`), jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.UnitRecord, 0)
	for rows.Next() {
		var u jobs.UnitRecord
		var status string
		var stagesJSON []byte
		if err := rows.Scan(
			&u.JobID, &u.Index, &status, &u.Title, &u.Content, &u.Summary, &u.Score, &u.Cost, &u.Attempts,
			&u.FailureReason, &u.DetectedLanguage, &stagesJSON, &u.CreatedAt, &u.UpdatedAt,
		); err != nil {
			return nil, err
		}
		u.Status = jobs.UnitStatus(status)
		if err := json.Unmarshal(stagesJSON, &u.Stages); err != nil {
			return nil, fmt.Errorf("decode stages of unit %d: %w", u.Index, err)
		}
		ret = append(ret, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLStore) DeleteJob(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM job_units WHERE job_id = ?`), jobID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM jobs WHERE id = ?`), jobID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	args := append(statusArgs(terminalStatuses), cutoff.UTC())
	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT id FROM jobs WHERE status IN (?, ?, ?) AND updated_at < ? ORDER BY id`), args...)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM job_units WHERE job_id = ?`), id); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM jobs WHERE id = ?`), id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLStore) queryJobs(ctx context.Context, query string, args ...any) ([]*jobs.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*jobs.Job, error) {
	var job jobs.Job
	var priority, status, pending string
	var cfg, progress, jobErr, result []byte
	var seq int64
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(
		&job.ID, &job.Type, &job.OwnerID, &priority, &status, &cfg, &progress, &jobErr, &result,
		&job.Retries, &pending, &job.WorkerID, &seq, &job.Version,
		&job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Priority = jobs.Priority(priority)
	job.Status = jobs.Status(status)
	job.PendingAction = jobs.Action(pending)
	job.Seq = uint64(seq)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if err := json.Unmarshal(cfg, &job.Config); err != nil {
		return nil, fmt.Errorf("decode config of job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal(progress, &job.Progress); err != nil {
		return nil, fmt.Errorf("decode progress of job %s: %w", job.ID, err)
	}
	if len(jobErr) > 0 {
		job.Error = &jobs.JobError{}
		if err := json.Unmarshal(jobErr, job.Error); err != nil {
			return nil, fmt.Errorf("decode error of job %s: %w", job.ID, err)
		}
	}
	if len(result) > 0 {
		job.Result = &jobs.JobResult{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return nil, fmt.Errorf("decode result of job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

func nullJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func statusArgs(statuses []jobs.Status) []any {
	ret := make([]any, len(statuses))
	for i, st := range statuses {
		ret[i] = string(st)
	}
	return ret
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
