package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mohans/genqueue/job"
)

// Schema creates the jobs table. Timestamps are unix nanoseconds so the
// layout is portable across SQLite, Postgres and MySQL drivers.
const Schema = `
CREATE TABLE IF NOT EXISTS genqueue_jobs (
    id            VARCHAR(64) PRIMARY KEY,
    status        VARCHAR(16) NOT NULL,
    request_json  TEXT        NOT NULL,
    progress_json TEXT        NOT NULL,
    result_json   TEXT        NULL,
    error_json    TEXT        NULL,
    attempt_count INTEGER     NOT NULL DEFAULT 0,
    version       BIGINT      NOT NULL,
    created_at    BIGINT      NOT NULL,
    updated_at    BIGINT      NOT NULL,
    completed_at  BIGINT      NULL
);
CREATE INDEX IF NOT EXISTS genqueue_jobs_status_updated ON genqueue_jobs (status, updated_at);
`

const jobColumns = `id, status, request_json, progress_json, result_json, error_json, attempt_count, version, created_at, updated_at, completed_at`

// SQLStore is a Store backed by a relational DB through database/sql.
type SQLStore struct {
	db     *sql.DB
	dollar bool
	now    func() time.Time
}

func NewSQLStore(db *sql.DB, opts ...Option) *SQLStore {
	o := buildOptions(opts)
	return &SQLStore{db: db, dollar: o.dollar, now: o.now}
}

// Migrate applies Schema.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.db == nil {
		return errors.New("genqueue/store: nil db")
	}
	for _, stmt := range strings.Split(Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("genqueue/store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, j *job.Job) error {
	if s.db == nil {
		return errors.New("genqueue/store: nil db")
	}
	if err := prepareCreate(j, s.now()); err != nil {
		return err
	}
	row, err := encodeRow(j)
	if err != nil {
		return err
	}
	q := `INSERT INTO genqueue_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, s.rebind(q), row.args()...)
	if err != nil {
		return fmt.Errorf("genqueue/store: insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("genqueue/store: insert job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", job.ErrAlreadyExists, j.ID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*job.Job, error) {
	if s.db == nil {
		return nil, errors.New("genqueue/store: nil db")
	}
	q := `SELECT ` + jobColumns + ` FROM genqueue_jobs WHERE id = ?`
	j, err := scanJob(s.db.QueryRowContext(ctx, s.rebind(q), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
		}
		return nil, fmt.Errorf("genqueue/store: get job: %w", err)
	}
	return j, nil
}

func (s *SQLStore) Update(ctx context.Context, id string, from []job.Status, mutate Mutation) (*job.Job, error) {
	for i := 0; i < maxCASAttempts; i++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := apply(cur, from, mutate, s.now())
		if err != nil {
			return nil, err
		}
		row, err := encodeRow(next)
		if err != nil {
			return nil, err
		}
		q := `UPDATE genqueue_jobs
			SET status = ?, progress_json = ?, result_json = ?, error_json = ?, attempt_count = ?,
			    version = ?, updated_at = ?, completed_at = ?
			WHERE id = ? AND version = ?`
		res, err := s.db.ExecContext(ctx, s.rebind(q),
			row.status, row.progress, row.result, row.errInfo, row.attempts,
			row.version, row.updatedAt, row.completedAt,
			id, cur.Version)
		if err != nil {
			return nil, fmt.Errorf("genqueue/store: update job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("genqueue/store: update job: %w", err)
		}
		if n == 1 {
			return next, nil
		}
		// lost the version race; re-read and re-evaluate the condition
	}
	return nil, fmt.Errorf("%w: job %s: too many concurrent writers", job.ErrConflict, id)
}

func (s *SQLStore) ListStale(ctx context.Context, olderThan time.Duration, statuses ...job.Status) ([]*job.Job, error) {
	if s.db == nil {
		return nil, errors.New("genqueue/store: nil db")
	}
	statuses = staleStatuses(statuses)
	cutoff := s.now().UTC().Add(-olderThan).UnixNano()

	marks := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, st := range statuses {
		marks[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, cutoff)
	q := `SELECT ` + jobColumns + ` FROM genqueue_jobs
		WHERE status IN (` + strings.Join(marks, ", ") + `) AND updated_at < ?
		ORDER BY updated_at`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("genqueue/store: list stale: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("genqueue/store: list stale scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) rebind(q string) string {
	if !s.dollar {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type sqlRow struct {
	id          string
	status      string
	request     string
	progress    string
	result      sql.NullString
	errInfo     sql.NullString
	attempts    int
	version     int64
	createdAt   int64
	updatedAt   int64
	completedAt sql.NullInt64
}

func (r sqlRow) args() []any {
	return []any{r.id, r.status, r.request, r.progress, r.result, r.errInfo, r.attempts, r.version, r.createdAt, r.updatedAt, r.completedAt}
}

func encodeRow(j *job.Job) (sqlRow, error) {
	progress, err := json.Marshal(j.Progress)
	if err != nil {
		return sqlRow{}, fmt.Errorf("genqueue/store: encode progress: %w", err)
	}
	row := sqlRow{
		id:        j.ID,
		status:    string(j.Status),
		request:   string(j.Request),
		progress:  string(progress),
		attempts:  j.AttemptCount,
		version:   j.Version,
		createdAt: j.CreatedAt.UnixNano(),
		updatedAt: j.UpdatedAt.UnixNano(),
	}
	if row.request == "" {
		row.request = "null"
	}
	if j.Result != nil {
		row.result = sql.NullString{String: string(j.Result), Valid: true}
	}
	if j.Error != nil {
		b, err := json.Marshal(j.Error)
		if err != nil {
			return sqlRow{}, fmt.Errorf("genqueue/store: encode error: %w", err)
		}
		row.errInfo = sql.NullString{String: string(b), Valid: true}
	}
	if j.CompletedAt != nil {
		row.completedAt = sql.NullInt64{Int64: j.CompletedAt.UnixNano(), Valid: true}
	}
	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*job.Job, error) {
	var r sqlRow
	if err := sc.Scan(&r.id, &r.status, &r.request, &r.progress, &r.result, &r.errInfo,
		&r.attempts, &r.version, &r.createdAt, &r.updatedAt, &r.completedAt); err != nil {
		return nil, err
	}
	j := &job.Job{
		ID:           r.id,
		Status:       job.Status(r.status),
		AttemptCount: r.attempts,
		Version:      r.version,
		CreatedAt:    time.Unix(0, r.createdAt).UTC(),
		UpdatedAt:    time.Unix(0, r.updatedAt).UTC(),
	}
	if r.request != "null" {
		j.Request = json.RawMessage(r.request)
	}
	if err := json.Unmarshal([]byte(r.progress), &j.Progress); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	if r.result.Valid {
		j.Result = json.RawMessage(r.result.String)
	}
	if r.errInfo.Valid {
		j.Error = &job.ErrorInfo{}
		if err := json.Unmarshal([]byte(r.errInfo.String), j.Error); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
	}
	if r.completedAt.Valid {
		t := time.Unix(0, r.completedAt.Int64).UTC()
		j.CompletedAt = &t
	}
	return j, nil
}
