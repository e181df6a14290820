package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/genflow/internal/domain"
	"github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS generation_jobs (
	owner_id TEXT NOT NULL,
	id TEXT NOT NULL,
	status TEXT NOT NULL,
	input_refs JSONB NOT NULL DEFAULT '[]',
	prompt TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	options JSONB NOT NULL DEFAULT '{}',
	callback_url TEXT NOT NULL DEFAULT '',
	results JSONB NOT NULL DEFAULT '[]',
	error JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	modified_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner_id, id)
);
CREATE INDEX IF NOT EXISTS generation_jobs_owner_created_idx ON generation_jobs (owner_id, created_at DESC);
`

const jobColumns = `id, owner_id, status, input_refs, prompt, provider, options, callback_url, results, error, created_at, modified_at`

// uniqueViolation is the postgres SQLSTATE for a duplicate primary key.
const uniqueViolation = "23505"

type PostgresJobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := NewPostgresJobStoreFromDB(db)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func NewPostgresJobStoreFromDB(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure generation_jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.ModifiedAt.IsZero() {
		job.ModifiedAt = job.CreatedAt
	}

	inputsJSON, err := marshalJSON(job.InputRefs, "[]")
	if err != nil {
		return fmt.Errorf("marshal job inputs: %w", err)
	}
	optionsJSON, err := marshalJSON(job.Options, "{}")
	if err != nil {
		return fmt.Errorf("marshal job options: %w", err)
	}
	resultsJSON, err := marshalJSON(job.Results, "[]")
	if err != nil {
		return fmt.Errorf("marshal job results: %w", err)
	}
	errorJSON, err := marshalNullableError(job.Error)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO generation_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID,
		job.OwnerID,
		string(job.Status),
		inputsJSON,
		job.Prompt,
		job.Provider,
		optionsJSON,
		job.CallbackURL,
		resultsJSON,
		errorJSON,
		job.CreatedAt,
		job.ModifiedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return domain.ErrJobExists
		}
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *PostgresJobStore) Update(ctx context.Context, ownerID, jobID string, patch domain.JobPatch) (domain.Job, error) {
	var resultsJSON []byte
	if patch.Results != nil {
		encoded, err := json.Marshal(patch.Results)
		if err != nil {
			return domain.Job{}, fmt.Errorf("marshal job results: %w", err)
		}
		resultsJSON = encoded
	}
	errorJSON, err := marshalNullableError(patch.Error)
	if err != nil {
		return domain.Job{}, err
	}

	row := s.db.QueryRowContext(
		ctx,
		`UPDATE generation_jobs
		 SET status = COALESCE(NULLIF($3, ''), status),
		     results = COALESCE($4::jsonb, results),
		     error = COALESCE($5::jsonb, error),
		     modified_at = $6
		 WHERE owner_id = $1 AND id = $2
		 RETURNING `+jobColumns,
		ownerID,
		jobID,
		string(patch.Status),
		nullableJSON(resultsJSON),
		errorJSON,
		s.now(),
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, domain.ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

func (s *PostgresJobStore) Get(ctx context.Context, ownerID, jobID string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+`
		 FROM generation_jobs
		 WHERE owner_id = $1 AND id = $2`,
		ownerID,
		jobID,
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

func (s *PostgresJobStore) List(ctx context.Context, ownerID string, filter domain.ListFilter) ([]domain.Job, error) {
	query, args := buildSelect(jobColumns, ownerID, filter, nil)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresJobStore) DeleteMany(ctx context.Context, ownerID string, filter domain.DeleteFilter) (domain.DeleteSummary, error) {
	if !filter.Force && !filter.HasSelector() {
		return domain.RefusedDelete(filter.DryRun), nil
	}

	query, args := buildSelect("id", ownerID, filter.ListFilter, filter.IDs)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.DeleteSummary{}, fmt.Errorf("select jobs for delete: %w", err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var jobID string
		if err := rows.Scan(&jobID); err != nil {
			rows.Close()
			return domain.DeleteSummary{}, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, jobID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.DeleteSummary{}, fmt.Errorf("iterate job ids: %w", err)
	}

	summary := domain.DeleteSummary{
		DryRun:    filter.DryRun,
		Attempted: len(ids),
		IDs:       ids,
	}
	if filter.DryRun || len(ids) == 0 {
		return summary, nil
	}

	for _, batch := range chunk(ids, deleteBatchSize) {
		res, err := s.db.ExecContext(
			ctx,
			`DELETE FROM generation_jobs WHERE owner_id = $1 AND id = ANY($2)`,
			ownerID,
			pq.Array(batch),
		)
		if err != nil {
			return summary, fmt.Errorf("delete jobs batch: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			affected = int64(len(batch))
		}
		summary.Deleted += int(affected)
	}
	return summary, nil
}

func buildSelect(columns, ownerID string, filter domain.ListFilter, ids []string) (string, []any) {
	var (
		b    strings.Builder
		args = []any{ownerID}
	)
	b.WriteString("SELECT ")
	b.WriteString(columns)
	b.WriteString(" FROM generation_jobs WHERE owner_id = $1")

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		fmt.Fprintf(&b, " AND status = $%d", len(args))
	}
	if !filter.CreatedAfter.IsZero() {
		args = append(args, filter.CreatedAfter)
		fmt.Fprintf(&b, " AND created_at > $%d", len(args))
	}
	if !filter.CreatedBefore.IsZero() {
		args = append(args, filter.CreatedBefore)
		fmt.Fprintf(&b, " AND created_at < $%d", len(args))
	}
	if len(ids) > 0 {
		args = append(args, pq.Array(ids))
		fmt.Fprintf(&b, " AND id = ANY($%d)", len(args))
	}

	direction := "DESC"
	if filter.Ascending {
		direction = "ASC"
	}
	fmt.Fprintf(&b, " ORDER BY %s %s, id %s", filter.OrderField(), direction, direction)

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job         domain.Job
		status      string
		inputsJSON  []byte
		optionsJSON []byte
		resultsJSON []byte
		errorJSON   []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&status,
		&inputsJSON,
		&job.Prompt,
		&job.Provider,
		&optionsJSON,
		&job.CallbackURL,
		&resultsJSON,
		&errorJSON,
		&job.CreatedAt,
		&job.ModifiedAt,
	); err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.JobStatus(status)

	if err := unmarshalIfPresent(inputsJSON, &job.InputRefs); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job inputs: %w", err)
	}
	if err := unmarshalIfPresent(optionsJSON, &job.Options); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job options: %w", err)
	}
	if err := unmarshalIfPresent(resultsJSON, &job.Results); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job results: %w", err)
	}
	if len(errorJSON) > 0 && string(errorJSON) != "null" {
		var jobErr domain.JobError
		if err := json.Unmarshal(errorJSON, &jobErr); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal job error: %w", err)
		}
		job.Error = &jobErr
	}
	return job, nil
}

// JSON parameters are sent as text; lib/pq would encode []byte as bytea.
func marshalJSON(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func marshalNullableError(jobErr *domain.JobError) (any, error) {
	if jobErr == nil {
		return nil, nil
	}
	data, err := json.Marshal(jobErr)
	if err != nil {
		return nil, fmt.Errorf("marshal job error: %w", err)
	}
	return string(data), nil
}

func unmarshalIfPresent(data []byte, into any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, into)
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
