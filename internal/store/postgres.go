package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shineum/smtp-outbox/internal/email"
)

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool. The caller owns the pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Connect opens a pool for url and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return pool, nil
}

const listDueJobsSQL = `
SELECT id, recipient, sender_name, sender_account, sender_secret,
       subject, plain_body, html_body, scheduled_at, status, last_error,
       created_at, updated_at
FROM email_jobs
WHERE status = 'pending' AND scheduled_at <= $1
ORDER BY scheduled_at, id`

func (p *Postgres) ListDueJobs(ctx context.Context, now time.Time) ([]email.Job, error) {
	rows, err := p.pool.Query(ctx, listDueJobsSQL, now)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}

	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (email.Job, error) {
		var (
			job    email.Job
			id     uuid.UUID
			status string
		)
		err := row.Scan(&id, &job.Recipient, &job.SenderName, &job.SenderAccount, &job.SenderSecret,
			&job.Subject, &job.PlainBody, &job.HTMLBody, &job.ScheduledAt, &status, &job.LastError,
			&job.CreatedAt, &job.UpdatedAt)
		job.ID = id.String()
		job.Status = email.Status(status)
		return job, err
	})
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	return jobs, nil
}

const listAttachmentsSQL = `
SELECT filename, content_type, data, inline, coalesce(content_id, '')
FROM email_attachments
WHERE job_id = $1
ORDER BY position`

func (p *Postgres) ListAttachments(ctx context.Context, jobID string) ([]email.Attachment, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return nil, ErrNotFound
	}

	rows, err := p.pool.Query(ctx, listAttachmentsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}

	atts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (email.Attachment, error) {
		att := email.Attachment{JobID: jobID}
		err := row.Scan(&att.Filename, &att.ContentType, &att.Data, &att.Inline, &att.ContentID)
		return att, err
	})
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return atts, nil
}

const setJobStatusSQL = `
UPDATE email_jobs
SET status = $2, last_error = $3, updated_at = now()
WHERE id = $1 AND status = 'pending'`

func (p *Postgres) SetJobStatus(ctx context.Context, jobID string, status email.Status, lastError string) error {
	if err := validateTransition(status); err != nil {
		return err
	}
	id, err := uuid.Parse(jobID)
	if err != nil {
		return ErrNotFound
	}

	tag, err := p.pool.Exec(ctx, setJobStatusSQL, id, string(status), lastError)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing updated: tell a missing job from a terminal one.
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM email_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotPending
}

const insertJobSQL = `
INSERT INTO email_jobs (id, recipient, sender_name, sender_account, sender_secret,
                        subject, plain_body, html_body, scheduled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func (p *Postgres) InsertJob(ctx context.Context, job *email.Job) (string, error) {
	if job == nil {
		return "", errors.New("store: nil job")
	}

	id := uuid.New()
	if job.ID != "" {
		parsed, err := uuid.Parse(job.ID)
		if err != nil {
			return "", fmt.Errorf("store: invalid job id: %w", err)
		}
		id = parsed
	}

	_, err := p.pool.Exec(ctx, insertJobSQL, id, job.Recipient, job.SenderName, job.SenderAccount,
		job.SenderSecret, job.Subject, job.PlainBody, job.HTMLBody, job.ScheduledAt)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id.String(), nil
}

const insertAttachmentSQL = `
INSERT INTO email_attachments (job_id, position, filename, content_type, data, inline, content_id)
SELECT $1::uuid, coalesce(max(position), 0) + 1, $2::text, $3::text, $4::text, $5::boolean, $6::text
FROM email_attachments
WHERE job_id = $1`

func (p *Postgres) InsertAttachment(ctx context.Context, jobID string, att *email.Attachment) error {
	if att == nil {
		return errors.New("store: nil attachment")
	}
	if err := att.Validate(); err != nil {
		return err
	}
	id, err := uuid.Parse(jobID)
	if err != nil {
		return ErrNotFound
	}

	var contentID *string
	if att.Inline {
		contentID = &att.ContentID
	}

	// Locking the job row serializes inserts for the same job, which keeps
	// positions dense.
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM email_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
		if _, err := tx.Exec(ctx, insertAttachmentSQL, id, att.Filename, att.ContentType, att.Data, att.Inline, contentID); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
		return nil
	})
}

// DeleteJob removes a job; its attachments go with it.
func (p *Postgres) DeleteJob(ctx context.Context, jobID string) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return ErrNotFound
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM email_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
