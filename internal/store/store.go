// Package store persists outbound jobs and their attachments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shineum/smtp-outbox/internal/email"
)

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("store: job not found")

	// ErrNotPending is returned when a status change targets a job that
	// already reached a terminal status.
	ErrNotPending = errors.New("store: job is not pending")
)

// Store is the job store used by the dispatcher and the submission path.
type Store interface {
	// ListDueJobs returns pending jobs scheduled at or before now, oldest
	// first.
	ListDueJobs(ctx context.Context, now time.Time) ([]email.Job, error)

	// ListAttachments returns the attachments of a job in insertion order.
	ListAttachments(ctx context.Context, jobID string) ([]email.Attachment, error)

	// SetJobStatus moves a pending job to status. lastError is recorded
	// alongside; it is empty on success.
	SetJobStatus(ctx context.Context, jobID string, status email.Status, lastError string) error

	// InsertJob stores a new pending job and returns its id.
	InsertJob(ctx context.Context, job *email.Job) (string, error)

	// InsertAttachment appends an attachment to an existing job.
	InsertAttachment(ctx context.Context, jobID string, att *email.Attachment) error
}

// validateTransition rejects status changes that are not pending to a
// terminal status.
func validateTransition(status email.Status) error {
	if !status.Terminal() {
		return errors.New("store: target status must be sent or failed")
	}
	return nil
}
