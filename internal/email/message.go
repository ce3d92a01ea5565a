// Package email defines the outbound email data model shared by the store,
// the composer and the dispatcher.
package email

import (
	"errors"
	"time"
)

// Status is the delivery state of a Job.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Job is one outbound email waiting in the store.
type Job struct {
	ID        string
	Recipient string

	// SenderName is the optional display name used in the From header.
	SenderName string

	// SenderAccount doubles as the From address and the AUTH LOGIN username.
	SenderAccount string
	SenderSecret  string

	Subject     string
	PlainBody   string
	HTMLBody    string
	ScheduledAt time.Time
	Status      Status

	// LastError holds the failure text of the last attempt, if any.
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Envelope returns the transport parameters for sending this job.
func (j *Job) Envelope() *Envelope {
	return &Envelope{
		From:     j.SenderAccount,
		To:       j.Recipient,
		Username: j.SenderAccount,
		Password: j.SenderSecret,
	}
}

// Attachment is a file owned by exactly one Job.
type Attachment struct {
	JobID       string
	Filename    string
	ContentType string

	// Data is the base64 text as stored, in any line width.
	Data string

	// Inline marks content referenced from the HTML body via cid:.
	Inline    bool
	ContentID string
}

// ErrContentIDMismatch is returned when an attachment breaks the
// "content id present iff inline" rule.
var ErrContentIDMismatch = errors.New("attachment content id must be set exactly when inline")

// Validate checks the attachment invariants enforced on insert.
func (a *Attachment) Validate() error {
	if a.Inline != (a.ContentID != "") {
		return ErrContentIDMismatch
	}
	return nil
}

// Envelope carries the SMTP envelope and credentials for a single send.
type Envelope struct {
	From     string
	To       string
	Username string
	Password string
}
