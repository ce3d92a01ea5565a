package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-outbox/internal/email"
)

// Memory is an in-process Store. It is used in development mode and by
// tests; nothing survives a restart.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]*email.Job
	attachments map[string][]email.Attachment
	now         func() time.Time
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]*email.Job),
		attachments: make(map[string][]email.Attachment),
		now:         time.Now,
	}
}

func (m *Memory) ListDueJobs(_ context.Context, now time.Time) ([]email.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []email.Job
	for _, job := range m.jobs {
		if job.Status == email.StatusPending && !job.ScheduledAt.After(now) {
			due = append(due, *job)
		}
	}
	slices.SortFunc(due, func(a, b email.Job) int {
		if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return due, nil
}

func (m *Memory) ListAttachments(_ context.Context, jobID string) ([]email.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(m.attachments[jobID]), nil
}

func (m *Memory) SetJobStatus(_ context.Context, jobID string, status email.Status, lastError string) error {
	if err := validateTransition(status); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status != email.StatusPending {
		return ErrNotPending
	}
	job.Status = status
	job.LastError = lastError
	job.UpdatedAt = m.now()
	return nil
}

func (m *Memory) InsertJob(_ context.Context, job *email.Job) (string, error) {
	if job == nil {
		return "", fmt.Errorf("store: nil job")
	}

	stored := *job
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Status = email.StatusPending
	stored.LastError = ""
	stored.CreatedAt = m.now()
	stored.UpdatedAt = stored.CreatedAt

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[stored.ID]; exists {
		return "", fmt.Errorf("store: duplicate job id %s", stored.ID)
	}
	m.jobs[stored.ID] = &stored
	return stored.ID, nil
}

func (m *Memory) InsertAttachment(_ context.Context, jobID string, att *email.Attachment) error {
	if att == nil {
		return fmt.Errorf("store: nil attachment")
	}
	if err := att.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return ErrNotFound
	}
	stored := *att
	stored.JobID = jobID
	m.attachments[jobID] = append(m.attachments[jobID], stored)
	return nil
}

// Job returns a copy of the stored job.
func (m *Memory) Job(id string) (email.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return email.Job{}, false
	}
	return *job, true
}

// Delete removes a job and, with it, its attachments.
func (m *Memory) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.jobs, id)
	delete(m.attachments, id)
}
