// Package jobfile reads a job description from YAML, the format accepted
// by the enqueue and preview commands. Attachments reference local files
// that are read and base64-encoded on load.
package jobfile

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/smtp-outbox/internal/email"
)

// File is the YAML shape of a job.
type File struct {
	Recipient     string `yaml:"recipient"`
	SenderName    string `yaml:"sender_name"`
	SenderAccount string `yaml:"sender_account"`

	// SenderSecret may be left empty and supplied through the environment
	// variable named by SenderSecretEnv instead.
	SenderSecret    string `yaml:"sender_secret"`
	SenderSecretEnv string `yaml:"sender_secret_env"`

	Subject     string       `yaml:"subject"`
	PlainBody   string       `yaml:"plain_body"`
	HTMLBody    string       `yaml:"html_body"`
	ScheduledAt time.Time    `yaml:"scheduled_at"`
	Attachments []Attachment `yaml:"attachments"`
}

// Attachment points at a file on disk.
type Attachment struct {
	Path        string `yaml:"path"`
	Filename    string `yaml:"filename"`
	ContentType string `yaml:"content_type"`
	Inline      bool   `yaml:"inline"`
	ContentID   string `yaml:"cid"`
}

// Load reads the job at path. Relative attachment paths are resolved
// against the directory of path. A missing scheduled_at means now.
func Load(path string) (*email.Job, []email.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("failed to parse job file: %w", err)
	}

	return f.Build(filepath.Dir(path), time.Now())
}

// Build converts f into a job and its attachments.
func (f *File) Build(baseDir string, now time.Time) (*email.Job, []email.Attachment, error) {
	if strings.TrimSpace(f.Recipient) == "" {
		return nil, nil, errors.New("recipient is required")
	}
	if strings.TrimSpace(f.SenderAccount) == "" {
		return nil, nil, errors.New("sender_account is required")
	}

	secret := f.SenderSecret
	if secret == "" && f.SenderSecretEnv != "" {
		secret = os.Getenv(f.SenderSecretEnv)
	}

	scheduled := f.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}

	job := &email.Job{
		Recipient:     f.Recipient,
		SenderName:    f.SenderName,
		SenderAccount: f.SenderAccount,
		SenderSecret:  secret,
		Subject:       f.Subject,
		PlainBody:     f.PlainBody,
		HTMLBody:      f.HTMLBody,
		ScheduledAt:   scheduled,
		Status:        email.StatusPending,
	}

	attachments := make([]email.Attachment, 0, len(f.Attachments))
	for i, a := range f.Attachments {
		att, err := a.load(baseDir)
		if err != nil {
			return nil, nil, fmt.Errorf("attachments[%d]: %w", i, err)
		}
		attachments = append(attachments, att)
	}

	return job, attachments, nil
}

func (a *Attachment) load(baseDir string) (email.Attachment, error) {
	if a.Path == "" {
		return email.Attachment{}, errors.New("path is required")
	}

	path := a.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return email.Attachment{}, fmt.Errorf("failed to read attachment: %w", err)
	}

	filename := a.Filename
	if filename == "" {
		filename = filepath.Base(path)
	}

	contentType := a.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(filename))
	}

	att := email.Attachment{
		Filename:    filename,
		ContentType: contentType,
		Data:        base64.StdEncoding.EncodeToString(content),
		Inline:      a.Inline,
		ContentID:   a.ContentID,
	}
	if err := att.Validate(); err != nil {
		return email.Attachment{}, err
	}
	return att, nil
}
