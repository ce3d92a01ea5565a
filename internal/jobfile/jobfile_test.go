package jobfile

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-outbox/internal/email"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "report.pdf", "quarterly numbers")
	writeFile(t, dir, "logo.png", "\x89PNG")
	t.Setenv("OUTBOX_TEST_SECRET", "from-env")

	path := writeFile(t, dir, "job.yaml", `
recipient: bob@example.com
sender_name: Alice
sender_account: alice@example.com
sender_secret_env: OUTBOX_TEST_SECRET
subject: Quarterly report
plain_body: See attached.
html_body: <p>See attached.</p><img src="cid:logo">
scheduled_at: 2026-03-01T09:00:00Z
attachments:
  - path: report.pdf
  - path: logo.png
    inline: true
    cid: logo
`)

	job, atts, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bob@example.com", job.Recipient)
	assert.Equal(t, "Alice", job.SenderName)
	assert.Equal(t, "from-env", job.SenderSecret)
	assert.Equal(t, email.StatusPending, job.Status)
	assert.True(t, job.ScheduledAt.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))

	require.Len(t, atts, 2)
	assert.Equal(t, "report.pdf", atts[0].Filename)
	assert.Equal(t, "application/pdf", atts[0].ContentType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("quarterly numbers")), atts[0].Data)
	assert.False(t, atts[0].Inline)

	assert.Equal(t, "image/png", atts[1].ContentType)
	assert.True(t, atts[1].Inline)
	assert.Equal(t, "logo", atts[1].ContentID)
}

func TestBuild_DefaultsScheduleToNow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f := &File{Recipient: "b@example.com", SenderAccount: "a@example.com", SenderSecret: "x"}

	job, atts, err := f.Build(t.TempDir(), now)
	require.NoError(t, err)
	assert.Equal(t, now, job.ScheduledAt)
	assert.Equal(t, "x", job.SenderSecret)
	assert.Empty(t, atts)
}

func TestBuild_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.bin", "data")

	tests := []struct {
		name string
		file File
	}{
		{name: "missing recipient", file: File{SenderAccount: "a@example.com"}},
		{name: "missing sender", file: File{Recipient: "b@example.com"}},
		{name: "missing attachment path", file: File{
			Recipient: "b@example.com", SenderAccount: "a@example.com",
			Attachments: []Attachment{{Filename: "x"}},
		}},
		{name: "attachment not found", file: File{
			Recipient: "b@example.com", SenderAccount: "a@example.com",
			Attachments: []Attachment{{Path: "missing.bin"}},
		}},
		{name: "inline without cid", file: File{
			Recipient: "b@example.com", SenderAccount: "a@example.com",
			Attachments: []Attachment{{Path: "a.bin", Inline: true}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := tt.file.Build(dir, time.Now())
			assert.Error(t, err)
		})
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "job.yaml", "recipient: [unterminated")
	_, _, err := Load(path)
	assert.Error(t, err)
}
