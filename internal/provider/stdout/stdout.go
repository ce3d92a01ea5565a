// Package stdout implements a Provider that prints emails to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/shineum/smtp-outbox/internal/compose"
	"github.com/shineum/smtp-outbox/internal/email"
	"github.com/shineum/smtp-outbox/internal/parser"
)

const separator = "========================================\n"

// Provider prints a readable summary of each composed message. It never
// contacts a relay.
type Provider struct {
	mu sync.Mutex

	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer

	// raw prints the full unstuffed message instead of a summary.
	raw bool
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// NewRaw creates a Provider that dumps the unstuffed MIME text to w.
func NewRaw(w io.Writer) *Provider {
	return &Provider{writer: w, raw: true}
}

// Send prints the message. Messages that cannot be parsed back are
// printed raw. Write errors are returned.
func (p *Provider) Send(_ context.Context, env *email.Envelope, msg []byte) error {
	if env == nil {
		return fmt.Errorf("stdout: nil envelope")
	}

	raw := compose.Unstuff(msg)

	var b strings.Builder
	b.WriteString(separator)
	fmt.Fprintf(&b, "Envelope-From: %s\n", env.From)
	fmt.Fprintf(&b, "Envelope-To: %s\n", env.To)

	parsed, err := parser.Parse(raw)
	switch {
	case p.raw || err != nil:
		if err != nil {
			slog.Warn("printing unparsable message raw", "error", err)
		}
		b.WriteString("\n")
		b.Write(raw)
		if !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
	default:
		writeSummary(&b, parsed)
	}
	b.WriteString(separator)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return fmt.Errorf("stdout: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func writeSummary(b *strings.Builder, msg *parser.Message) {
	fmt.Fprintf(b, "From: %s\n", msg.From)
	fmt.Fprintf(b, "To: %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HTMLBody
	}
	b.WriteString(strings.TrimRight(body, "\r\n") + "\n")

	var attachments, inline []string
	for _, part := range msg.Parts {
		desc := fmt.Sprintf("%s (%s)", part.Filename, formatSize(len(part.Content)))
		if part.Inline() {
			inline = append(inline, desc)
			continue
		}
		attachments = append(attachments, desc)
	}
	if len(attachments) > 0 {
		fmt.Fprintf(b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}
	if len(inline) > 0 {
		fmt.Fprintf(b, "Inline: %s\n", strings.Join(inline, ", "))
	}
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
