// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"github.com/shineum/smtp-outbox/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// The direct SMTP client is the primary implementation; API-based
// backends (SES, Microsoft Graph) and stdout take the same composed bytes.
type Provider interface {
	// Send delivers a composed message. msg is the dot-stuffed DATA
	// payload; backends that do not speak SMTP reverse the stuffing.
	Send(ctx context.Context, env *email.Envelope, msg []byte) error

	// Name returns the human-readable name of this provider.
	Name() string
}
