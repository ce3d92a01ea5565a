package smtptest

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Authenticator checks AUTH credentials against a fixed set of accounts.
type Authenticator struct {
	accounts map[string]string
}

// NewAuthenticator creates an Authenticator for the given username to
// password map. An empty map disables authentication.
func NewAuthenticator(accounts map[string]string) *Authenticator {
	copied := make(map[string]string, len(accounts))
	for user, pass := range accounts {
		copied[user] = pass
	}
	return &Authenticator{accounts: copied}
}

// Enabled returns true if any account is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.accounts) > 0
}

// VerifyPlain decodes and verifies an AUTH PLAIN response.
// AUTH PLAIN format: base64([authzid]\0username\0password)
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return fmt.Errorf("invalid AUTH PLAIN format")
	}

	return a.check(parts[1], parts[2])
}

// VerifyLogin verifies AUTH LOGIN credentials after the challenge-response
// flow. Both values arrive base64-encoded.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := decodeCredential(encodedUser)
	if err != nil {
		return fmt.Errorf("invalid base64 username")
	}

	pass, err := decodeCredential(encodedPass)
	if err != nil {
		return fmt.Errorf("invalid base64 password")
	}

	return a.check(user, pass)
}

func (a *Authenticator) check(user, pass string) error {
	want, ok := a.accounts[user]
	if !ok || want != pass {
		return fmt.Errorf("authentication failed")
	}
	return nil
}

func decodeCredential(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
