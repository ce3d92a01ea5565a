package smtptest

import (
	"encoding/base64"
	"testing"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestAuthenticator_Enabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		accounts map[string]string
		want     bool
	}{
		{name: "one account", accounts: map[string]string{"user": "pass"}, want: true},
		{name: "nil map", accounts: nil, want: false},
		{name: "empty map", accounts: map[string]string{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			auth := NewAuthenticator(tt.accounts)
			if got := auth.Enabled(); got != tt.want {
				t.Errorf("Enabled(): got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthenticator_VerifyPlain(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator(map[string]string{"testuser": "testpass"})

	tests := []struct {
		name    string
		encoded string
		wantErr bool
	}{
		{name: "success", encoded: b64("\x00testuser\x00testpass")},
		{name: "with authzid", encoded: b64("admin\x00testuser\x00testpass")},
		{name: "wrong password", encoded: b64("\x00testuser\x00wrongpass"), wantErr: true},
		{name: "wrong username", encoded: b64("\x00wronguser\x00testpass"), wantErr: true},
		{name: "invalid base64", encoded: "not-valid-base64!!!", wantErr: true},
		{name: "one separator", encoded: b64("testuser\x00testpass"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := auth.VerifyPlain(tt.encoded)
			if (err != nil) != tt.wantErr {
				t.Errorf("VerifyPlain: got err %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthenticator_VerifyLogin(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator(map[string]string{
		"alice@example.com": "alice-secret",
		"bob@example.com":   "bob-secret",
	})

	tests := []struct {
		name    string
		user    string
		pass    string
		wantErr bool
	}{
		{name: "first account", user: b64("alice@example.com"), pass: b64("alice-secret")},
		{name: "second account", user: b64("bob@example.com"), pass: b64("bob-secret")},
		{name: "crossed passwords", user: b64("alice@example.com"), pass: b64("bob-secret"), wantErr: true},
		{name: "unknown user", user: b64("eve@example.com"), pass: b64("alice-secret"), wantErr: true},
		{name: "invalid base64 user", user: "invalid!!!", pass: b64("alice-secret"), wantErr: true},
		{name: "invalid base64 pass", user: b64("alice@example.com"), pass: "invalid!!!", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := auth.VerifyLogin(tt.user, tt.pass)
			if (err != nil) != tt.wantErr {
				t.Errorf("VerifyLogin: got err %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
