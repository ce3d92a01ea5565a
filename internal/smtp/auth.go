// Package smtp implements the outbound SMTP client: an implicit-TLS
// socket, a strict linear command exchange and chunked DATA transfer.
package smtp

import "encoding/base64"

// loginCredentials encodes the two AUTH LOGIN response lines: the raw
// username and the raw password, each base64 on its own line.
func loginCredentials(username, password string) (user, pass string) {
	return base64.StdEncoding.EncodeToString([]byte(username)),
		base64.StdEncoding.EncodeToString([]byte(password))
}
