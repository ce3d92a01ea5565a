// Package compose renders an outbound job into the multipart byte stream
// written to the SMTP DATA phase.
package compose

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shineum/smtp-outbox/internal/email"
)

// lineWidth is the maximum base64 line length per RFC 2045.
const lineWidth = 76

// defaultContentType is used for attachments stored without a type.
const defaultContentType = "application/octet-stream"

const (
	// foldWidth is the preferred header line length per RFC 5322.
	foldWidth = 78

	// maxLineLength is the hard limit on a header line, CRLF excluded.
	maxLineLength = 998
)

// ComposeError reports job data that cannot be rendered into a message.
type ComposeError struct {
	Field  string
	Reason string
}

func (e *ComposeError) Error() string {
	return fmt.Sprintf("compose: %s: %s", e.Field, e.Reason)
}

// NewBoundary returns a fresh boundary token. Uniqueness only has to avoid
// collisions with body content.
func NewBoundary() string {
	return "=_" + ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// Compose renders job and its attachments, in order, as a
// multipart/mixed message delimited by boundary. The plain and HTML bodies
// are line-normalized and dot-stuffed, attachments are re-wrapped base64.
// Compose performs no I/O.
func Compose(job *email.Job, attachments []email.Attachment, boundary string) ([]byte, error) {
	return composeAt(job, attachments, boundary, time.Now())
}

func composeAt(job *email.Job, attachments []email.Attachment, boundary string, now time.Time) ([]byte, error) {
	if job == nil {
		return nil, &ComposeError{Field: "job", Reason: "missing"}
	}
	if err := checkAddress("recipient", job.Recipient); err != nil {
		return nil, err
	}
	if err := checkAddress("sender_account", job.SenderAccount); err != nil {
		return nil, err
	}
	if err := checkHeaderValue("sender_name", job.SenderName); err != nil {
		return nil, err
	}
	if boundary == "" {
		return nil, &ComposeError{Field: "boundary", Reason: "required"}
	}

	from, err := foldHeader("From", FormatFrom(job.SenderName, job.SenderAccount))
	if err != nil {
		return nil, err
	}
	subject, err := foldHeader("Subject", encodeHeaderText(job.Subject))
	if err != nil {
		return nil, err
	}

	altBoundary := "alt-" + boundary

	var buf bytes.Buffer

	// Headers
	buf.WriteString(from)
	fmt.Fprintf(&buf, "To: %s\r\n", job.Recipient)
	buf.WriteString(subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s@%s>\r\n", strings.TrimPrefix(boundary, "=_"), domainOf(job.SenderAccount))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n", boundary)
	buf.WriteString("\r\n")

	// Alternative bodies
	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n", altBoundary)
	buf.WriteString("\r\n")
	writeTextPart(&buf, altBoundary, "text/plain", job.PlainBody)
	writeTextPart(&buf, altBoundary, "text/html", job.HTMLBody)
	fmt.Fprintf(&buf, "--%s--\r\n", altBoundary)

	// Attachments
	for i := range attachments {
		att := &attachments[i]
		wrapped, err := rewrapBase64(att.Data)
		if err != nil {
			return nil, &ComposeError{
				Field:  fmt.Sprintf("attachments[%d].data", i),
				Reason: err.Error(),
			}
		}

		contentType := strings.TrimSpace(att.ContentType)
		if contentType == "" {
			contentType = defaultContentType
		}
		if err := checkHeaderValue(fmt.Sprintf("attachments[%d].content_type", i), contentType); err != nil {
			return nil, err
		}
		contentID := strings.Trim(att.ContentID, "<>")
		if err := checkHeaderValue(fmt.Sprintf("attachments[%d].content_id", i), contentID); err != nil {
			return nil, err
		}
		if strings.ContainsAny(contentID, "<>") {
			return nil, &ComposeError{Field: fmt.Sprintf("attachments[%d].content_id", i), Reason: "contains angle bracket"}
		}
		filename := quoteParam(att.Filename)

		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		fmt.Fprintf(&buf, "Content-Type: %s; name=%s\r\n", contentType, filename)
		buf.WriteString("Content-Transfer-Encoding: base64\r\n")
		if att.Inline {
			if contentID != "" {
				fmt.Fprintf(&buf, "Content-ID: <%s>\r\n", contentID)
			}
			fmt.Fprintf(&buf, "Content-Disposition: inline; filename=%s\r\n", filename)
		} else {
			fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%s\r\n", filename)
		}
		buf.WriteString("\r\n")
		buf.WriteString(wrapped)
		buf.WriteString("\r\n")
	}

	fmt.Fprintf(&buf, "--%s--\r\n", boundary)

	return buf.Bytes(), nil
}

// writeTextPart writes one 7-bit (or 8-bit when needed) text part.
func writeTextPart(buf *bytes.Buffer, boundary, mediaType, body string) {
	encoding := "7bit"
	if !isASCII(body) {
		encoding = "8bit"
	}

	fmt.Fprintf(buf, "--%s\r\n", boundary)
	fmt.Fprintf(buf, "Content-Type: %s; charset=UTF-8\r\n", mediaType)
	fmt.Fprintf(buf, "Content-Transfer-Encoding: %s\r\n", encoding)
	buf.WriteString("\r\n")

	text := Sanitize(body)
	buf.WriteString(text)
	if !strings.HasSuffix(text, "\r\n") {
		buf.WriteString("\r\n")
	}
}

// FormatFrom renders the From header value: `"Name" <addr>` when a display
// name is set, the bare address otherwise.
func FormatFrom(name, address string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return address
	}
	if !isASCII(name) {
		return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("UTF-8", name), address)
	}
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name)
	return fmt.Sprintf("\"%s\" <%s>", escaped, address)
}

// Sanitize normalizes all line endings to CRLF and dot-stuffs every line
// that begins with a period. It is applied exactly once per body.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, ".") {
			lines[i] = "." + line
		}
	}
	return strings.Join(lines, "\r\n")
}

// Unstuff reverses dot-stuffing on a composed message, for transports that
// take the message outside of an SMTP DATA stream.
func Unstuff(msg []byte) []byte {
	lines := bytes.Split(msg, []byte("\r\n"))
	for i, line := range lines {
		if bytes.HasPrefix(line, []byte("..")) {
			lines[i] = line[1:]
		}
	}
	return bytes.Join(lines, []byte("\r\n"))
}

// rewrapBase64 strips any existing line breaks from stored base64 text,
// checks it decodes, and wraps it at lineWidth columns joined by CRLF.
func rewrapBase64(data string) (string, error) {
	compact := strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, data)

	if _, err := base64.StdEncoding.DecodeString(compact); err != nil {
		return "", fmt.Errorf("invalid base64: %w", err)
	}

	return WrapLines(compact, lineWidth), nil
}

// WrapLines splits s into lines of width characters joined by CRLF; the
// last line may be shorter.
func WrapLines(s string, width int) string {
	if len(s) <= width {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2*(len(s)/width))
	for i := 0; i < len(s); i += width {
		end := i + width
		if end > len(s) {
			end = len(s)
		}
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(s[i:end])
	}
	return b.String()
}

// encodeHeaderText Q-encodes non-ASCII header text and strips line breaks
// that would otherwise end the header early.
func encodeHeaderText(s string) string {
	s = strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
	if isASCII(s) {
		return s
	}
	return mime.QEncoding.Encode("UTF-8", s)
}

// foldHeader renders "name: value" with CRLF, breaking before spaces so
// lines stay within foldWidth where the words allow it. A word that still
// pushes a line past maxLineLength is an error.
func foldHeader(name, value string) (string, error) {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte(':')

	lineLen := len(name) + 1
	for i, word := range strings.Split(value, " ") {
		if i > 0 && word != "" && lineLen+1+len(word) > foldWidth {
			b.WriteString("\r\n")
			lineLen = 0
		}
		b.WriteByte(' ')
		b.WriteString(word)
		lineLen += 1 + len(word)
		if lineLen > maxLineLength {
			return "", &ComposeError{
				Field:  strings.ToLower(name),
				Reason: fmt.Sprintf("header line exceeds %d octets", maxLineLength),
			}
		}
	}
	b.WriteString("\r\n")
	return b.String(), nil
}

// checkAddress rejects empty addresses and anything that would break out
// of an SMTP path or an address header.
func checkAddress(field, address string) error {
	if strings.TrimSpace(address) == "" {
		return &ComposeError{Field: field, Reason: "required"}
	}
	if err := checkHeaderValue(field, address); err != nil {
		return err
	}
	if strings.ContainsAny(address, "<>") {
		return &ComposeError{Field: field, Reason: "contains angle bracket"}
	}
	return nil
}

// checkHeaderValue rejects values that would end a header line early.
func checkHeaderValue(field, v string) error {
	if strings.ContainsAny(v, "\r\n\x00") {
		return &ComposeError{Field: field, Reason: "contains line break or NUL"}
	}
	return nil
}

// quoteParam renders a MIME parameter value as a quoted string, falling
// back to an RFC 2047 word for non-ASCII filenames as the SES raw builder did.
func quoteParam(v string) string {
	if v == "" {
		v = "attachment"
	}
	if !isASCII(v) {
		v = mime.QEncoding.Encode("UTF-8", v)
	}
	return fmt.Sprintf("%q", v)
}

func domainOf(address string) string {
	if at := strings.LastIndex(address, "@"); at >= 0 && at < len(address)-1 {
		return address[at+1:]
	}
	return "localhost"
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
