// Package parser reads a composed RFC 5322 message back into its logical
// pieces. It is used to preview outgoing mail and to inspect what a test
// SMTP server received.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/emersion/go-message/mail"
)

// Message is the parsed view of a composed email.
type Message struct {
	From      string
	To        []string
	Subject   string
	MessageID string
	TextBody  string
	HTMLBody  string

	// Parts holds every non-body part (attachments and inline images) in
	// the order they appear.
	Parts []Part
}

// Part is a decoded attachment or inline part.
type Part struct {
	Filename    string
	ContentType string
	ContentID   string
	Disposition string
	Content     []byte
}

// Inline reports whether the part is referenced from the HTML body.
func (p *Part) Inline() bool {
	return p.Disposition == "inline"
}

// Parse parses a raw message (not dot-stuffed). Nested multiparts are
// flattened; transfer encodings are decoded.
func Parse(raw []byte) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	result := &Message{
		From:      mr.Header.Get("From"),
		MessageID: strings.Trim(mr.Header.Get("Message-Id"), "<>"),
	}

	if subject, err := mr.Header.Subject(); err == nil {
		result.Subject = subject
	} else {
		result.Subject = mr.Header.Get("Subject")
	}

	result.To = parseAddressList(mr.Header)

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		content, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read part content: %w", err)
		}

		part := describePart(p.Header, content)

		if part.Disposition == "" && part.Filename == "" {
			switch part.ContentType {
			case "text/plain":
				if result.TextBody == "" {
					result.TextBody = string(content)
					continue
				}
			case "text/html":
				if result.HTMLBody == "" {
					result.HTMLBody = string(content)
					continue
				}
			}
		}

		if part.Filename == "" {
			slog.Debug("unnamed MIME part",
				"content_type", part.ContentType,
				"disposition", part.Disposition,
			)
		}
		result.Parts = append(result.Parts, part)
	}

	return result, nil
}

// describePart extracts content type, disposition, filename and content id
// from a part header.
func describePart(h mail.PartHeader, content []byte) Part {
	part := Part{
		ContentType: "text/plain",
		ContentID:   strings.Trim(h.Get("Content-Id"), "<> "),
		Content:     content,
	}

	var typeParams map[string]string
	if ct := h.Get("Content-Type"); ct != "" {
		mediaType, params, err := mime.ParseMediaType(ct)
		if err != nil {
			slog.Warn("failed to parse part content type",
				"content_type", ct,
				"error", err,
			)
		} else {
			part.ContentType = mediaType
			typeParams = params
		}
	}

	if cd := h.Get("Content-Disposition"); cd != "" {
		disposition, params, err := mime.ParseMediaType(cd)
		if err == nil {
			part.Disposition = disposition
			part.Filename = decodeWord(params["filename"])
		}
	}

	if part.Filename == "" && typeParams != nil {
		part.Filename = decodeWord(typeParams["name"])
	}

	return part
}

// decodeWord decodes an RFC 2047 encoded filename, returning the input
// unchanged when it is not encoded.
func decodeWord(s string) string {
	if s == "" {
		return s
	}
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// parseAddressList returns the bare addresses of the To header.
func parseAddressList(h mail.Header) []string {
	addrs, err := h.AddressList("To")
	if err != nil || len(addrs) == 0 {
		raw := strings.TrimSpace(h.Get("To"))
		if raw == "" {
			return nil
		}
		return []string{raw}
	}

	result := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		result = append(result, addr.Address)
	}
	return result
}
