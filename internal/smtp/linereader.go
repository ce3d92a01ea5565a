package smtp

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// maxLineLength bounds a single reply line. RFC 5321 allows 512 octets;
// the extra room tolerates chatty servers.
const maxLineLength = 4096

// LineReader yields newline-delimited lines from a byte stream. Bytes
// received past the current line stay buffered for the next call.
type LineReader struct {
	r *bufio.Reader
}

// NewLineReader returns a LineReader over r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReaderSize(r, maxLineLength)}
}

// Next blocks until a full line is available and returns it without its
// "\r\n" or "\n" terminator. A stream that ends before the next delimiter
// yields ErrConnectionClosed; any other read failure is a *TransportError.
func (lr *LineReader) Next() (string, error) {
	line, err := lr.r.ReadSlice('\n')
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		return "", ErrConnectionClosed
	case errors.Is(err, bufio.ErrBufferFull):
		return "", &TransportError{Op: "read", Err: errors.New("reply line too long")}
	default:
		return "", &TransportError{Op: "read", Err: err}
	}

	return strings.TrimSuffix(strings.TrimSuffix(string(line), "\n"), "\r"), nil
}
