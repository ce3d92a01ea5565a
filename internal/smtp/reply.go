package smtp

import (
	"strconv"
	"strings"
)

// classifyReply inspects one reply line against the expected code.
// "<code> " or a bare "<code>" ends the reply, "<code>-" continues it.
// Anything else is an *UnexpectedReplyError.
func classifyReply(line string, code int, stage string) (final bool, err error) {
	prefix := strconv.Itoa(code)
	if line == prefix || strings.HasPrefix(line, prefix+" ") {
		return true, nil
	}
	if strings.HasPrefix(line, prefix+"-") {
		return false, nil
	}
	return false, &UnexpectedReplyError{Expected: code, Line: line, Stage: stage}
}

// readReply consumes one logical reply, merging continuation lines, and
// returns its final line.
func readReply(lr *LineReader, code int, stage string) (string, error) {
	for {
		line, err := lr.Next()
		if err != nil {
			return "", err
		}
		final, err := classifyReply(line, code, stage)
		if err != nil {
			return "", err
		}
		if final {
			return line, nil
		}
	}
}
