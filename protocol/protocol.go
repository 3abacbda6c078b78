package protocol

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// MaxLineLength caps both command lines and message bodies. A line that
// reaches this many bytes without a CRLF terminator is a protocol
// violation.
const MaxLineLength = 1664

var (
	ErrLineTooLong   = errors.New("line exceeds maximum length")
	ErrUnexpectedEnd = errors.New("unexpected end of stream before line terminator")
)

// Numeric error codes sent as "<code> <trId>" reply lines.
const (
	ErrCodeInvalidParameter = "201"
	ErrCodeNotFoundAdd      = "205"
	ErrCodeNameTooLong      = "209"
	ErrCodeListFull         = "210"
	ErrCodeAlreadyThere     = "215"
	ErrCodeNotFoundRemove   = "216"
	ErrCodeInvalidListType  = "224"
	ErrCodeInternal         = "500"
	ErrCodeNoSuchUser       = "911"
)

// ReadLine returns the next CRLF-terminated line, excluding the
// terminator. The reader buffers excess bytes across calls, so a single
// network read may carry part of a line or several lines. Reaching
// MaxLineLength without a terminator or hitting end of stream mid-line
// fails the connection.
func ReadLine(r *bufio.Reader) (string, error) {
	var buf [MaxLineLength + 2]byte
	n := 0

	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && n > 0 {
				return "", ErrUnexpectedEnd
			}
			return "", err
		}

		buf[n] = b
		n++

		if n >= 2 && buf[n-2] == '\r' && buf[n-1] == '\n' {
			return string(buf[:n-2]), nil
		}
		if n >= len(buf) {
			return "", ErrLineTooLong
		}
	}
}

// ReadBlock reads exactly length bytes from the stream. Used for message
// bodies, which have no terminator.
func ReadBlock(r *bufio.Reader, length int) ([]byte, error) {
	block := make([]byte, length)
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, err
	}
	return block, nil
}

// SplitCommand tokenizes a command line. Arguments are positional and
// space-separated; emails and display names with embedded spaces are a
// known limitation of the wire format.
func SplitCommand(line string) []string {
	return strings.Split(line, " ")
}

// Join builds a command line from its tokens, without the terminator.
func Join(args ...string) string {
	return strings.Join(args, " ")
}
