package stream

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/protocol"
)

// A child opens a stream with one plain text line
//
//	STREAM <machine guid> '<hostname>' <capability>...
//
// and the parent answers with either
//
//	STREAM_OK <capability>...
//	STREAM_DENY '<reason>'
//
// The capabilities in STREAM_OK are those both sides share. When they
// include a codec, everything the child sends after the answer is framed
// by that codec. The parent's lines to the child stay plain.
const (
	helloWord = "STREAM"
	okWord    = "STREAM_OK"
	denyWord  = "STREAM_DENY"
)

// Hello is the first line of a child stream.
type Hello struct {
	GUID         string
	Hostname     string
	Capabilities protocol.Capabilities
}

// IsHello reports whether line opens a child stream.
func IsHello(line string) bool {
	return strings.HasPrefix(line, helloWord+" ")
}

// Line renders the hello line.
func (h Hello) Line() string {
	var b strings.Builder
	b.WriteString(helloWord)
	b.WriteByte(' ')
	b.WriteString(h.GUID)
	b.WriteString(" '")
	b.WriteString(h.Hostname)
	b.WriteByte('\'')
	for _, n := range h.Capabilities.Names() {
		b.WriteByte(' ')
		b.WriteString(n)
	}
	b.WriteByte('\n')
	return b.String()
}

// ParseHello parses a hello line. Capabilities this side does not know
// are ignored so newer children can still connect.
func ParseHello(line string) (Hello, error) {
	words := protocol.Split(strings.TrimSpace(line), nil)
	if len(words) < 3 || words[0] != helloWord {
		return Hello{}, fmt.Errorf("%w: malformed hello %q", errors.ErrHandshake, truncate(line))
	}
	id, err := uuid.Parse(words[1])
	if err != nil {
		return Hello{}, fmt.Errorf("%w: %w: %q", errors.ErrHandshake, errors.ErrInvalidHostGUID, words[1])
	}
	return Hello{
		GUID:         id.String(),
		Hostname:     words[2],
		Capabilities: parseCaps(words[3:]),
	}, nil
}

// Accept answers a hello with the shared capabilities.
func Accept(w io.Writer, shared protocol.Capabilities) error {
	line := okWord
	if names := shared.Names(); len(names) > 0 {
		line += " " + strings.Join(names, " ")
	}
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		return fmt.Errorf("write accept: %w", err)
	}
	return nil
}

// Deny refuses a hello.
func Deny(w io.Writer, reason string) error {
	if _, err := fmt.Fprintf(w, "%s '%s'\n", denyWord, strings.ReplaceAll(reason, "'", "")); err != nil {
		return fmt.Errorf("write deny: %w", err)
	}
	return nil
}

// ReadReply reads the parent's answer to a hello and returns the shared
// capabilities. A refusal is returned as an error wrapping ErrDenied.
func ReadReply(r *bufio.Reader) (protocol.Capabilities, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("%w: read reply: %w", errors.ErrHandshake, err)
	}
	words := protocol.Split(strings.TrimSpace(line), nil)
	if len(words) == 0 {
		return 0, fmt.Errorf("%w: empty reply", errors.ErrHandshake)
	}
	switch words[0] {
	case okWord:
		return parseCaps(words[1:]), nil
	case denyWord:
		reason := ""
		if len(words) > 1 {
			reason = words[1]
		}
		return 0, fmt.Errorf("%w: %s", errors.ErrDenied, reason)
	default:
		return 0, fmt.Errorf("%w: unexpected reply %q", errors.ErrHandshake, truncate(line))
	}
}

func parseCaps(names []string) protocol.Capabilities {
	var caps protocol.Capabilities
	for _, n := range names {
		c, err := protocol.ParseCapabilities([]string{n})
		if err != nil {
			continue
		}
		caps |= c
	}
	return caps
}

func truncate(s string) string {
	const limit = 120
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
