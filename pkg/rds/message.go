package rds

import (
	"regexp"
	"strings"
)

// Kind is the RDS field a message updates.
type Kind string

const (
	// PS is the 8 character programme service name.
	PS Kind = "PS"
	// RT is the 64 character radiotext.
	RT Kind = "RT"
)

const (
	// DefaultPS is shown when a station name sanitizes to nothing.
	DefaultPS = "DanceUK"
	// DefaultRT is shown until the first title arrives.
	DefaultRT = "Streaming"

	maxPS = 8
	maxRT = 64
)

var psStrip = regexp.MustCompile(`[^0-9A-Za-z ]+`)

// Message is a single control channel command.
type Message struct {
	Kind Kind
	Text string
}

// Line renders the sanitized command, including the trailing newline.
func (m Message) Line() string {
	var text string
	switch m.Kind {
	case PS:
		text = SanitizePS(m.Text)
	default:
		text = SanitizeRT(m.Text)
	}

	return string(m.Kind) + " " + text + "\n"
}

// SanitizePS reduces text to something the PS field can carry.
func SanitizePS(text string) string {
	t := strings.TrimSpace(psStrip.ReplaceAllString(text, ""))
	if t == "" {
		t = DefaultPS
	}

	return truncate(t, maxPS)
}

// SanitizeRT trims text to the RT field. The result is never empty, an empty
// title becomes a single space.
func SanitizeRT(text string) string {
	// a newline in the payload would split the command
	t := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, text)

	t = strings.TrimSpace(t)
	if t == "" {
		t = " "
	}

	return truncate(t, maxRT)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n])
}
