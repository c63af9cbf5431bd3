package shoutcast

import (
	"bytes"
	"regexp"
	"strings"
)

var (
	streamTitleRe = regexp.MustCompile(`(?is)StreamTitle='(.*?)';`)
	streamURLRe   = regexp.MustCompile(`(?is)StreamUrl='(.*?)';`)
)

// Metadata is one decoded ICY metadata block.
type Metadata struct {
	StreamTitle string
	StreamURL   string
}

// NewMetadata decodes a raw metadata block. Decoding is best effort: NUL
// padding is dropped and invalid UTF-8 is discarded.
func NewMetadata(b []byte) *Metadata {
	text := strings.ToValidUTF8(string(bytes.TrimRight(b, "\x00")), "")

	m := &Metadata{}
	if match := streamTitleRe.FindStringSubmatch(text); match != nil {
		m.StreamTitle = strings.TrimSpace(match[1])
	}
	if match := streamURLRe.FindStringSubmatch(text); match != nil {
		m.StreamURL = strings.TrimSpace(match[1])
	}

	return m
}

// Equals compares two metadata blocks; nil only equals nil.
func (m *Metadata) Equals(other *Metadata) bool {
	if m == nil || other == nil {
		return m == other
	}

	return m.StreamTitle == other.StreamTitle && m.StreamURL == other.StreamURL
}
