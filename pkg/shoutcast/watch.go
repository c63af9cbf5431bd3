package shoutcast

import (
	"context"
	"errors"
	"io"
)

// Handler receives what Watch learns about a stream.
type Handler struct {
	// OnName is called once with the icy-name header, if present.
	OnName func(name string)
	// OnTitle is called for every non-empty title that differs from the
	// previous one.
	OnTitle func(title string)
}

// Watch reads the stream at url for in-band metadata until it ends or ctx is
// cancelled. Audio bytes are copied to audio, nil discards them. A server
// without icy-metaint is still read to the end, there is just nothing to
// report.
//
// Watch does not return an error. The end of a metadata source says nothing
// about the health of the audio it describes, callers that care about the
// audio watch it separately.
func Watch(ctx context.Context, url string, opts Options, audio io.Writer, h Handler) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("url", url)

	s, err := Open(ctx, url, opts)
	if err != nil {
		logger.Debug("metadata source unavailable", "err", err)
		return
	}
	defer s.Close()

	if s.Name != "" && h.OnName != nil {
		h.OnName(s.Name)
	}

	if s.MetaInt() == 0 {
		logger.Debug("server sent no icy-metaint, no titles will be reported")
	}

	var last string
	s.MetadataCallbackFunc = func(m *Metadata) {
		if m.StreamTitle == "" || m.StreamTitle == last {
			return
		}
		last = m.StreamTitle
		if h.OnTitle != nil {
			h.OnTitle(last)
		}
	}

	if audio == nil {
		audio = io.Discard
	}

	n, err := io.Copy(audio, s)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Debug("metadata source ended", "bytes", n)
	default:
		logger.Debug("metadata source ended", "bytes", n, "err", err)
	}
}
