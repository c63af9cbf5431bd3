package shoutcast

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultConnectTimeout bounds dialing and waiting for response headers.
	DefaultConnectTimeout = 15 * time.Second

	userAgent = "fmstreamer/1.0"
)

// MetadataCallbackFunc is the type of the function called when the stream metadata changes
type MetadataCallbackFunc func(m *Metadata)

// Options control how a stream is opened.
type Options struct {
	// ConnectTimeout covers dialing and response headers. There is no timeout
	// on the body.
	ConnectTimeout time.Duration

	// ReadTimeout aborts the stream when a single read makes no progress for
	// this long. Zero disables it.
	ReadTimeout time.Duration

	// ResolvePlaylists fetches the URL once to follow .pls/.m3u playlists.
	ResolvePlaylists bool

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	return o
}

func (o Options) client() *http.Client {
	dialer := &net.Dialer{Timeout: o.ConnectTimeout}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   o.ConnectTimeout,
		ResponseHeaderTimeout: o.ConnectTimeout,
	}

	// No client timeout, the body is read for as long as the stream lasts.
	return &http.Client{Transport: transport}
}

// Stream represents an open shoutcast stream.
type Stream struct {
	// The name of the server
	Name string

	// What category the server falls under
	Genre string

	// The description of the stream
	Description string

	// Homepage of the server
	URL string

	// Bitrate of the server
	Bitrate int

	// Optional function to be executed when stream metadata changes
	MetadataCallbackFunc MetadataCallbackFunc

	// Amount of bytes to read before expecting a metadata block, zero when
	// the server sends no metadata
	metaint int

	// Stream metadata
	metadata *Metadata

	// The number of audio bytes read since last metadata block
	pos int

	r         *bufio.Reader
	rc        io.ReadCloser
	closeOnce sync.Once
	logger    *slog.Logger
}

func newRequest(ctx context.Context, url string, icy bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", userAgent)
	if icy {
		req.Header.Set("Icy-MetaData", "1")
	}

	return req, nil
}

// Open establishes a connection to a remote server and requests in-band
// metadata. The stream lives until ctx is cancelled or Close is called.
func Open(ctx context.Context, url string, opts Options) (*Stream, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("url", url)
	client := opts.client()

	if opts.ResolvePlaylists {
		resolvedURL, err := resolvePlaylistURL(ctx, client, url)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve playlist URL: %w", err)
		}
		if resolvedURL != url {
			logger.Info("resolved playlist", "stream", resolvedURL)
			url = resolvedURL
		}
	}

	req, err := newRequest(ctx, url, true)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	for k, v := range resp.Header {
		logger.Debug("http header", "key", k, "value", v[0])
	}

	var bitrate int
	if rawBitrate := resp.Header.Get("icy-br"); rawBitrate != "" {
		// some servers send "128,128"
		if bitrate, err = strconv.Atoi(rawBitrate); err != nil {
			logger.Debug("cannot parse bitrate", "icy-br", rawBitrate)
		}
	}

	var metaint int
	if raw := resp.Header.Get("icy-metaint"); raw != "" {
		metaint, err = strconv.Atoi(raw)
		if err != nil || metaint < 0 {
			resp.Body.Close()
			return nil, fmt.Errorf("cannot parse metaint %q: %v", raw, err)
		}
	}

	body := resp.Body
	if opts.ReadTimeout > 0 {
		body = newDeadlineReader(body, opts.ReadTimeout)
	}

	return &Stream{
		Name:        resp.Header.Get("icy-name"),
		Genre:       resp.Header.Get("icy-genre"),
		Description: resp.Header.Get("icy-description"),
		URL:         resp.Header.Get("icy-url"),
		Bitrate:     bitrate,
		metaint:     metaint,
		r:           bufio.NewReaderSize(body, 16*1024),
		rc:          body,
		logger:      logger,
	}, nil
}

// MetaInt returns the metadata interval announced by the server.
func (s *Stream) MetaInt() int {
	return s.metaint
}

// Read implements the standard Read interface. Only audio bytes are
// returned, metadata blocks are consumed and reported through
// MetadataCallbackFunc.
func (s *Stream) Read(buf []byte) (int, error) {
	if s.metaint == 0 {
		return s.r.Read(buf)
	}

	if s.pos == s.metaint {
		if err := s.readMetadata(); err != nil {
			return 0, err
		}
		s.pos = 0
	}

	if remaining := s.metaint - s.pos; len(buf) > remaining {
		buf = buf[:remaining]
	}

	n, err := s.r.Read(buf)
	s.pos += n

	return n, err
}

// readMetadata consumes one length byte and the block that follows it.
func (s *Stream) readMetadata() error {
	var lenByte [1]byte
	if _, err := io.ReadFull(s.r, lenByte[:]); err != nil {
		return err
	}

	size := int(lenByte[0]) * 16
	if size == 0 {
		return nil
	}

	block := make([]byte, size)
	if _, err := io.ReadFull(s.r, block); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}

	if m := NewMetadata(block); !m.Equals(s.metadata) {
		s.metadata = m
		if s.MetadataCallbackFunc != nil {
			s.MetadataCallbackFunc(m)
		}
	}

	return nil
}

// Close closes the stream
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Debug("closing stream")
		err = s.rc.Close()
	})

	return err
}

// deadlineReader closes the underlying body when a single Read blocks for
// longer than timeout, which unblocks it with an error.
type deadlineReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
}

func newDeadlineReader(rc io.ReadCloser, timeout time.Duration) *deadlineReader {
	d := &deadlineReader{rc: rc, timeout: timeout}
	d.timer = time.AfterFunc(timeout, func() { _ = rc.Close() })
	d.timer.Stop()

	return d
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	d.timer.Reset(d.timeout)
	n, err := d.rc.Read(p)
	d.timer.Stop()

	return n, err
}

func (d *deadlineReader) Close() error {
	d.timer.Stop()
	return d.rc.Close()
}
