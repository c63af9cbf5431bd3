package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func script(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fake-decoder")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))

	return path
}

type collector struct {
	ch chan Message
}

func newCollector() *collector {
	return &collector{ch: make(chan Message, 64)}
}

func (c *collector) bus(m Message) {
	c.ch <- m
}

func (c *collector) next(t *testing.T) Message {
	t.Helper()

	select {
	case m := <-c.ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no pipeline message")
	}

	return Message{}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func metaBlock(text string) []byte {
	size := (len(text) + 15) / 16
	block := make([]byte, 1+size*16)
	block[0] = byte(size)
	copy(block[1:], text)
	return block
}

func TestArgs(t *testing.T) {
	tags := Args(Config{SampleRate: 44100}, "pipe:0")
	require.Equal(t, []string{
		"-hide_banner", "-loglevel", "warning",
		"-i", "pipe:0", "-vn", "-f", "wav", "-acodec", "pcm_s16le",
		"-ar", "44100", "-ac", "2", "pipe:1",
	}, tags)

	icy := Args(Config{ReadTimeout: 15 * time.Second}, "http://radio.example/live")
	require.Equal(t, []string{
		"-hide_banner", "-loglevel", "warning",
		"-nostdin", "-rw_timeout", "15000000",
		"-i", "http://radio.example/live", "-vn", "-f", "wav", "-acodec", "pcm_s16le",
		"-ar", "76000", "-ac", "2", "pipe:1",
	}, icy)
}

func TestModeValidate(t *testing.T) {
	require.NoError(t, ModeICY.Validate())
	require.NoError(t, ModeTags.Validate())
	require.Error(t, Mode("gstreamer").Validate())
}

func TestPlayMissingDecoder(t *testing.T) {
	c := newCollector()
	p := New(Config{Decoder: filepath.Join(t.TempDir(), "ffmpeg")}, c.bus, slog.Default())

	err := p.Play(context.Background(), "http://radio.example/", &syncBuffer{})
	require.ErrorIs(t, err, ErrStageMissing)
	require.NoError(t, p.Stop())
}

func TestPlayTagsMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("icy-name", "Test FM")
		w.Header().Set("icy-metaint", "16")
		w.Header().Set("Content-Type", "audio/mpeg")
		for _, title := range []string{"One", "One", "Two"} {
			_, _ = w.Write(bytes.Repeat([]byte("a"), 16))
			_, _ = w.Write(metaBlock("StreamTitle='" + title + "';"))
		}
		_, _ = w.Write(bytes.Repeat([]byte("b"), 8))
	}))
	defer srv.Close()

	c := newCollector()
	out := &syncBuffer{}
	p := New(Config{Decoder: script(t, "exec cat"), Mode: ModeTags}, c.bus, slog.Default())

	require.NoError(t, p.Play(context.Background(), srv.URL, out))

	require.Equal(t, Message{Type: MessageTag, Tags: map[string]string{TagOrganization: "Test FM"}}, c.next(t))
	require.Equal(t, Message{Type: MessageTag, Tags: map[string]string{TagTitle: "One"}}, c.next(t))
	require.Equal(t, Message{Type: MessageTag, Tags: map[string]string{TagTitle: "Two"}}, c.next(t))
	require.Equal(t, MessageEOS, c.next(t).Type)

	require.NoError(t, p.Stop())
	require.Equal(t, string(bytes.Repeat([]byte("a"), 48))+"bbbbbbbb", out.String())
}

func TestPlayICYModeEOS(t *testing.T) {
	c := newCollector()
	out := &syncBuffer{}
	p := New(Config{Decoder: script(t, "printf RIFFdata"), Mode: ModeICY}, c.bus, slog.Default())

	require.NoError(t, p.Play(context.Background(), "http://radio.example/", out))
	require.Equal(t, MessageEOS, c.next(t).Type)
	require.NoError(t, p.Stop())
	require.Equal(t, "RIFFdata", out.String())
}

func TestPlayDecoderFails(t *testing.T) {
	c := newCollector()
	p := New(Config{Decoder: script(t, "echo 'Connection refused' >&2; exit 2"), Mode: ModeICY}, c.bus, slog.Default())

	require.NoError(t, p.Play(context.Background(), "http://radio.example/", &syncBuffer{}))

	m := c.next(t)
	require.Equal(t, MessageError, m.Type)
	require.Error(t, m.Err)
	require.NoError(t, p.Stop())
}

func TestPlayOutputWriteFails(t *testing.T) {
	c := newCollector()
	p := New(Config{Decoder: script(t, "exec yes"), Mode: ModeICY}, c.bus, slog.Default())

	require.NoError(t, p.Play(context.Background(), "http://radio.example/", failingWriter{}))

	m := c.next(t)
	require.Equal(t, MessageError, m.Type)
	require.ErrorContains(t, m.Err, "output write failed")
	require.NoError(t, p.Stop())

	select {
	case m := <-c.ch:
		t.Fatalf("unexpected second terminal message %v", m.Type)
	default:
	}
}

func TestStopIsQuiet(t *testing.T) {
	c := newCollector()
	p := New(Config{Decoder: script(t, "exec sleep 30"), Mode: ModeICY, StopGrace: 500 * time.Millisecond}, c.bus, slog.Default())

	require.NoError(t, p.Play(context.Background(), "http://radio.example/", &syncBuffer{}))

	start := time.Now()
	require.NoError(t, p.Stop())
	require.Less(t, time.Since(start), 3*time.Second)
	require.NoError(t, p.Stop())

	select {
	case m := <-c.ch:
		t.Fatalf("unexpected message after stop: %v", m.Type)
	default:
	}

	require.Error(t, p.Play(context.Background(), "http://radio.example/", &syncBuffer{}))
}

func TestPlayUnreachableSource(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := newCollector()
	p := New(Config{Decoder: script(t, "exec cat"), Mode: ModeTags}, c.bus, slog.Default())

	require.Error(t, p.Play(context.Background(), srv.URL, &syncBuffer{}))
	require.NoError(t, p.Stop())
}

// stuckWriter blocks every write until released, like an encoder that has
// stopped reading its input.
type stuckWriter struct {
	release chan struct{}
}

func (w *stuckWriter) Write([]byte) (int, error) {
	<-w.release
	return 0, errors.New("input closed")
}

func TestStopWithBlockedOutput(t *testing.T) {
	c := newCollector()
	out := &stuckWriter{release: make(chan struct{})}
	p := New(Config{Decoder: script(t, "exec cat /dev/zero"), Mode: ModeICY, StopGrace: 100 * time.Millisecond}, c.bus, slog.Default())

	require.NoError(t, p.Play(context.Background(), "http://radio.example/", out))

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop() }()

	select {
	case err := <-stopped:
		require.ErrorIs(t, err, ErrStopTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on a stuck output")
	}

	close(out.release)
	require.Eventually(t, func() bool { return p.Stop() == nil }, 5*time.Second, 50*time.Millisecond)

	select {
	case m := <-c.ch:
		t.Fatalf("unexpected message after stop: %v", m.Type)
	default:
	}
}
