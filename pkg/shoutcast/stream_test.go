package shoutcast

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// metaBlock encodes text as an ICY metadata block including its length byte.
func metaBlock(text string) []byte {
	if text == "" {
		return []byte{0}
	}

	size := (len(text) + 15) / 16
	block := make([]byte, 1+size*16)
	block[0] = byte(size)
	copy(block[1:], text)

	return block
}

type frame struct {
	audio []byte
	meta  string
}

// icyServer serves frames with the given metaint. A zero metaint serves the
// audio without metadata.
func icyServer(t *testing.T, name string, metaint int, frames []frame) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Icy-MetaData") != "1" {
			t.Errorf("missing Icy-MetaData request header")
		}
		if name != "" {
			w.Header().Set("icy-name", name)
		}
		if metaint > 0 {
			w.Header().Set("icy-metaint", strconv.Itoa(metaint))
		}
		w.Header().Set("Content-Type", "audio/mpeg")

		for _, f := range frames {
			_, _ = w.Write(f.audio)
			if metaint > 0 {
				_, _ = w.Write(metaBlock(f.meta))
			}
		}
	}))
	t.Cleanup(srv.Close)

	return srv
}

func audio(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestStreamStripsMetadata(t *testing.T) {
	frames := []frame{
		{audio: audio(1, 100), meta: "StreamTitle='First';"},
		{audio: audio(2, 100), meta: ""},
		{audio: audio(3, 100), meta: "StreamTitle='First';"},
		{audio: audio(4, 100), meta: "StreamTitle='Second';StreamUrl='';"},
	}
	srv := icyServer(t, "Test FM", 100, frames)

	s, err := Open(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, "Test FM", s.Name)
	require.Equal(t, 100, s.MetaInt())

	var titles []string
	s.MetadataCallbackFunc = func(m *Metadata) {
		titles = append(titles, m.StreamTitle)
	}

	got, err := io.ReadAll(s)
	require.NoError(t, err)

	var want []byte
	for _, f := range frames {
		want = append(want, f.audio...)
	}
	require.Equal(t, want, got)
	require.Equal(t, []string{"First", "Second"}, titles)
}

func TestStreamWithoutMetaint(t *testing.T) {
	srv := icyServer(t, "", 0, []frame{{audio: audio(7, 333)}})

	s, err := Open(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Len(t, got, 333)
}

func TestStreamTruncatedMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("icy-metaint", "10")
		_, _ = w.Write(audio(1, 10))
		_, _ = w.Write([]byte{2, 'S', 't'})
	}))
	defer srv.Close()

	s, err := Open(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = io.ReadAll(s)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStreamBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Open(context.Background(), srv.URL, Options{})
	require.Error(t, err)
}

func TestStreamReadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("icy-metaint", "100")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s, err := Open(context.Background(), srv.URL, Options{ReadTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(s)
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("read was not aborted")
	}
}

type recorder struct {
	mu     sync.Mutex
	names  []string
	titles []string
}

func (r *recorder) handler() Handler {
	return Handler{
		OnName: func(name string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.names = append(r.names, name)
		},
		OnTitle: func(title string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.titles = append(r.titles, title)
		},
	}
}

func TestWatchEmitsTitleOnce(t *testing.T) {
	srv := icyServer(t, "Test FM", 100, []frame{
		{audio: audio(1, 100), meta: "StreamTitle='Song A';"},
		{audio: audio(2, 100), meta: "StreamTitle='Song A';"},
		{audio: audio(3, 100), meta: ""},
		{audio: audio(4, 100), meta: "StreamTitle='';"},
		{audio: audio(5, 100), meta: "StreamTitle='Song A';"},
	})

	var (
		rec recorder
		buf bytes.Buffer
	)
	Watch(context.Background(), srv.URL, Options{}, &buf, rec.handler())

	require.Equal(t, []string{"Test FM"}, rec.names)
	require.Equal(t, []string{"Song A"}, rec.titles)
	require.Equal(t, 500, buf.Len())
}

func TestWatchTitleChanges(t *testing.T) {
	srv := icyServer(t, "", 16, []frame{
		{audio: audio(1, 16), meta: "StreamTitle='One';"},
		{audio: audio(1, 16), meta: "StreamTitle='Two';"},
		{audio: audio(1, 16), meta: "StreamTitle='One';"},
	})

	var rec recorder
	Watch(context.Background(), srv.URL, Options{}, nil, rec.handler())

	require.Empty(t, rec.names)
	require.Equal(t, []string{"One", "Two", "One"}, rec.titles)
}

func TestWatchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	var rec recorder
	Watch(context.Background(), srv.URL, Options{ConnectTimeout: time.Second}, nil, rec.handler())

	require.Empty(t, rec.names)
	require.Empty(t, rec.titles)
}

func TestWatchStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("icy-metaint", "8")
		for {
			if _, err := w.Write(append(audio(0, 8), 0)); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, srv.URL, Options{}, nil, Handler{})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
