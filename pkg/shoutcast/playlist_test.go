package shoutcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePLS(t *testing.T) {
	body := "[playlist]\nNumberOfEntries=2\nFile1=http://a.example/stream\nTitle1=A\nFile2=http://b.example/stream\n"

	url, err := parsePLS(strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, "http://a.example/stream", url)

	_, err = parsePLS(strings.NewReader("[playlist]\nNumberOfEntries=0\n"))
	require.Error(t, err)
}

func TestParseM3U(t *testing.T) {
	body := "#EXTM3U\n#EXTINF:-1,Station\n\nhttps://a.example/live.mp3\nhttp://b.example/\n"

	url, err := parseM3U(strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, "https://a.example/live.mp3", url)

	_, err = parseM3U(strings.NewReader("#EXTM3U\n"))
	require.Error(t, err)
}

func TestResolvePlaylistURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/list.pls", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/x-scpls")
		_, _ = w.Write([]byte("[playlist]\nFile1=http://stream.example/live\n"))
	})
	mux.HandleFunc("/list.m3u", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("http://stream.example/m3u\n"))
	})
	mux.HandleFunc("/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("icy-metaint", "8192")
		w.Header().Set("Content-Type", "audio/mpeg")
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := Options{}.withDefaults().client()
	ctx := context.Background()

	cases := map[string]string{
		"/list.pls": "http://stream.example/live",
		"/list.m3u": "http://stream.example/m3u",
		"/live":     srv.URL + "/live",
		"/plain":    srv.URL + "/plain",
	}
	for path, want := range cases {
		got, err := resolvePlaylistURL(ctx, client, srv.URL+path)
		require.NoError(t, err, path)
		require.Equal(t, want, got, path)
	}
}
