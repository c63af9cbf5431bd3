package shoutcast

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxPlaylistSize bounds how much of a response is inspected for playlist
// entries, a live stream body never ends.
const maxPlaylistSize = 64 * 1024

// parsePLS parses a PLS playlist file and returns the first stream URL
func parsePLS(body io.Reader) (string, error) {
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(strings.ToLower(line), "file") {
			continue
		}

		_, url, ok := strings.Cut(line, "=")
		if url = strings.TrimSpace(url); ok && url != "" {
			return url, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read playlist: %w", err)
	}

	return "", fmt.Errorf("no stream URL found in PLS playlist")
}

// parseM3U parses an M3U playlist file and returns the first stream URL
func parseM3U(body io.Reader) (string, error) {
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			return line, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read playlist: %w", err)
	}

	return "", fmt.Errorf("no stream URL found in M3U playlist")
}

func isPLS(url, contentType string) bool {
	return strings.Contains(contentType, "audio/x-scpls") ||
		strings.Contains(contentType, "application/pls+xml") ||
		strings.HasSuffix(url, ".pls")
}

func isM3U(url, contentType string) bool {
	return strings.Contains(contentType, "audio/mpegurl") ||
		strings.Contains(contentType, "audio/x-mpegurl") ||
		strings.Contains(contentType, "application/vnd.apple.mpegurl") ||
		strings.HasSuffix(url, ".m3u") ||
		strings.HasSuffix(url, ".m3u8")
}

// resolvePlaylistURL returns the stream URL behind a playlist, or url itself
// when it already points at a stream.
func resolvePlaylistURL(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := newRequest(ctx, url, false)
	if err != nil {
		return "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))

	var parse func(io.Reader) (string, error)
	switch {
	case resp.Header.Get("icy-metaint") != "", resp.Header.Get("icy-name") != "":
		return url, nil
	case isPLS(url, contentType):
		parse = parsePLS
	case isM3U(url, contentType):
		parse = parseM3U
	default:
		return url, nil
	}

	streamURL, err := parse(io.LimitReader(resp.Body, maxPlaylistSize))
	if err != nil {
		return "", fmt.Errorf("failed to parse playlist %s: %w", url, err)
	}

	return streamURL, nil
}
