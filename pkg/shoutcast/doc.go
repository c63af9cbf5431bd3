// Package shoutcast reads ICY/Shoutcast streams.
//
// It started as a fork of github.com/romantomjak/shoutcast and is tailored for
// relaying:
//   - Playlist resolution: .pls and .m3u URLs are resolved to the actual stream URL
//   - Metadata stripping: ICY metadata blocks are consumed so Read returns only audio
//   - Connect timeouts only, a healthy stream is read indefinitely
//   - Watch, a metadata-only reader that reports station name and title changes
package shoutcast
