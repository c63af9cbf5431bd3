package streamer

import (
	"io"
	"time"

	"go.uber.org/atomic"
)

// forwarder copies PCM into the encoder and tracks when audio last got
// through.
type forwarder struct {
	w         io.Writer
	bytes     atomic.Int64
	lastWrite atomic.Int64 // unix nanos
	failed    atomic.Bool
	onError   func(error)
	now       func() time.Time
}

func newForwarder(w io.Writer, now func() time.Time, onError func(error)) *forwarder {
	f := &forwarder{
		w:       w,
		onError: onError,
		now:     now,
	}
	f.lastWrite.Store(now().UnixNano())

	return f
}

func (f *forwarder) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if n > 0 {
		f.bytes.Add(int64(n))
		f.lastWrite.Store(f.now().UnixNano())
		metricForwardedBytes.Add(float64(n))
	}

	if err != nil && f.failed.CompareAndSwap(false, true) && f.onError != nil {
		f.onError(err)
	}

	return n, err
}

// Written is the number of bytes that reached the encoder.
func (f *forwarder) Written() int64 {
	return f.bytes.Load()
}

// Idle is the time since the last successful write, or since the forwarder
// was created.
func (f *forwarder) Idle() time.Duration {
	return f.now().Sub(time.Unix(0, f.lastWrite.Load()))
}
