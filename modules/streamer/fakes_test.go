package streamer

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/zachfi/fmstreamer/pkg/encoder"
	"github.com/zachfi/fmstreamer/pkg/pipeline"
	"github.com/zachfi/fmstreamer/pkg/rds"
	"github.com/zachfi/fmstreamer/pkg/shoutcast"
)

type fakeChannel struct {
	mu      sync.Mutex
	msgs    []rds.Message
	closed  bool
	onClose func()
}

func (c *fakeChannel) Send(m rds.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		if c.onClose != nil {
			c.onClose()
		}
	}
	return nil
}

func (c *fakeChannel) messages() []rds.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rds.Message(nil), c.msgs...)
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeEncoder struct {
	input       io.Writer
	code        atomic.Int64
	exited      atomic.Bool
	inputClosed atomic.Bool
	terminated  atomic.Bool
}

func (e *fakeEncoder) Input() io.Writer { return e.input }

func (e *fakeEncoder) CloseInput() error {
	e.inputClosed.Store(true)
	return nil
}

func (e *fakeEncoder) Exited() (int, bool) {
	return int(e.code.Load()), e.exited.Load()
}

func (e *fakeEncoder) Terminate(time.Duration) error {
	e.terminated.Store(true)
	e.exited.Store(true)
	return nil
}

func (e *fakeEncoder) exit(code int) {
	e.code.Store(int64(code))
	e.exited.Store(true)
}

type fakePipeline struct {
	bus     pipeline.Bus
	out     io.Writer
	playErr error
	onPlay  func(p *fakePipeline)
	stopped atomic.Bool
}

func (p *fakePipeline) Play(_ context.Context, _ string, out io.Writer) error {
	if p.playErr != nil {
		return p.playErr
	}
	p.out = out
	if p.onPlay != nil {
		p.onPlay(p)
	}
	return nil
}

func (p *fakePipeline) Stop() error {
	p.stopped.Store(true)
	return nil
}

type errWriter struct{ err error }

func (w errWriter) Write([]byte) (int, error) { return 0, w.err }

type syncBuffer struct {
	mu sync.Mutex
	b  []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.b = append(b.b, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.b)
}

func testConfig(t *testing.T) Config {
	dir := t.TempDir()
	return Config{
		ControlPath:      filepath.Join(dir, "ctl"),
		StateFile:        filepath.Join(dir, "stations.yaml"),
		StallTimeout:     5 * time.Second,
		WatchdogInterval: 10 * time.Millisecond,
		StopTimeout:      2 * time.Second,
		BackoffMin:       time.Second,
		BackoffMax:       15 * time.Second,
		Encoder:          encoder.Config{TerminateGrace: 10 * time.Millisecond},
		Pipeline:         pipeline.Config{Mode: pipeline.ModeTags},
	}
}

func newTestStreamer(t *testing.T, cfg Config) *Streamer {
	t.Helper()

	s, err := New(cfg, slog.Default())
	require.NoError(t, err)

	return s
}

// single wires one set of fakes into s for a single attempt.
type single struct {
	ch  *fakeChannel
	enc *fakeEncoder
	pl  *fakePipeline
	out *syncBuffer
}

func withSingle(s *Streamer) *single {
	f := &single{
		ch:  &fakeChannel{},
		out: &syncBuffer{},
		pl:  &fakePipeline{},
	}
	f.enc = &fakeEncoder{input: f.out}

	s.deps = deps{
		openControl: func(string) (controlChannel, error) { return f.ch, nil },
		startEncoder: func(string, string) (encoderProcess, error) {
			return f.enc, nil
		},
		newPipeline: func(bus pipeline.Bus) audioPipeline {
			f.pl.bus = bus
			return f.pl
		},
		watchMetadata: func(ctx context.Context, _ string, _ shoutcast.Handler) { <-ctx.Done() },
		now:           time.Now,
	}

	return f
}

var testTarget = target{name: "Groove", url: "http://radio.example/groove", freq: "100.0"}
