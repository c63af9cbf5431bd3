// Package pipeline turns a remote stream into PCM for the encoder.
//
// Decoding and resampling are done by an external decoder (ffmpeg). The
// pipeline starts it, copies its output to the caller and reports tags,
// errors and end of stream on a Bus.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/zachfi/fmstreamer/pkg/loglines"
	"github.com/zachfi/fmstreamer/pkg/shoutcast"
)

// ErrStageMissing is returned by Play when a required pipeline stage is
// unavailable.
var ErrStageMissing = errors.New("pipeline stage missing")

// ErrStopTimeout is returned by Stop when the output is still blocked after
// the decoder has been told to exit.
var ErrStopTimeout = errors.New("pipeline stop timed out")

// Pipeline is a single decode run. It is not reusable after Stop.
type Pipeline struct {
	cfg    Config
	bus    Bus
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool

	terminal sync.Once
}

// New returns a pipeline that reports to bus.
func New(cfg Config, bus Bus, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:    cfg.withDefaults(),
		bus:    bus,
		logger: logger.With("decoder", cfg.Decoder),
	}
}

// Args builds the decoder command line reading from input.
func Args(cfg Config, input string) []string {
	cfg = cfg.withDefaults()

	args := []string{"-hide_banner", "-loglevel", "warning"}
	if input != "pipe:0" {
		args = append(args, "-nostdin")
		if cfg.ReadTimeout > 0 {
			args = append(args, "-rw_timeout", strconv.FormatInt(cfg.ReadTimeout.Microseconds(), 10))
		}
	}

	return append(args,
		"-i", input,
		"-vn",
		"-f", "wav",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ac", strconv.Itoa(cfg.Channels),
		"pipe:1",
	)
}

// Play starts decoding url into out. It returns once the decoder is running;
// everything after that is reported on the bus. At most one of MessageError
// or MessageEOS is posted per Play.
func (p *Pipeline) Play(ctx context.Context, url string, out io.Writer) error {
	decoder, err := exec.LookPath(p.cfg.Decoder)
	if err != nil {
		return errors.Wrapf(ErrStageMissing, "decoder %s: %v", p.cfg.Decoder, err)
	}

	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		cancel()
		return errors.New("pipeline already stopped")
	}
	p.cancel = cancel
	p.mu.Unlock()

	var source *shoutcast.Stream
	input := url
	if p.cfg.Mode == ModeTags {
		source, err = p.openSource(ctx, url)
		if err != nil {
			cancel()
			return err
		}
		input = "pipe:0"
	}

	cmd := exec.CommandContext(ctx, decoder, Args(p.cfg, input)...)
	cmd.Cancel = func() error { return cmd.Process.Signal(unix.SIGTERM) }
	cmd.WaitDelay = p.cfg.StopGrace
	cmd.Stderr = loglines.New(p.logger.With("stream", "stderr"), slog.LevelWarn)

	var stdin io.WriteCloser
	if source != nil {
		if stdin, err = cmd.StdinPipe(); err != nil {
			cancel()
			source.Close()
			return errors.Wrap(err, "failed to create decoder stdin")
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		if source != nil {
			source.Close()
		}
		return errors.Wrap(err, "failed to create decoder stdout")
	}

	if err := cmd.Start(); err != nil {
		cancel()
		if source != nil {
			source.Close()
		}
		return errors.Wrap(err, "failed to start decoder")
	}

	p.logger.Info("pipeline playing", "url", url, "mode", p.cfg.Mode, "pid", cmd.Process.Pid)

	if source != nil {
		p.wg.Add(1)
		go p.feed(ctx, source, stdin)
	}

	p.wg.Add(1)
	go p.drain(ctx, cancel, cmd, stdout, out)

	return nil
}

func (p *Pipeline) openSource(ctx context.Context, url string) (*shoutcast.Stream, error) {
	source, err := shoutcast.Open(ctx, url, shoutcast.Options{
		ConnectTimeout:   p.cfg.ConnectTimeout,
		ReadTimeout:      p.cfg.ReadTimeout,
		ResolvePlaylists: true,
		Logger:           p.logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stream")
	}

	if source.Name != "" {
		p.post(Message{Type: MessageTag, Tags: map[string]string{TagOrganization: source.Name}})
	}

	source.MetadataCallbackFunc = func(m *shoutcast.Metadata) {
		if m.StreamTitle == "" {
			return
		}
		p.post(Message{Type: MessageTag, Tags: map[string]string{TagTitle: m.StreamTitle}})
	}

	return source, nil
}

// feed copies the upstream audio into the decoder. Write failures are left
// for drain to report, they mean the decoder is gone.
func (p *Pipeline) feed(ctx context.Context, source *shoutcast.Stream, stdin io.WriteCloser) {
	defer p.wg.Done()
	defer source.Close()
	defer stdin.Close()

	w := &errWriter{w: stdin}
	_, err := io.Copy(w, source)
	switch {
	case ctx.Err() != nil, w.err != nil:
	case err != nil:
		p.finish(Message{Type: MessageError, Err: errors.Wrap(err, "stream read failed")})
	default:
		p.logger.Info("upstream ended")
	}
}

// drain copies decoder output to out and reports how the decoder ended.
func (p *Pipeline) drain(ctx context.Context, cancel context.CancelFunc, cmd *exec.Cmd, stdout io.Reader, out io.Writer) {
	defer p.wg.Done()

	w := &errWriter{w: out}
	n, copyErr := io.Copy(w, stdout)

	if w.err != nil && ctx.Err() == nil {
		p.finish(Message{Type: MessageError, Err: errors.Wrap(w.err, "output write failed")})
		// nobody reads the decoder any more, it would block forever
		cancel()
	}

	waitErr := cmd.Wait()
	p.logger.Debug("decoder finished", "bytes", n, "copy_err", copyErr, "wait_err", waitErr)

	switch {
	case ctx.Err() != nil, w.err != nil:
	case waitErr != nil:
		p.finish(Message{Type: MessageError, Err: errors.Wrap(waitErr, "decoder failed")})
	case copyErr != nil:
		p.finish(Message{Type: MessageError, Err: errors.Wrap(copyErr, "decoder read failed")})
	default:
		p.finish(Message{Type: MessageEOS})
	}
}

func (p *Pipeline) post(m Message) {
	if p.bus != nil {
		p.bus(m)
	}
}

func (p *Pipeline) finish(m Message) {
	p.terminal.Do(func() { p.post(m) })
}

// Stop cancels the run and waits for the decoder to be reaped. It is safe to
// call without Play and more than once.
//
// The wait is bounded: drain cannot return while a write to the output is
// blocked, so when the consumer has stopped reading Stop gives up after twice
// the stop grace and returns ErrStopTimeout. The goroutines finish on their
// own once the output is closed.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	wait := 2 * p.cfg.StopGrace
	select {
	case <-done:
		return nil
	case <-time.After(wait):
		p.logger.Warn("pipeline still draining after stop", "wait", wait)
		return errors.Wrapf(ErrStopTimeout, "gave up after %s", wait)
	}
}

// errWriter remembers the first write error so copy failures can be told
// apart from read failures.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(b []byte) (int, error) {
	n, err := e.w.Write(b)
	if err != nil && e.err == nil {
		e.err = err
	}

	return n, err
}
