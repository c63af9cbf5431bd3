package streamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zachfi/fmstreamer/pkg/encoder"
	"github.com/zachfi/fmstreamer/pkg/pipeline"
	"github.com/zachfi/fmstreamer/pkg/rds"
	"github.com/zachfi/fmstreamer/pkg/shoutcast"
)

var tracer = otel.Tracer("github.com/zachfi/fmstreamer/modules/streamer")

type controlChannel interface {
	textSink
	Close() error
}

type encoderProcess interface {
	Input() io.Writer
	CloseInput() error
	Exited() (int, bool)
	Terminate(grace time.Duration) error
}

type audioPipeline interface {
	Play(ctx context.Context, url string, out io.Writer) error
	Stop() error
}

// deps builds the collaborators of a session attempt.
type deps struct {
	openControl   func(path string) (controlChannel, error)
	startEncoder  func(freq, controlPath string) (encoderProcess, error)
	newPipeline   func(bus pipeline.Bus) audioPipeline
	watchMetadata func(ctx context.Context, url string, h shoutcast.Handler)
	now           func() time.Time
}

func defaultDeps(cfg *Config, logger *slog.Logger) deps {
	return deps{
		openControl: func(path string) (controlChannel, error) {
			return rds.Open(path, logger)
		},
		startEncoder: func(freq, controlPath string) (encoderProcess, error) {
			return encoder.Start(cfg.Encoder, freq, controlPath, logger)
		},
		newPipeline: func(bus pipeline.Bus) audioPipeline {
			return pipeline.New(cfg.Pipeline, bus, logger)
		},
		watchMetadata: func(ctx context.Context, url string, h shoutcast.Handler) {
			shoutcast.Watch(ctx, url, shoutcast.Options{
				ConnectTimeout:   cfg.Pipeline.ConnectTimeout,
				ReadTimeout:      cfg.Pipeline.ReadTimeout,
				ResolvePlaylists: true,
				Logger:           logger,
			}, nil, h)
		},
		now: time.Now,
	}
}

// target is what an attempt plays.
type target struct {
	name string
	url  string
	freq string
}

type attemptResult struct {
	cause    RestartCause
	streamed bool // reached streaming and forwarded audio
}

// attempt is one run of the session: start the encoder and the pipeline,
// stream until something fails, tear everything down.
type attempt struct {
	s      *Streamer
	target target
	logger *slog.Logger
	loop   *loop

	ctl   controlChannel
	enc   encoderProcess
	pl    audioPipeline
	fwd   *forwarder
	relay *relay

	aux       *errgroup.Group
	auxCancel context.CancelFunc
}

func (s *Streamer) runOnce(ctx context.Context, t target) attemptResult {
	ctx, span := tracer.Start(ctx, "session.attempt", trace.WithAttributes(
		attribute.String("station", t.name),
		attribute.String("url", t.url),
		attribute.String("freq", t.freq),
	))
	defer span.End()

	metricAttempts.Inc()

	a := &attempt{
		s:      s,
		target: t,
		logger: s.logger.With("station", t.name, "url", t.url),
		loop:   newLoop(),
	}

	started := a.start(ctx)
	if started {
		a.stream(ctx)
	} else {
		a.loop.finish()
	}
	a.teardown()

	res := attemptResult{
		cause:    a.result(ctx),
		streamed: started && a.fwd != nil && a.fwd.Written() > 0,
	}

	span.SetAttributes(
		attribute.String("restart.cause", string(res.cause.Kind)),
		attribute.Bool("streamed", res.streamed),
	)
	if res.cause.Kind != CauseStopped {
		span.SetStatus(codes.Error, res.cause.Reason)
	}

	return res
}

func (a *attempt) fail(format string, args ...any) bool {
	c := RestartCause{Kind: CauseStartup, Reason: fmt.Sprintf(format, args...)}
	a.loop.cause.Set(c)
	a.logger.Error("session failed to start", "cause", c.Reason)

	return false
}

// start brings the collaborators up. It reports false after recording a
// startup cause.
func (a *attempt) start(ctx context.Context) bool {
	cfg := a.s.cfg
	d := a.s.deps

	if err := rds.Ensure(cfg.ControlPath); err != nil {
		return a.fail("failed to prepare control channel: %v", err)
	}

	ctl, err := d.openControl(cfg.ControlPath)
	if err != nil {
		return a.fail("failed to open control channel: %v", err)
	}
	a.ctl = ctl

	enc, err := d.startEncoder(a.target.freq, cfg.ControlPath)
	if err != nil {
		return a.fail("failed to start encoder: %v", err)
	}
	a.enc = enc

	a.ctl.Send(rds.Message{Kind: rds.PS, Text: rds.DefaultPS})
	a.ctl.Send(rds.Message{Kind: rds.RT, Text: rds.DefaultRT})
	a.relay = newRelay(a.ctl, a.s.displayed)

	auxCtx, cancel := context.WithCancel(ctx)
	a.auxCancel = cancel
	a.aux, auxCtx = errgroup.WithContext(auxCtx)

	a.fwd = newForwarder(enc.Input(), d.now, func(err error) {
		a.loop.requestRestart(RestartCause{Kind: CauseBrokenPipe, Reason: "encoder input: " + err.Error()})
	})

	a.pl = d.newPipeline(func(m pipeline.Message) {
		a.loop.post(func() { a.handle(m) })
	})
	if err := a.pl.Play(ctx, a.target.url, a.fwd); err != nil {
		if errors.Is(err, pipeline.ErrStageMissing) {
			return a.fail("required pipeline stage missing: %v", err)
		}
		return a.fail("failed to start pipeline: %v", err)
	}

	if cfg.Pipeline.Mode == pipeline.ModeICY {
		a.aux.Go(func() error {
			d.watchMetadata(auxCtx, a.target.url, shoutcast.Handler{
				OnName: func(name string) {
					a.loop.post(func() { a.relay.update(rds.PS, name) })
				},
				OnTitle: func(title string) {
					a.loop.post(func() { a.relay.update(rds.RT, title) })
				},
			})
			return nil
		})
	}

	fire := a.loop.requestRestart
	a.aux.Go(func() error {
		return watchdog(auxCtx, cfg.WatchdogInterval, a.checkEncoder, fire)
	})
	a.aux.Go(func() error {
		return watchdog(auxCtx, cfg.WatchdogInterval, a.checkStall, fire)
	})

	return true
}

func (a *attempt) stream(ctx context.Context) {
	a.logger.Info("streaming", "freq", a.target.freq)

	metricStreaming.Set(1)
	defer metricStreaming.Set(0)

	a.loop.run(ctx)
}

func (a *attempt) handle(m pipeline.Message) {
	switch m.Type {
	case pipeline.MessageTag:
		if title, ok := m.Tags[pipeline.TagTitle]; ok {
			a.relay.update(rds.RT, title)
		}
		if org, ok := m.Tags[pipeline.TagOrganization]; ok {
			a.relay.update(rds.PS, org)
		}
	case pipeline.MessageError:
		a.logger.Error("pipeline error", "err", m.Err)
		a.loop.restart(RestartCause{Kind: CausePipelineError, Reason: fmt.Sprintf("pipeline error: %v", m.Err)})
	case pipeline.MessageEOS:
		a.loop.restart(RestartCause{Kind: CausePipelineEOS, Reason: "pipeline eos"})
	}
}

func (a *attempt) checkEncoder() (RestartCause, bool) {
	if a.s.stopFlag.Load() {
		return causeStopped, true
	}
	if code, ok := a.enc.Exited(); ok {
		return RestartCause{Kind: CauseEncoderExit, Reason: fmt.Sprintf("encoder exited with code %d", code)}, true
	}

	return RestartCause{}, false
}

func (a *attempt) checkStall() (RestartCause, bool) {
	if a.s.stopFlag.Load() {
		return causeStopped, true
	}
	if idle := a.fwd.Idle(); idle >= a.s.cfg.StallTimeout {
		return RestartCause{Kind: CauseAudioStall, Reason: fmt.Sprintf("audio stalled for %.1fs", idle.Seconds())}, true
	}

	return RestartCause{}, false
}

// teardown stops everything start brought up, in reverse dependency order.
// Each step runs regardless of the ones before it.
func (a *attempt) teardown() {
	var errs []error

	if a.auxCancel != nil {
		a.auxCancel()
	}

	// Stop is bounded, it gives up while a write into the encoder is blocked.
	var plErr error
	if a.pl != nil {
		plErr = a.pl.Stop()
	}

	if a.enc != nil {
		if err := a.enc.CloseInput(); err != nil {
			errs = append(errs, fmt.Errorf("close encoder input: %w", err))
		}
		if err := a.enc.Terminate(a.s.cfg.Encoder.TerminateGrace); err != nil {
			errs = append(errs, fmt.Errorf("terminate encoder: %w", err))
		}
	}

	// The closed input has released any pending write, join the pipeline.
	if plErr != nil {
		a.logger.Debug("pipeline stop retried after encoder input closed", "err", plErr)
		if err := a.pl.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop pipeline: %w", err))
		}
	}

	if a.ctl != nil {
		if err := a.ctl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close control channel: %w", err))
		}
	}

	if a.aux != nil {
		_ = a.aux.Wait()
	}

	if len(errs) > 0 {
		a.logger.Warn("teardown incomplete", "err", errors.Join(errs...))
	}
}

func (a *attempt) result(ctx context.Context) RestartCause {
	if a.s.stopFlag.Load() || ctx.Err() != nil {
		return causeStopped
	}
	if c, ok := a.loop.cause.Get(); ok {
		return c
	}

	return causeUnknown
}
