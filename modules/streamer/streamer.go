package streamer

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/zachfi/fmstreamer/pkg/rds"
	"github.com/zachfi/fmstreamer/pkg/stations"
)

const (
	minFreq = 76.0
	maxFreq = 108.0
)

var module = "streamer"

// Status is a snapshot of the session state.
type Status struct {
	Station string `json:"station"`
	URL     string `json:"url"`
	Freq    string `json:"freq"`
	Text    string `json:"text"`
	Playing bool   `json:"playing"`
}

// Streamer keeps one station on the air, restarting the session whenever
// the encoder or the audio pipeline fails.
type Streamer struct {
	services.Service
	cfg    *Config
	logger *slog.Logger
	store  *stations.Store
	deps   deps

	// hooks replaced by tests
	runAttempt func(ctx context.Context, t target) attemptResult
	sleep      func(ctx context.Context, d time.Duration) bool

	mu      sync.Mutex
	name    string
	url     string
	freq    string
	text    string
	cancel  context.CancelFunc
	done    chan struct{}
	active  bool

	stopFlag atomic.Bool

	// serializes Start, Stop and Retune so one runner is stopped and joined
	// before the next is spawned
	ctlMu sync.Mutex

	// held for the whole of an attempt so a runner that outlived its
	// bounded join can never overlap the next one
	attemptMu sync.Mutex
}

// New creates a Streamer. Stations are loaded from cfg.StateFile.
func New(cfg Config, logger *slog.Logger) (*Streamer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Pipeline.Mode.Validate(); err != nil {
		return nil, err
	}

	s := &Streamer{
		cfg:    &cfg,
		logger: logger.With("module", module),
	}
	s.store = stations.Open(cfg.StateFile, s.logger)
	s.freq = s.store.Snapshot().Freq
	s.deps = defaultDeps(s.cfg, s.logger)
	s.runAttempt = s.runOnce
	s.sleep = sleepContext

	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)

	return s, nil
}

func (s *Streamer) starting(_ context.Context) error {
	if !s.cfg.Autoplay {
		return nil
	}

	name := s.store.Snapshot().Last
	url, ok := s.store.Lookup(name)
	if !ok {
		name, url = stations.DefaultName, stations.DefaultURL
	}

	s.logger.Info("autoplay", "station", name)
	s.Start(name, url)

	return nil
}

func (s *Streamer) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *Streamer) stopping(_ error) error {
	s.logger.Info("stopping")
	s.Stop()
	return nil
}

// Start plays url, replacing whatever is playing.
func (s *Streamer) Start(name, url string) {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	s.stopLocked()
	s.spawn(name, url)
}

func (s *Streamer) spawn(name, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopFlag.Store(false)
	s.name = name
	s.url = url
	s.text = ""

	if err := s.store.SetLast(name); err != nil {
		s.logger.Error("failed to persist station", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.active = true

	go s.runForever(ctx, done)
}

// Stop ends the session, waiting up to the stop timeout for teardown. It is
// safe to call with nothing playing.
func (s *Streamer) Stop() {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	s.stopLocked()
}

// stopLocked is Stop for callers holding ctlMu.
func (s *Streamer) stopLocked() {
	s.mu.Lock()
	s.stopFlag.Store(true)
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(s.cfg.StopTimeout):
			s.logger.Warn("session did not stop in time", "timeout", s.cfg.StopTimeout)
		}
	}

	s.mu.Lock()
	s.name = ""
	s.url = ""
	s.text = ""
	s.active = false
	s.mu.Unlock()
}

// Play starts a stored station by name.
func (s *Streamer) Play(name string) error {
	url, ok := s.store.Lookup(name)
	if !ok {
		return errors.Wrap(stations.ErrUnknown, name)
	}

	s.Start(name, url)
	return nil
}

// Retune changes the transmit frequency and restarts the current station,
// or the last one when nothing is playing.
func (s *Streamer) Retune(freq string) error {
	f, err := strconv.ParseFloat(freq, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid frequency %q", freq)
	}
	if f < minFreq || f > maxFreq {
		return errors.Errorf("frequency %s outside %.1f-%.1f MHz", freq, minFreq, maxFreq)
	}

	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	s.mu.Lock()
	s.freq = freq
	name, url := s.name, s.url
	s.mu.Unlock()

	if err := s.store.SetFreq(freq); err != nil {
		s.logger.Error("failed to persist frequency", "err", err)
	}

	if url == "" {
		name = s.store.Snapshot().Last
		var ok bool
		if url, ok = s.store.Lookup(name); !ok {
			name, url = stations.DefaultName, stations.DefaultURL
		}
	}

	s.logger.Info("retuning", "freq", freq, "station", name)
	s.stopLocked()
	s.spawn(name, url)

	return nil
}

func (s *Streamer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		Station: s.name,
		URL:     s.url,
		Freq:    s.freq,
		Text:    s.text,
		Playing: s.active,
	}
}

// Stations returns the stored stations by name.
func (s *Streamer) Stations() map[string]string {
	return s.store.Snapshot().Stations
}

// StationNames lists the station names, default first.
func (s *Streamer) StationNames() []string {
	return s.store.Names()
}

func (s *Streamer) AddStation(name, url string) error {
	return s.store.Add(name, url)
}

func (s *Streamer) DeleteStation(name string) error {
	return s.store.Delete(name)
}

// displayed records the radio text currently on air.
func (s *Streamer) displayed(m rds.Message) {
	if m.Kind != rds.RT {
		return
	}

	s.mu.Lock()
	s.text = m.Text
	s.mu.Unlock()
}

func (s *Streamer) target() (target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.url == "" {
		return target{}, false
	}

	return target{name: s.name, url: s.url, freq: s.freq}, true
}

func (s *Streamer) newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    s.cfg.BackoffMin,
		Max:    s.cfg.BackoffMax,
		Factor: 2,
		Jitter: false,
	}
}

// runForever runs attempts until ctx ends, waiting an increasing delay
// between failures. A run that got audio to the encoder resets the delay.
func (s *Streamer) runForever(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := s.newBackoff()

	for ctx.Err() == nil && !s.stopFlag.Load() {
		var res attemptResult
		if t, ok := s.target(); ok {
			s.attemptMu.Lock()
			if ctx.Err() == nil {
				res = s.runAttempt(ctx, t)
			} else {
				res.cause = causeStopped
			}
			s.attemptMu.Unlock()
		} else {
			res.cause = causeNoTarget
		}

		if ctx.Err() != nil || s.stopFlag.Load() || res.cause.Kind == CauseStopped {
			break
		}

		metricRestarts.WithLabelValues(string(res.cause.Kind)).Inc()

		if res.streamed {
			b.Reset()
		}
		d := b.Duration()

		s.logger.Warn("session ended, restarting", "cause", res.cause.Reason, "kind", res.cause.Kind, "backoff", d)
		if !s.sleep(ctx, d) {
			break
		}
	}

	s.logger.Info("session runner exiting")
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
