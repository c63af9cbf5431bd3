package streamer

import (
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/zachfi/zkit/pkg/util"

	"github.com/zachfi/fmstreamer/pkg/encoder"
	"github.com/zachfi/fmstreamer/pkg/pipeline"
)

// Watchdog timing follows the transmitter: a second of silence is audible,
// ten seconds without audio means the session is wedged.
const (
	defaultControlPath      = "/tmp/pifmrds-streamer_rds_ctl"
	defaultStallTimeout     = 10 * time.Second
	defaultWatchdogInterval = 1 * time.Second
	defaultStopTimeout      = 5 * time.Second
	defaultBackoffMin       = 1 * time.Second
	defaultBackoffMax       = 15 * time.Second
)

type Config struct {
	ControlPath      string        `yaml:"control-path,omitempty"`
	StateFile        string        `yaml:"state-file,omitempty"`
	Autoplay         bool          `yaml:"autoplay,omitempty"`
	StallTimeout     time.Duration `yaml:"stall-timeout,omitempty"`     // restart when no audio reaches the encoder for this long
	WatchdogInterval time.Duration `yaml:"watchdog-interval,omitempty"` // how often the liveness checks run
	StopTimeout      time.Duration `yaml:"stop-timeout,omitempty"`      // bound on waiting for a session to end
	BackoffMin       time.Duration `yaml:"backoff-min,omitempty"`
	BackoffMax       time.Duration `yaml:"backoff-max,omitempty"`

	Encoder  encoder.Config  `yaml:"encoder,omitempty"`
	Pipeline pipeline.Config `yaml:"pipeline,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.ControlPath, util.PrefixConfig(prefix, "control-path"), defaultControlPath, "Named pipe the RDS encoder reads commands from.")
	f.StringVar(&cfg.StateFile, util.PrefixConfig(prefix, "state-file"), defaultStateFile(), "File holding stations, the last station and the frequency.")
	f.BoolVar(&cfg.Autoplay, util.PrefixConfig(prefix, "autoplay"), true, "Start the last station when the service starts.")
	f.DurationVar(&cfg.StallTimeout, util.PrefixConfig(prefix, "stall-timeout"), defaultStallTimeout,
		"Restart the session when no audio has been forwarded for this long.")
	f.DurationVar(&cfg.WatchdogInterval, util.PrefixConfig(prefix, "watchdog-interval"), defaultWatchdogInterval,
		"Interval of the encoder and audio liveness checks.")
	f.DurationVar(&cfg.StopTimeout, util.PrefixConfig(prefix, "stop-timeout"), defaultStopTimeout,
		"How long Stop waits for the running session to tear down.")
	f.DurationVar(&cfg.BackoffMin, util.PrefixConfig(prefix, "backoff-min"), defaultBackoffMin,
		"Initial delay before restarting a failed session. Doubles per failure up to backoff-max.")
	f.DurationVar(&cfg.BackoffMax, util.PrefixConfig(prefix, "backoff-max"), defaultBackoffMax,
		"Maximum delay between session restarts.")

	cfg.Encoder.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "encoder"), f)
	cfg.Pipeline.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "pipeline"), f)
}

func (cfg Config) withDefaults() Config {
	if cfg.ControlPath == "" {
		cfg.ControlPath = defaultControlPath
	}
	if cfg.StateFile == "" {
		cfg.StateFile = defaultStateFile()
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = defaultWatchdogInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = defaultBackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.Pipeline.Mode == "" {
		cfg.Pipeline.Mode = pipeline.ModeTags
	}

	return cfg
}

func defaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}

	return filepath.Join(dir, "fmstreamer", "stations.yaml")
}
