package pipeline

import (
	"flag"
	"fmt"
	"time"

	"github.com/zachfi/zkit/pkg/util"
)

// Mode selects where stream metadata comes from.
type Mode string

const (
	// ModeICY hands the URL to the decoder. Titles come from a separate
	// in-band metadata reader.
	ModeICY Mode = "icy"
	// ModeTags fetches the stream in process and feeds the decoder through
	// stdin. Titles are posted on the bus as tags.
	ModeTags Mode = "tags"
)

const (
	defaultDecoder        = "ffmpeg"
	defaultSampleRate     = 76000
	defaultChannels       = 2
	defaultConnectTimeout = 15 * time.Second
	defaultReadTimeout    = 15 * time.Second
	defaultStopGrace      = 2 * time.Second
)

type Config struct {
	Decoder        string        `yaml:"decoder,omitempty"`
	SampleRate     int           `yaml:"sample-rate,omitempty"`
	Channels       int           `yaml:"channels,omitempty"`
	Mode           Mode          `yaml:"mode,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect-timeout,omitempty"`
	ReadTimeout    time.Duration `yaml:"read-timeout,omitempty"` // per read on the upstream stream
	StopGrace      time.Duration `yaml:"stop-grace,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Mode = ModeTags

	f.StringVar(&cfg.Decoder, util.PrefixConfig(prefix, "decoder"), defaultDecoder, "The decoder binary producing PCM.")
	f.IntVar(&cfg.SampleRate, util.PrefixConfig(prefix, "sample-rate"), defaultSampleRate, "PCM sample rate handed to the encoder.")
	f.IntVar(&cfg.Channels, util.PrefixConfig(prefix, "channels"), defaultChannels, "PCM channel count.")
	f.Func(util.PrefixConfig(prefix, "mode"), `Metadata source, "tags" (in-process ICY demux) or "icy" (separate metadata connection).`, func(s string) error {
		m := Mode(s)
		if err := m.Validate(); err != nil {
			return err
		}
		cfg.Mode = m
		return nil
	})
	f.DurationVar(&cfg.ConnectTimeout, util.PrefixConfig(prefix, "connect-timeout"), defaultConnectTimeout, "Timeout for connecting to the stream.")
	f.DurationVar(&cfg.ReadTimeout, util.PrefixConfig(prefix, "read-timeout"), defaultReadTimeout, "Abort the stream when a read blocks this long.")
	f.DurationVar(&cfg.StopGrace, util.PrefixConfig(prefix, "stop-grace"), defaultStopGrace, "How long the decoder gets to exit before it is killed.")
}

func (m Mode) Validate() error {
	switch m {
	case ModeICY, ModeTags:
		return nil
	}

	return fmt.Errorf("unknown pipeline mode %q", string(m))
}

func (cfg Config) withDefaults() Config {
	if cfg.Decoder == "" {
		cfg.Decoder = defaultDecoder
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = defaultChannels
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeTags
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}

	return cfg
}
