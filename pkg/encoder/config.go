package encoder

import (
	"flag"
	"time"

	"github.com/zachfi/zkit/pkg/util"
)

const (
	defaultPath           = "pifmrds"
	defaultNice           = -20
	defaultTerminateGrace = 2 * time.Second
)

type Config struct {
	Path           string        `yaml:"path,omitempty"`
	Nice           int           `yaml:"nice,omitempty"`            // scheduling priority requested after start, best effort
	TerminateGrace time.Duration `yaml:"terminate-grace,omitempty"` // wait between SIGTERM and SIGKILL
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, util.PrefixConfig(prefix, "path"), defaultPath, "The RDS encoder binary.")
	f.IntVar(&cfg.Nice, util.PrefixConfig(prefix, "nice"), defaultNice,
		"Scheduling priority for the encoder. Raising priority needs CAP_SYS_NICE, denial is ignored.")
	f.DurationVar(&cfg.TerminateGrace, util.PrefixConfig(prefix, "terminate-grace"), defaultTerminateGrace,
		"How long the encoder gets to exit after SIGTERM before it is killed.")
}
