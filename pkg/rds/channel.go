package rds

import (
	"log/slog"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sys/unix"
)

var (
	metricWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fmstreamer",
		Subsystem: "rds",
		Name:      "control_writes_total",
		Help:      "Commands written to the RDS control channel.",
	}, []string{"kind"})

	metricWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fmstreamer",
		Subsystem: "rds",
		Name:      "control_write_errors_total",
		Help:      "Failed writes to the RDS control channel.",
	})

	metricOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fmstreamer",
		Subsystem: "rds",
		Name:      "control_channels_open",
		Help:      "Open control channel descriptors.",
	})
)

// Ensure makes sure a named pipe exists at path. Anything else found at path
// is removed and replaced.
func Ensure(path string) error {
	fi, err := os.Stat(path)
	switch {
	case err == nil && fi.Mode()&os.ModeNamedPipe != 0:
		return nil
	case err == nil:
		if err := os.Remove(path); err != nil {
			return errors.Wrapf(err, "failed to remove non-fifo %s", path)
		}
	case !os.IsNotExist(err):
		return errors.Wrapf(err, "failed to stat %s", path)
	}

	if err := unix.Mkfifo(path, 0o666); err != nil && err != unix.EEXIST {
		return errors.Wrapf(err, "failed to create fifo %s", path)
	}

	return nil
}

// Channel is an open control channel.
type Channel struct {
	mu     sync.Mutex
	fd     int
	logger *slog.Logger
}

// Open opens the pipe at path for writing commands.
//
// The pipe is opened read-write so the call returns even when the encoder has
// not attached yet; a write-only open would block until a reader appears.
// Writes are non-blocking, a full pipe drops the command.
func Open(path string, logger *slog.Logger) (*Channel, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open control channel %s", path)
	}

	metricOpen.Inc()

	return &Channel{
		fd:     fd,
		logger: logger.With("fifo", path),
	}, nil
}

// Send writes m to the channel. Failures are logged and otherwise ignored.
func (c *Channel) Send(m Message) {
	line := m.Line()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fd < 0 {
		c.logger.Debug("dropping command on closed control channel", "kind", m.Kind)
		return
	}

	if _, err := unix.Write(c.fd, []byte(line)); err != nil {
		metricWriteErrors.Inc()
		c.logger.Error("rds control write failed", "kind", m.Kind, "err", err)
		return
	}

	metricWrites.WithLabelValues(string(m.Kind)).Inc()
	c.logger.Debug("rds control", "line", line[:len(line)-1])
}

// Close releases the descriptor. It is safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fd < 0 {
		return nil
	}

	err := unix.Close(c.fd)
	c.fd = -1
	metricOpen.Dec()

	return errors.Wrap(err, "failed to close control channel")
}
