// Package encoder runs the RDS/FM encoder process. The encoder takes PCM on
// stdin and RDS commands on a named pipe.
package encoder

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sys/unix"

	"github.com/zachfi/fmstreamer/pkg/loglines"
)

var metricStarts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fmstreamer",
	Subsystem: "encoder",
	Name:      "starts_total",
	Help:      "Encoder processes started.",
})

// Process is a running encoder.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *loglines.Writer
	logger *slog.Logger

	done     chan struct{}
	exitCode int
}

// Args builds the encoder command line.
func Args(freq, controlPath string) []string {
	return []string{"-freq", freq, "-ctl", controlPath, "-audio", "-"}
}

// Start launches the encoder tuned to freq, reading RDS commands from
// controlPath and PCM from the returned process's Input.
func Start(cfg Config, freq, controlPath string, logger *slog.Logger) (*Process, error) {
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = defaultTerminateGrace
	}

	logger = logger.With("encoder", cfg.Path)

	cmd := exec.Command(cfg.Path, Args(freq, controlPath)...)
	stderr := loglines.New(logger.With("stream", "stderr"), slog.LevelError)
	cmd.Stderr = stderr
	// A child holding stderr open past our kill must not wedge Wait.
	cmd.WaitDelay = cfg.TerminateGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create encoder stdin")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start encoder %s", cfg.Path)
	}
	metricStarts.Inc()

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		logger: logger.With("pid", cmd.Process.Pid),
		done:   make(chan struct{}),
	}

	p.prioritize(cfg.Nice)
	go p.wait()

	p.logger.Info("encoder started", "freq", freq, "ctl", controlPath)

	return p, nil
}

func (p *Process) prioritize(nice int) {
	if nice == 0 {
		return
	}

	if err := unix.Setpriority(unix.PRIO_PROCESS, p.cmd.Process.Pid, nice); err != nil {
		p.logger.Debug("unable to set encoder priority", "nice", nice, "err", err)
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.stderr.Flush()

	p.exitCode = p.cmd.ProcessState.ExitCode()
	close(p.done)

	p.logger.Info("encoder exited", "rc", p.exitCode, "err", err)
}

// Input is the encoder's stdin.
func (p *Process) Input() io.Writer {
	return p.stdin
}

// CloseInput closes stdin, which lets the encoder drain and exit.
func (p *Process) CloseInput() error {
	return p.stdin.Close()
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports the exit code if the process is gone. It never blocks.
func (p *Process) Exited() (int, bool) {
	select {
	case <-p.done:
		return p.exitCode, true
	default:
		return 0, false
	}
}

// Terminate asks the encoder to exit, then kills it after grace.
func (p *Process) Terminate(grace time.Duration) error {
	if _, ok := p.Exited(); ok {
		return nil
	}

	if err := p.cmd.Process.Signal(unix.SIGTERM); err != nil {
		p.logger.Debug("failed to signal encoder", "err", err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	p.logger.Warn("encoder ignored SIGTERM, killing", "grace", grace)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrap(err, "failed to kill encoder")
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		return errors.New("encoder did not exit after kill")
	}
}
