package bridge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/musebridge/internal/groutine"
)

// ExecLauncher starts the host as a child process.
type ExecLauncher struct {
	Path   string // "" means the running executable
	Args   []string
	Logger *logrus.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

// Launch starts the process and reaps it in the background. The host
// outlives ctx: it terminates on CloseBridge or its inactivity timeout.
func (l *ExecLauncher) Launch(_ context.Context) error {
	logger := l.Logger
	if logger == nil {
		logger = logrus.New()
	}

	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to resolve executable: %w", err)
		}
		path = exe
	}

	cmd := exec.Command(path, l.Args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start bridge host: %w", err)
	}

	l.mu.Lock()
	l.cmd = cmd
	l.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"pid":  cmd.Process.Pid,
		"path": path,
		"args": l.Args,
	}).Debug("Bridge host process started")

	groutine.Go(context.Background(), "bridge-host-reaper", func(context.Context) {
		err := cmd.Wait()
		entry := logger.WithField("pid", cmd.Process.Pid)
		if err != nil {
			entry.WithError(err).Warn("Bridge host process exited")
		} else {
			entry.Debug("Bridge host process exited")
		}
		l.mu.Lock()
		if l.cmd == cmd {
			l.cmd = nil
		}
		l.mu.Unlock()
	})
	return nil
}

// Running reports whether the last launched process is still alive.
func (l *ExecLauncher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cmd != nil
}

// Terminate asks a still-running host to exit.
func (l *ExecLauncher) Terminate() error {
	l.mu.Lock()
	cmd := l.cmd
	l.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return terminate(cmd.Process.Pid)
}
