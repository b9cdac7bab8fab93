// Package daemon manages the background-process lifecycle: PID file,
// re-exec into a detached session, signal-driven stop with child
// cleanup, and status reporting.
package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// EnvMarker is set in the child's environment so the re-executed
// binary knows it is the daemonized instance.
const EnvMarker = "ANIMA_DAEMON"

// processTag identifies our processes in the fallback name search.
const processTag = "anima"

const (
	termWait = 10 * time.Second
	killWait = 5 * time.Second
	pollStep = 200 * time.Millisecond
)

// Manager drives the daemon lifecycle from the CLI side.
type Manager struct {
	pidFile string
	logFile string
	logger  *slog.Logger
}

// NewManager creates the lifecycle manager.
func NewManager(pidFile, logFile string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{pidFile: pidFile, logFile: logFile, logger: logger}
}

// ReadPID reads the PID file. A missing file returns 0 with no error.
func (m *Manager) ReadPID() (int, error) {
	data, err := os.ReadFile(m.pidFile)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", m.pidFile, err)
	}
	return pid, nil
}

// WritePID records the given PID.
func (m *Manager) WritePID(pid int) error {
	if err := os.WriteFile(m.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// RemovePID deletes the PID file; a missing file is not an error.
func (m *Manager) RemovePID() error {
	if err := os.Remove(m.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// alive reports whether the PID names a live process (signal 0).
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Start launches the current binary as a detached daemon. It refuses
// to start when the PID file names a live process; a stale PID file is
// replaced. Returns the child PID.
func (m *Manager) Start(args []string) (int, error) {
	pid, err := m.ReadPID()
	if err != nil {
		return 0, err
	}
	if alive(pid) {
		return 0, fmt.Errorf("already running (pid %d)", pid)
	}
	if pid != 0 {
		m.logger.Warn("stale pid file replaced", "pid", pid)
		if err := m.RemovePID(); err != nil {
			return 0, err
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}

	logSink, err := m.openLogSink()
	if err != nil {
		return 0, err
	}
	defer logSink.Close()

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), EnvMarker+"=1")
	cmd.Stdin = nil
	cmd.Stdout = logSink
	cmd.Stderr = logSink
	// Detach into a fresh session so the daemon survives the parent's
	// terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	child := cmd.Process.Pid
	if err := m.WritePID(child); err != nil {
		return child, err
	}
	// The child is now on its own; Wait would block forever.
	_ = cmd.Process.Release()
	return child, nil
}

func (m *Manager) openLogSink() (*os.File, error) {
	path := m.logFile
	if path == "" {
		path = os.DevNull
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return f, nil
}

// Stop terminates the daemon: TERM, wait up to 10 s, KILL, wait up to
// 5 s, then terminate any surviving child processes and remove the PID
// file.
func (m *Manager) Stop() error {
	pid, err := m.ReadPID()
	if err != nil {
		return err
	}
	if pid == 0 {
		return fmt.Errorf("not running (no pid file)")
	}
	if !alive(pid) {
		m.logger.Info("process already gone, cleaning up", "pid", pid)
		return m.RemovePID()
	}

	children, err := childrenOf(pid)
	if err != nil {
		m.logger.Warn("child enumeration failed, falling back to name search", "error", err)
		children = findByName(processTag, pid)
	}

	proc, _ := os.FindProcess(pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon: %w", err)
	}
	if !waitGone(pid, termWait) {
		m.logger.Warn("daemon ignored SIGTERM, killing", "pid", pid)
		_ = proc.Signal(syscall.SIGKILL)
		if !waitGone(pid, killWait) {
			return fmt.Errorf("stop failed: pid %d still alive after SIGKILL", pid)
		}
	}

	for _, child := range children {
		if alive(child) {
			m.logger.Warn("terminating orphaned child", "pid", child)
			if p, err := os.FindProcess(child); err == nil {
				_ = p.Signal(syscall.SIGKILL)
			}
		}
	}
	return m.RemovePID()
}

// waitGone polls signal-0 until the process disappears or the deadline
// passes.
func waitGone(pid int, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return true
		}
		time.Sleep(pollStep)
	}
	return !alive(pid)
}

// State is the daemon status as seen from the CLI.
type State int

const (
	// StateStopped means no PID file exists.
	StateStopped State = iota
	// StateRunning means the PID file names a live process.
	StateRunning
	// StateStale means the PID file names a dead process.
	StateStale
)

// Status inspects the PID file and the process it names.
func (m *Manager) Status() (State, int, error) {
	pid, err := m.ReadPID()
	if err != nil {
		return StateStopped, 0, err
	}
	if pid == 0 {
		return StateStopped, 0, nil
	}
	if alive(pid) {
		return StateRunning, pid, nil
	}
	return StateStale, pid, nil
}
