package daemon

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(filepath.Join(dir, "test.pid"), filepath.Join(dir, "test.log"), logger)
}

func TestReadPIDMissingFile(t *testing.T) {
	m := testManager(t)
	pid, err := m.ReadPID()
	if err != nil || pid != 0 {
		t.Fatalf("pid=%d err=%v, want 0, nil", pid, err)
	}
}

func TestPIDRoundTrip(t *testing.T) {
	m := testManager(t)
	if err := m.WritePID(12345); err != nil {
		t.Fatal(err)
	}
	pid, err := m.ReadPID()
	if err != nil || pid != 12345 {
		t.Fatalf("pid=%d err=%v", pid, err)
	}
	if err := m.RemovePID(); err != nil {
		t.Fatal(err)
	}
	if pid, _ := m.ReadPID(); pid != 0 {
		t.Errorf("pid file not removed, read %d", pid)
	}
}

func TestReadPIDMalformed(t *testing.T) {
	m := testManager(t)
	if err := os.WriteFile(m.pidFile, []byte("not a pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReadPID(); err == nil {
		t.Fatal("malformed pid file should error")
	}
}

func TestStatusStates(t *testing.T) {
	m := testManager(t)

	state, _, err := m.Status()
	if err != nil || state != StateStopped {
		t.Fatalf("state=%v err=%v, want stopped", state, err)
	}

	// Our own PID is definitely alive.
	if err := m.WritePID(os.Getpid()); err != nil {
		t.Fatal(err)
	}
	state, pid, err := m.Status()
	if err != nil || state != StateRunning || pid != os.Getpid() {
		t.Fatalf("state=%v pid=%d err=%v, want running", state, pid, err)
	}

	// A PID far beyond pid_max is stale.
	if err := m.WritePID(1 << 30); err != nil {
		t.Fatal(err)
	}
	state, _, err = m.Status()
	if err != nil || state != StateStale {
		t.Fatalf("state=%v err=%v, want stale", state, err)
	}
}

func TestAlive(t *testing.T) {
	if !alive(os.Getpid()) {
		t.Error("own pid must be alive")
	}
	if alive(0) || alive(-1) || alive(1<<30) {
		t.Error("invalid pids must not be alive")
	}
}

func TestWaitGone(t *testing.T) {
	if !waitGone(1<<30, 100*time.Millisecond) {
		t.Error("nonexistent pid should be gone immediately")
	}
	start := time.Now()
	if waitGone(os.Getpid(), 300*time.Millisecond) {
		t.Error("own pid cannot be gone")
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Error("waitGone returned before the deadline")
	}
}

func TestParsePPID(t *testing.T) {
	tests := []struct {
		stat string
		ppid int
		ok   bool
	}{
		{"1234 (anima) S 1 1234 1234 0 -1", 1, true},
		{"42 (weird name) with) parens) R 7 42", 7, true},
		{"no parens here", 0, false},
		{"99 (x) S", 0, false},
		{"99 (x) S notanumber", 0, false},
	}
	for _, tt := range tests {
		ppid, ok := parsePPID(tt.stat)
		if ok != tt.ok || ppid != tt.ppid {
			t.Errorf("parsePPID(%q) = %d, %v, want %d, %v", tt.stat, ppid, ok, tt.ppid, tt.ok)
		}
	}
}

func TestChildrenOfSelfParent(t *testing.T) {
	if _, err := os.Stat("/proc"); err != nil {
		t.Skip("/proc not available")
	}
	// PID 1 always exists; the call must not error even if the child
	// list is empty.
	if _, err := childrenOf(1); err != nil {
		t.Fatalf("childrenOf: %v", err)
	}
}

func TestStopWithoutPIDFile(t *testing.T) {
	m := testManager(t)
	if err := m.Stop(); err == nil {
		t.Fatal("stop without pid file should error")
	}
}

func TestStopCleansStalePID(t *testing.T) {
	m := testManager(t)
	if err := m.WritePID(1 << 30); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("stale stop: %v", err)
	}
	if pid, _ := m.ReadPID(); pid != 0 {
		t.Error("stale pid file not removed")
	}
}

func TestStatusFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	want := StatusRecord{
		Status:   StatusStopped,
		StopTime: time.Now().Unix(),
		PID:      4321,
		Platform: "console",
	}
	if err := WriteStatus(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadStatus(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("round trip: got %+v want %+v", got, want)
	}
}

func TestWriteStatusEmptyPathIsNoop(t *testing.T) {
	if err := WriteStatus("", StatusRecord{Status: StatusRunning}); err != nil {
		t.Fatal(err)
	}
}

func ExampleManager_Status() {
	m := NewManager("/tmp/nonexistent-anima.pid", "", nil)
	state, _, _ := m.Status()
	fmt.Println(state == StateStopped)
	// Output: true
}
