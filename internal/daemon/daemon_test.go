package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func newTestSupervisor(t *testing.T, creds CredentialsFunc) (*Supervisor, string) {
	t.Helper()
	base := t.TempDir()
	t.Setenv("MAILDECKD_FOREGROUND", "")
	s, err := New(base, creds)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, base
}

func TestAcquirePIDFileWritesOwnPID(t *testing.T) {
	s, base := newTestSupervisor(t, func(string) (Credentials, error) {
		return Credentials{}, nil
	})
	if err := s.acquirePIDFile(); err != nil {
		t.Fatalf("acquirePIDFile: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(base, "daemon.pid"))
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		t.Fatalf("parse pid: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), pid)
	}
	s.releasePIDFile()
	if _, err := os.Stat(filepath.Join(base, "daemon.pid")); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed after release")
	}
}

func TestAcquirePIDFileRefusesWhenLiveProcessHoldsIt(t *testing.T) {
	s, base := newTestSupervisor(t, func(string) (Credentials, error) {
		return Credentials{}, nil
	})
	pidPath := filepath.Join(base, "daemon.pid")
	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// os.Getpid() is always alive during the test run, simulating a
	// still-running daemon instance.
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	if err := s.acquirePIDFile(); err == nil {
		t.Fatalf("expected acquirePIDFile to refuse when a live pid holds the file")
	}
}

func TestAcquirePIDFileReplacesStalePID(t *testing.T) {
	s, base := newTestSupervisor(t, func(string) (Credentials, error) {
		return Credentials{}, nil
	})
	pidPath := filepath.Join(base, "daemon.pid")
	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// A PID astronomically unlikely to be alive.
	if err := os.WriteFile(pidPath, []byte("999999"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	if err := s.acquirePIDFile(); err != nil {
		t.Fatalf("expected stale pid file to be replaced, got error: %v", err)
	}
}

func TestStartWithNoAccountsConfiguredIsNoop(t *testing.T) {
	s, _ := newTestSupervisor(t, func(string) (Credentials, error) {
		t.Fatalf("credentials should not be resolved with no configured accounts")
		return Credentials{}, nil
	})
	if err := s.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}
