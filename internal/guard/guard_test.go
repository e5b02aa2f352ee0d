package guard

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquire_WritesOwnPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")

	g, err := Acquire(path)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer g.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid != os.Getpid() {
		t.Errorf("expected own pid %d in lock file, got %q", os.Getpid(), data)
	}
}

func TestAcquire_RefusesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")

	g, err := Acquire(path)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer g.Release()

	// A second open file description conflicts even within one process.
	if _, err := Acquire(path); err == nil {
		t.Fatal("second acquire succeeded while lock held")
	} else if !strings.Contains(err.Error(), "running") {
		t.Errorf("expected a live-holder refusal, got: %v", err)
	}
}

func TestAcquire_ReclaimsStaleLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")

	// A pid file without a held flock is what a dead holder leaves behind.
	if err := os.WriteFile(path, []byte("99999999"), 0o644); err != nil {
		t.Fatal(err)
	}

	g, err := Acquire(path)
	if err != nil {
		t.Fatalf("expected reclaim of stale lock, got: %v", err)
	}
	defer g.Release()

	data, _ := os.ReadFile(path)
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Errorf("stale pid not replaced: %q", data)
	}
}

func TestRelease_AllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")

	g, err := Acquire(path)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file not removed on release")
	}

	g2, err := Acquire(path)
	if err != nil {
		t.Fatalf("reacquire after release failed: %v", err)
	}
	g2.Release()
}
