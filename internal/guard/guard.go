// Package guard enforces the single-instance rule: one engine process per
// account. It takes an exclusive flock on a pid file. The kernel drops the
// lock when the holder exits, however it exited, so a crashed engine never
// wedges the next start, while a live one refuses a second launch.
package guard

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Guard is the held lock. Release it on shutdown.
type Guard struct {
	path string
	file *os.File
}

// Acquire takes the exclusive lock at path. If another live process holds
// it, Acquire returns an error naming that pid and the caller must abort.
// A lock file left behind by a dead process is reclaimed.
func Acquire(path string) (*Guard, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("guard: create lock dir: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("guard: open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		pid := readPid(f)
		f.Close()
		if pid > 0 && processAlive(pid) {
			return nil, fmt.Errorf("guard: another engine instance is running (pid %d, lock %s)", pid, path)
		}
		return nil, fmt.Errorf("guard: lock %s is held but the holder is unidentifiable: %w", path, err)
	}

	// Lock acquired. Any pid already in the file belonged to a dead holder,
	// the kernel released its flock on exit.
	if stale := readPid(f); stale > 0 && stale != os.Getpid() {
		log.Printf("[guard] reclaimed lock from dead pid %d", stale)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("guard: truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("guard: write pid: %w", err)
	}

	log.Printf("[guard] instance lock acquired (%s)", path)
	return &Guard{path: path, file: f}, nil
}

// Release drops the lock and removes the pid file. Normal shutdown calls
// this once; abnormal exits are covered by the kernel releasing the flock.
func (g *Guard) Release() error {
	if g == nil || g.file == nil {
		return nil
	}
	os.Remove(g.path)
	err := unix.Flock(int(g.file.Fd()), unix.LOCK_UN)
	if cerr := g.file.Close(); err == nil {
		err = cerr
	}
	g.file = nil
	log.Printf("[guard] instance lock released")
	return err
}

func readPid(f *os.File) int {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0
	}
	data, err := io.ReadAll(io.LimitReader(f, 32))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// processAlive probes a pid with signal 0. EPERM still means the process
// exists, it just belongs to someone else.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
