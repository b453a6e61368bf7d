// Package lock guards against running two coordinators over the same
// worker fleet and state database.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// PIDFile is an exclusive instance lock: a pid file held with flock(2).
// The lock lives as long as the descriptor stays open, so a crashed
// process releases it automatically.
type PIDFile struct {
	path string
	f    *os.File
}

// Acquire takes the lock at path and records the current PID in it.
// Fails immediately when another live process holds it.
func Acquire(path string) (*PIDFile, error) {
	if path == "" {
		return nil, fmt.Errorf("pid file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create pid file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pid file: %w", err)
	}

	cleanup := func(step string, cause error) (*PIDFile, error) {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", step, cause)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock pid file (is another instance running?): %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return cleanup("truncate pid file", err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		return cleanup("write pid", err)
	}
	if err := f.Sync(); err != nil {
		return cleanup("sync pid file", err)
	}

	return &PIDFile{path: path, f: f}, nil
}

// Path returns the pid file location.
func (p *PIDFile) Path() string { return p.path }

// Release unlocks and removes the pid file. Safe to call once.
func (p *PIDFile) Release() {
	if p == nil || p.f == nil {
		return
	}
	_ = syscall.Flock(int(p.f.Fd()), syscall.LOCK_UN)
	_ = p.f.Close()
	p.f = nil
	_ = os.Remove(p.path)
}
