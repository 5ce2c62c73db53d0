//go:build linux

package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ProcFS reads process state from a procfs mount.
type ProcFS struct {
	Root string
}

// NewProcesses returns a backend over /proc.
func NewProcesses() (Processes, error) {
	if _, err := os.Stat("/proc/self"); err != nil {
		return nil, fmt.Errorf("procfs unavailable: %w", err)
	}
	return ProcFS{Root: "/proc"}, nil
}

func (p ProcFS) List() ([]int, error) {
	entries, err := os.ReadDir(p.Root)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p.Root, err)
	}
	pids := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func (p ProcFS) ExecutablePath(pid int) (string, error) {
	path, err := os.Readlink(filepath.Join(p.Root, strconv.Itoa(pid), "exe"))
	if err != nil {
		return "", fmt.Errorf("resolving image of pid %d: %w", pid, err)
	}
	// The kernel appends this marker when the image was unlinked after exec.
	return strings.TrimSuffix(path, " (deleted)"), nil
}

func (ProcFS) Terminate(pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("terminating pid %d: %w", pid, err)
	}
	return nil
}

// Newest approximates the most recently started process by the highest
// start time recorded in /proc/<pid>/stat.
func (p ProcFS) Newest() (ProcessInfo, error) {
	pids, err := p.List()
	if err != nil {
		return ProcessInfo{}, err
	}
	var (
		best      ProcessInfo
		bestStart uint64
		found     bool
	)
	for _, pid := range pids {
		name, start, err := p.stat(pid)
		if err != nil {
			continue
		}
		if !found || start > bestStart {
			best, bestStart, found = ProcessInfo{PID: pid, Name: name}, start, true
		}
	}
	if !found {
		return ProcessInfo{}, errors.New("no readable processes")
	}
	return best, nil
}

// stat returns the command name and start time (field 22) of pid.
func (p ProcFS) stat(pid int) (string, uint64, error) {
	raw, err := os.ReadFile(filepath.Join(p.Root, strconv.Itoa(pid), "stat"))
	if err != nil {
		return "", 0, err
	}
	s := string(raw)
	open, end := strings.IndexByte(s, '('), strings.LastIndexByte(s, ')')
	if open < 0 || end < open {
		return "", 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	name := s[open+1 : end]
	// Fields after the command start at field 3 (state).
	fields := strings.Fields(s[end+1:])
	if len(fields) < 20 {
		return "", 0, fmt.Errorf("short stat for pid %d", pid)
	}
	start, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return "", 0, err
	}
	return name, start, nil
}
