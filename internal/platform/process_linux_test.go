//go:build linux

package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProc(t *testing.T, root, pid, stat, exe string) {
	t.Helper()
	dir := filepath.Join(root, pid)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644))
	if exe != "" {
		require.NoError(t, os.Symlink(exe, filepath.Join(dir, "exe")))
	}
}

func statLine(pid, comm string, start string) string {
	// pid (comm) state ppid pgrp session tty tpgid flags minflt cminflt majflt cmajflt
	// utime stime cutime cstime priority nice threads itrealvalue starttime
	return pid + " (" + comm + ") S 1 1 1 0 -1 0 0 0 0 0 0 0 0 0 20 0 1 0 " + start + " 0 0"
}

func TestProcFS(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "1", statLine("1", "init", "10"), "/sbin/init")
	writeProc(t, root, "42", statLine("42", "evil (x)", "900"), "/tmp/evil (deleted)")
	writeProc(t, root, "7", statLine("7", "sshd", "50"), "")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sys"), 0o755))

	p := ProcFS{Root: root}

	t.Run("List", func(t *testing.T) {
		pids, err := p.List()
		require.NoError(t, err)
		assert.ElementsMatch(t, []int{1, 7, 42}, pids)
	})

	t.Run("ExecutablePath", func(t *testing.T) {
		path, err := p.ExecutablePath(42)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/evil", path)

		_, err = p.ExecutablePath(7)
		assert.Error(t, err)
	})

	t.Run("Newest", func(t *testing.T) {
		info, err := p.Newest()
		require.NoError(t, err)
		assert.Equal(t, ProcessInfo{PID: 42, Name: "evil (x)"}, info)
	})
}
