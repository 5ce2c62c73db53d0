// internal/monitor/registry.go
package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/warden/internal/config"
	"github.com/xkilldash9x/warden/internal/platform"
)

// RegistryThreat names interceptions raised by the registry monitor.
const RegistryThreat = "HEUR:Registry.Autorun.a"

// autorunPaths are polled in every hive listed with them.
var autorunPaths = []struct {
	hives []platform.Hive
	path  string
}{
	{both, `Software\Microsoft\Windows\CurrentVersion\Run`},
	{both, `Software\Microsoft\Windows\CurrentVersion\RunOnce`},
	{both, `Software\Microsoft\Windows\CurrentVersion\RunOnceEx`},
	{both, `Software\Microsoft\Windows\CurrentVersion\RunServices`},
	{both, `Software\Microsoft\Windows\CurrentVersion\RunServicesOnce`},
	{both, `Software\Microsoft\Windows\CurrentVersion\Policies\Explorer\Run`},
	{both, `Software\Microsoft\Windows NT\CurrentVersion\Winlogon`},
	{both, `Software\Microsoft\Windows NT\CurrentVersion\Windows`},
	{machine, `Software\Microsoft\Windows\CurrentVersion\Explorer\Shell Folders`},
	{machine, `Software\Microsoft\Windows\CurrentVersion\Explorer\User Shell Folders`},
	{machine, `System\CurrentControlSet\Control\Session Manager`},
	{user, `Software\Microsoft\Command Processor`},
	{machine, `Software\Microsoft\Command Processor`},
}

var (
	both    = []platform.Hive{platform.LocalMachine, platform.CurrentUser}
	machine = []platform.Hive{platform.LocalMachine}
	user    = []platform.Hive{platform.CurrentUser}
)

// maliciousFragments are matched case-insensitively against new string content.
var maliciousFragments = []string{
	"cmd.exe /c",
	"powershell.exe -enc",
	"powershell -enc",
	"-encodedcommand",
	"rundll32.exe javascript",
	"mshta.exe http",
	"mshta vbscript:",
	"regsvr32 /s /n /u /i:",
	"certutil -urlcache",
	"bitsadmin /transfer",
	"frombase64string",
	"wscript.exe //e:",
}

// AutorunKeys returns the polled keys in the 64-bit view and, when
// include32 is set, the LocalMachine keys again in the 32-bit view.
// CurrentUser software keys are shared between views, so a second pass
// over them would report every change twice.
func AutorunKeys(include32 bool) []platform.KeyRef {
	var keys []platform.KeyRef
	for _, a := range autorunPaths {
		for _, h := range a.hives {
			keys = append(keys, platform.KeyRef{Hive: h, View: platform.View64, Path: a.path})
		}
	}
	if !include32 {
		return keys
	}
	for _, k := range keys {
		if k.Hive == platform.LocalMachine {
			k.View = platform.View32
			keys = append(keys, k)
		}
	}
	return keys
}

// RegistryChange is one difference between two snapshots. Old is nil for a
// created value and New is nil for a deleted one. A key created without
// values yields a change with an empty ValueName and both sides nil.
type RegistryChange struct {
	Key         platform.KeyRef
	ValueName   string
	Old         *platform.Value
	New         *platform.Value
	ProcessName string
	ProcessID   int
}

// Location renders the key and value for logs and whitelist matching.
func (c RegistryChange) Location() string {
	loc := c.Key.Hive.String() + `\` + c.Key.Path
	if c.ValueName != "" {
		loc += `\` + c.ValueName
	}
	return loc
}

// Deleted reports whether the value was removed.
func (c RegistryChange) Deleted() bool { return c.Old != nil && c.New == nil }

// Diff lists the changes from prev to cur in key then value name order.
// Values of a key that disappeared are reported as deleted.
func Diff(prev, cur platform.Snapshot) []RegistryChange {
	var changes []RegistryChange
	for _, key := range unionKeys(prev, cur) {
		before, hadKey := prev[key]
		after, hasKey := cur[key]
		if !hadKey && hasKey && len(after) == 0 {
			changes = append(changes, RegistryChange{Key: key})
			continue
		}
		for _, name := range unionNames(before, after) {
			o, hadValue := before[name]
			n, hasValue := after[name]
			switch {
			case hadValue && hasValue:
				if !o.Equal(n) {
					changes = append(changes, RegistryChange{Key: key, ValueName: name, Old: &o, New: &n})
				}
			case hadValue:
				changes = append(changes, RegistryChange{Key: key, ValueName: name, Old: &o})
			case hasValue:
				changes = append(changes, RegistryChange{Key: key, ValueName: name, New: &n})
			}
		}
	}
	return changes
}

func unionKeys(a, b platform.Snapshot) []platform.KeyRef {
	seen := make(map[platform.KeyRef]struct{}, len(a)+len(b))
	var keys []platform.KeyRef
	for _, s := range []platform.Snapshot{a, b} {
		for k := range s {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func unionNames(a, b map[string]platform.Value) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var names []string
	for _, m := range []map[string]platform.Value{a, b} {
		for n := range m {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				names = append(names, n)
			}
		}
	}
	sort.Strings(names)
	return names
}

// RegistryMonitor polls autorun keys and reverts malicious changes.
type RegistryMonitor struct {
	*lifecycle

	reg       platform.Registry
	procs     platform.Processes
	responder *Responder
	keys      []platform.KeyRef
	fragments []string
	interval  time.Duration
	backoff   time.Duration
	whitelist string
	logger    *zap.Logger

	elevated func() bool
	is64     func() bool

	// Owned by the loop goroutine.
	baseline platform.Snapshot
	allow    *Whitelist
}

// NewRegistryMonitor creates a registry monitor. procs may be nil, in which
// case changes are not attributed to a process.
func NewRegistryMonitor(cfg config.MonitorConfig, whitelistPath string, reg platform.Registry, procs platform.Processes, responder *Responder, logger *zap.Logger) (*RegistryMonitor, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry backend cannot be nil")
	}
	if responder == nil {
		return nil, fmt.Errorf("responder cannot be nil")
	}
	if cfg.Registry.PollInterval <= 0 {
		return nil, fmt.Errorf("registry poll interval must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("registry-monitor")

	fragments := append([]string(nil), maliciousFragments...)
	for _, f := range cfg.Registry.ExtraFragments {
		if f = strings.TrimSpace(f); f != "" {
			fragments = append(fragments, strings.ToLower(f))
		}
	}

	return &RegistryMonitor{
		lifecycle: newLifecycle("registry", cfg.StopTimeout, log),
		reg:       reg,
		procs:     procs,
		responder: responder,
		fragments: fragments,
		interval:  cfg.Registry.PollInterval,
		backoff:   cfg.ErrorBackoff,
		whitelist: whitelistPath,
		logger:    log,
		elevated:  platform.IsElevated,
		is64:      platform.Is64BitOS,
	}, nil
}

// Name implements Monitor.
func (m *RegistryMonitor) Name() string { return "registry" }

// Enabled implements Monitor.
func (m *RegistryMonitor) Enabled() bool { return m.running() }

// Disable implements Monitor.
func (m *RegistryMonitor) Disable() error { return m.stop() }

// Enable takes the initial snapshot and starts polling. It fails with
// ErrNotElevated without administrator rights.
func (m *RegistryMonitor) Enable(ctx context.Context) error {
	return m.start(ctx, func() (func(context.Context), error) {
		if !m.elevated() {
			return nil, ErrNotElevated
		}
		allow, err := LoadWhitelist(m.whitelist)
		if err != nil {
			return nil, err
		}
		m.keys = AutorunKeys(m.is64())
		snap, err := m.reg.Snapshot(m.keys)
		if err != nil {
			return nil, fmt.Errorf("initial registry snapshot: %w", err)
		}
		m.allow, m.baseline = allow, snap
		m.logger.Info("Registry baseline captured.",
			zap.Int("keys", len(m.keys)), zap.Int("present", len(snap)), zap.Int("whitelist", allow.Len()))
		return m.run, nil
	})
}

func (m *RegistryMonitor) run(ctx context.Context) {
	for sleep(ctx, m.interval) {
		if err := guard(func() error { return m.tick() }); err != nil {
			m.logger.Error("Registry poll failed.", zap.Error(err))
			if !sleep(ctx, m.backoff) {
				return
			}
		}
	}
}

// tick diffs a fresh snapshot against the baseline and reverts malicious
// changes. The baseline becomes the post-remediation state.
func (m *RegistryMonitor) tick() error {
	snap, err := m.reg.Snapshot(m.keys)
	if err != nil {
		return fmt.Errorf("registry snapshot: %w", err)
	}
	changes := Diff(m.baseline, snap)
	if len(changes) == 0 {
		return nil
	}

	actor := m.attribute()
	reverted := 0
	for _, c := range changes {
		c.ProcessName, c.ProcessID = actor.Name, actor.PID
		if m.allow.Matches(c.ProcessName, c.Location()) {
			m.logger.Debug("Whitelisted registry change.", zap.String("location", c.Location()), zap.String("process", c.ProcessName))
			continue
		}
		if !m.malicious(c) {
			continue
		}
		m.remediate(c)
		reverted++
	}

	if reverted == 0 {
		m.baseline = snap
		return nil
	}
	refreshed, err := m.reg.Snapshot(m.keys)
	if err != nil {
		m.baseline = snap
		return fmt.Errorf("refreshing registry snapshot: %w", err)
	}
	m.baseline = refreshed
	return nil
}

func (m *RegistryMonitor) attribute() platform.ProcessInfo {
	if m.procs == nil {
		return platform.ProcessInfo{}
	}
	info, err := m.procs.Newest()
	if err != nil {
		m.logger.Debug("Could not attribute registry change.", zap.Error(err))
		return platform.ProcessInfo{}
	}
	return info
}

// malicious is true for deleted values and for new content containing a
// known command fragment.
func (m *RegistryMonitor) malicious(c RegistryChange) bool {
	if c.Deleted() {
		return true
	}
	if c.New == nil {
		return false
	}
	text := strings.ToLower(c.New.Text())
	for _, f := range m.fragments {
		if strings.Contains(text, f) {
			return true
		}
	}
	return false
}

// remediate reports the change and restores the prior state.
func (m *RegistryMonitor) remediate(c RegistryChange) {
	loc := c.Location()
	m.logger.Warn("Malicious registry change detected.",
		zap.String("key", c.Key.String()),
		zap.String("value", c.ValueName),
		zap.String("process", c.ProcessName),
		zap.Int("pid", c.ProcessID))
	m.responder.reportRegistry(loc, RegistryThreat)

	err := Revert(m.reg, c)
	if err != nil {
		m.logger.Error("Failed to revert registry change.", zap.String("location", loc), zap.Error(err))
	} else {
		m.logger.Info("Registry change reverted.", zap.String("location", loc))
	}
	m.responder.recordRevert(loc, RegistryThreat, err)
}

// Revert undoes one change: a deleted value is recreated, a created value is
// deleted and a modified value gets its old content back.
func Revert(reg platform.Registry, c RegistryChange) error {
	switch {
	case c.Old != nil:
		return reg.SetValue(c.Key, c.ValueName, *c.Old)
	case c.New != nil:
		return reg.DeleteValue(c.Key, c.ValueName)
	default:
		return nil
	}
}
