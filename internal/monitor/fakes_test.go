package monitor

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/warden/internal/journal"
	"github.com/xkilldash9x/warden/internal/platform"
	"github.com/xkilldash9x/warden/internal/quarantine"
)

// fakeScanner flags paths containing one of its needles.
type fakeScanner struct {
	mu      sync.Mutex
	threats map[string]string
	calls   map[string]int
	gate    chan struct{}
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{threats: map[string]string{}, calls: map[string]int{}}
}

func (s *fakeScanner) flag(needle, threat string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threats[needle] = threat
}

func (s *fakeScanner) LocalScan(path string, deep, wantName bool) string {
	s.mu.Lock()
	s.calls[path]++
	gate := s.gate
	var threat string
	for needle, t := range s.threats {
		if strings.Contains(path, needle) {
			threat = t
		}
	}
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return threat
}

func (s *fakeScanner) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

type fakeQuarantine struct {
	mu    sync.Mutex
	added []string
	err   error
}

func (q *fakeQuarantine) Add(path, virus string) (quarantine.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return quarantine.Item{}, q.err
	}
	q.added = append(q.added, path)
	return quarantine.Item{OriginalPath: path, VirusName: virus}, nil
}

func (q *fakeQuarantine) paths() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.added...)
}

type fakeTrust struct {
	trusted map[string]bool
}

func (t fakeTrust) IsTrusted(path string) bool { return t.trusted[path] }

type fakeJournal struct {
	mu   sync.Mutex
	recs []journal.Record
}

func (j *fakeJournal) Append(r journal.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs = append(j.recs, r)
	return nil
}

func (j *fakeJournal) records() []journal.Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Record(nil), j.recs...)
}

type harness struct {
	scanner    *fakeScanner
	quarantine *fakeQuarantine
	journal    *fakeJournal
	responder  *Responder
}

func newHarness(t *testing.T, buffer int, trusted ...string) *harness {
	t.Helper()
	h := &harness{scanner: newFakeScanner(), quarantine: &fakeQuarantine{}, journal: &fakeJournal{}}
	tr := fakeTrust{trusted: map[string]bool{}}
	for _, p := range trusted {
		tr.trusted[p] = true
	}
	r, err := NewResponder(ResponderConfig{
		Scanner:      h.scanner,
		Quarantine:   h.quarantine,
		Trust:        tr,
		Journal:      h.journal,
		EventsBuffer: buffer,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	h.responder = r
	return h
}

// fakeRegistry is an in-memory registry shared between the test and the monitor.
type fakeRegistry struct {
	mu      sync.Mutex
	data    platform.Snapshot
	failing bool
	sets    int
	deletes int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{data: platform.Snapshot{}}
}

func (r *fakeRegistry) Snapshot(keys []platform.KeyRef) (platform.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return nil, errors.New("registry unavailable")
	}
	out := platform.Snapshot{}
	for _, k := range keys {
		vals, ok := r.data[k]
		if !ok {
			continue
		}
		cp := make(map[string]platform.Value, len(vals))
		for n, v := range vals {
			cp[n] = v
		}
		out[k] = cp
	}
	return out, nil
}

func (r *fakeRegistry) SetValue(key platform.KeyRef, name string, v platform.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets++
	r.putLocked(key, name, v)
	return nil
}

func (r *fakeRegistry) DeleteValue(key platform.KeyRef, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes++
	delete(r.data[key], name)
	return nil
}

func (r *fakeRegistry) put(key platform.KeyRef, name string, v platform.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(key, name, v)
}

func (r *fakeRegistry) putLocked(key platform.KeyRef, name string, v platform.Value) {
	if r.data[key] == nil {
		r.data[key] = map[string]platform.Value{}
	}
	r.data[key][name] = v
}

// apply mutates the registry atomically with respect to snapshots.
func (r *fakeRegistry) apply(fn func(platform.Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.data)
}

func (r *fakeRegistry) remove(key platform.KeyRef, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data[key], name)
}

func (r *fakeRegistry) get(key platform.KeyRef, name string) (platform.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.data[key][name]
	return v, ok
}

// fakeProcesses serves a mutable process table.
type fakeProcesses struct {
	mu         sync.Mutex
	table      map[int]string
	terminated []int
	killErr    error
	newest     platform.ProcessInfo
	lists      int
}

func newFakeProcesses(table map[int]string) *fakeProcesses {
	return &fakeProcesses{table: table}
}

func (p *fakeProcesses) List() ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lists++
	pids := make([]int, 0, len(p.table))
	for pid := range p.table {
		pids = append(pids, pid)
	}
	return pids, nil
}

func (p *fakeProcesses) ExecutablePath(pid int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path, ok := p.table[pid]
	if !ok || path == "" {
		return "", errors.New("no such process")
	}
	return path, nil
}

func (p *fakeProcesses) Terminate(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killErr != nil {
		return p.killErr
	}
	p.terminated = append(p.terminated, pid)
	delete(p.table, pid)
	return nil
}

func (p *fakeProcesses) Newest() (platform.ProcessInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.newest, nil
}

func (p *fakeProcesses) spawn(pid int, path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.table[pid] = path
}

func (p *fakeProcesses) killed() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.terminated...)
}

func (p *fakeProcesses) listCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lists
}
