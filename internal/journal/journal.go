// Package journal keeps an append-only JSON-lines record of every remediation
// the monitors perform.
package journal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xkilldash9x/warden/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Actions recorded by the monitors.
const (
	ActionQuarantine = "quarantine"
	ActionTerminate  = "terminate"
	ActionRevert     = "revert"
	ActionRename     = "rename"
)

// maxLine bounds a single record when reading the journal back.
const maxLine = 1 << 20

// Record is one remediation attempt.
type Record struct {
	Time      time.Time `json:"time"`
	Source    string    `json:"source"`
	Path      string    `json:"path"`
	Threat    string    `json:"threat,omitempty"`
	Action    string    `json:"action"`
	Succeeded bool      `json:"succeeded"`
	Detail    string    `json:"detail,omitempty"`
}

// Journal appends records to a rotated file. It is safe for concurrent use.
type Journal struct {
	mu     sync.Mutex
	out    io.WriteCloser
	path   string
	logger *zap.Logger
	now    func() time.Time
}

// Open creates a journal writing to cfg.Path.
func Open(cfg config.JournalConfig, logger *zap.Logger) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		out: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		},
		path:   cfg.Path,
		logger: logger.Named("journal"),
		now:    time.Now,
	}, nil
}

// Path returns the active journal file.
func (j *Journal) Path() string {
	return j.path
}

// Append writes r as one line. A zero Time is stamped with the current time.
func (j *Journal) Append(r Record) error {
	if r.Time.IsZero() {
		r.Time = j.now().UTC()
	}
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode journal record: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.out.Write(line); err != nil {
		j.logger.Error("Failed to append journal record.", zap.String("path", r.Path), zap.Error(err))
		return fmt.Errorf("failed to append journal record: %w", err)
	}
	return nil
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.out.Close()
}

// ReadAll returns every well-formed record in the journal at path. A missing
// journal is empty. Malformed lines are skipped.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		if rec, ok := decode(sc.Bytes()); ok {
			out = append(out, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("failed to read journal: %w", err)
	}
	return out, nil
}

func decode(line []byte) (Record, bool) {
	var r Record
	if len(line) == 0 || json.Unmarshal(line, &r) != nil {
		return Record{}, false
	}
	return r, true
}
