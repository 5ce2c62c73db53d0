// internal/journal/follow.go
package journal

import (
	"context"
	"fmt"
	"io"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"
)

// Follower tails a journal file and hands each new record to a callback.
type Follower struct {
	path      string
	fromStart bool
	poll      bool
	logger    *zap.Logger
}

// NewFollower creates a follower for path. With fromStart set the existing
// records are delivered before new ones.
func NewFollower(path string, fromStart bool, logger *zap.Logger) *Follower {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Follower{path: path, fromStart: fromStart, logger: logger.Named("journal-follow")}
}

// Run blocks until ctx is cancelled or the tailer stops, calling fn for every
// record appended to the journal. Rotated files are reopened.
func (f *Follower) Run(ctx context.Context, fn func(Record)) error {
	whence := io.SeekEnd
	if f.fromStart {
		whence = io.SeekStart
	}
	t, err := tail.TailFile(f.path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      f.poll,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail journal: %w", err)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = t.Stop()
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				f.logger.Warn("Error reading from journal", zap.Error(line.Err))
				continue
			}
			rec, ok := decode([]byte(line.Text))
			if !ok {
				f.logger.Debug("Skipping malformed journal line.", zap.String("line", line.Text))
				continue
			}
			fn(rec)
		}
	}
}
