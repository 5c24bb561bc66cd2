package logs

import (
	"context"
	"errors"
	"fmt"

	"github.com/kylemclaren/claude-routines/internal/db"
)

// DefaultLimit caps ListAll when the caller passes no limit
const DefaultLimit = 1000

// ErrInvalidLevel is returned for a level outside debug, info, warn and error
var ErrInvalidLevel = errors.New("invalid log level")

// Notifier is told about every appended line. The progress broadcaster implements it.
type Notifier interface {
	LogAppended(line *db.LogLine)
}

// Entry is one line a runtime wants to record
type Entry struct {
	Level    db.LogLevel
	Stage    string
	Message  string
	Metadata db.JSON
}

// Store is the append-only, id-ordered log of each execution
type Store struct {
	db       *db.DB
	notifier Notifier
}

// New creates a log store. notifier may be nil.
func New(database *db.DB, notifier Notifier) *Store {
	return &Store{db: database, notifier: notifier}
}

// Append writes a line for an execution owned by ownerID and notifies subscribers
func (s *Store) Append(ctx context.Context, ownerID string, executionID int64, entry Entry) (*db.LogLine, error) {
	if entry.Level == "" {
		entry.Level = db.LevelInfo
	}
	switch entry.Level {
	case db.LevelDebug, db.LevelInfo, db.LevelWarn, db.LevelError:
	default:
		return nil, fmt.Errorf("%w %q", ErrInvalidLevel, entry.Level)
	}

	line := &db.LogLine{
		OwnerID:     ownerID,
		ExecutionID: executionID,
		Level:       entry.Level,
		Stage:       entry.Stage,
		Message:     entry.Message,
		Metadata:    entry.Metadata,
	}
	if err := s.db.AppendLogLine(ctx, line); err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.LogAppended(line)
	}
	return line, nil
}

// Count returns how many lines an execution has
func (s *Store) Count(ctx context.Context, ownerID string, executionID int64) (int, error) {
	return s.db.CountLogLines(ctx, ownerID, executionID)
}

// ListAll returns the first limit lines of an execution in id order
func (s *Store) ListAll(ctx context.Context, ownerID string, executionID int64, limit int) ([]*db.LogLine, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return s.db.ListLogLines(ctx, ownerID, executionID, limit)
}

// ListSince returns every line with id strictly greater than sinceID, ascending.
// Remembering the last id seen is enough to resume without loss or duplication.
func (s *Store) ListSince(ctx context.Context, ownerID string, executionID, sinceID int64) ([]*db.LogLine, error) {
	return s.db.LogLinesSince(ctx, ownerID, executionID, sinceID, 0)
}

// ListSinceLimit is ListSince bounded to limit lines, for paging
func (s *Store) ListSinceLimit(ctx context.Context, ownerID string, executionID, sinceID int64, limit int) ([]*db.LogLine, error) {
	return s.db.LogLinesSince(ctx, ownerID, executionID, sinceID, limit)
}

// ListOwnerSince returns lines of all executions of an owner after sinceID
func (s *Store) ListOwnerSince(ctx context.Context, ownerID string, sinceID int64, limit int) ([]*db.LogLine, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return s.db.OwnerLogLinesSince(ctx, ownerID, sinceID, limit)
}

// LatestID returns the newest line id of an owner, the live cursor for a stream without history
func (s *Store) LatestID(ctx context.Context, ownerID string) (int64, error) {
	return s.db.LatestLogLineID(ctx, ownerID)
}
