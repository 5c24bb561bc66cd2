package stream

import (
	"context"
	"sync"
	"time"

	"github.com/kylemclaren/claude-routines/internal/db"
)

// Subscription is one observer's cursor over the log store
type Subscription struct {
	ID string
	// Events delivers lines in id order followed, for execution streams, by one completion event.
	// It is closed when the subscription ends.
	Events <-chan Event

	events      chan Event
	ownerID     string
	executionID int64
	cursor      int64
	wake        chan struct{}
	cancel      context.CancelFunc
	m           *Manager

	// owner-wide streams: executions seen but not yet reported terminal, and those already reported.
	// execCursor is the newest execution id already considered.
	mu         sync.Mutex
	open       map[int64]struct{}
	done       map[int64]struct{}
	execCursor int64
}

// Cursor returns the id of the last line delivered
func (s *Subscription) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// notify never blocks: a pending wake already covers this one
func (s *Subscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) track(executionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, reported := s.done[executionID]; !reported {
		s.open[executionID] = struct{}{}
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.events)

	ticker := time.NewTicker(s.m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		finished, err := s.pump(ctx)
		if err != nil && ctx.Err() == nil {
			s.m.logger.WithError(err).WithField("subscription", s.ID).Warn("Stream read failed, retrying")
		}
		if finished || ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// pump delivers everything currently readable and reports whether the stream is finished
func (s *Subscription) pump(ctx context.Context) (bool, error) {
	if s.executionID != 0 {
		return s.pumpExecution(ctx)
	}
	return false, s.pumpOwner(ctx)
}

func (s *Subscription) pumpExecution(ctx context.Context) (bool, error) {
	if err := s.drain(ctx); err != nil {
		return false, err
	}
	e, err := s.m.executions.Get(ctx, s.ownerID, s.executionID)
	if err != nil {
		return false, err
	}
	if !e.Status.Terminal() {
		return false, nil
	}
	// lines written before the terminal status are committed by now
	if err := s.drain(ctx); err != nil {
		return false, err
	}
	if !s.send(ctx, Event{Type: EventComplete, Completion: completion(e)}) {
		return false, ctx.Err()
	}
	return true, nil
}

func (s *Subscription) pumpOwner(ctx context.Context) error {
	if err := s.drain(ctx); err != nil {
		return err
	}
	if err := s.discover(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	candidates := make([]int64, 0, len(s.open))
	for id := range s.open {
		candidates = append(candidates, id)
	}
	s.mu.Unlock()

	for _, id := range candidates {
		e, err := s.m.executions.Get(ctx, s.ownerID, id)
		if err != nil {
			return err
		}
		if !e.Status.Terminal() {
			continue
		}
		if err := s.drain(ctx); err != nil {
			return err
		}
		if !s.send(ctx, Event{Type: EventComplete, Completion: completion(e)}) {
			return ctx.Err()
		}
		s.mu.Lock()
		delete(s.open, id)
		s.done[id] = struct{}{}
		s.mu.Unlock()
	}
	return nil
}

// discover tracks executions created since the last pass, so one that finishes without
// log lines or a notification still gets its completion event
func (s *Subscription) discover(ctx context.Context) error {
	for {
		execs, err := s.m.executions.ListOwnerSince(ctx, s.ownerID, s.execCursor, s.m.cfg.PageSize)
		if err != nil {
			return err
		}
		for _, e := range execs {
			s.track(e.ID)
			s.execCursor = e.ID
		}
		if len(execs) < s.m.cfg.PageSize {
			return nil
		}
	}
}

// drain reads pages after the cursor until the store has nothing newer
func (s *Subscription) drain(ctx context.Context) error {
	for {
		var (
			lines []*db.LogLine
			err   error
		)
		cursor := s.Cursor()
		if s.executionID != 0 {
			lines, err = s.m.logs.ListSinceLimit(ctx, s.ownerID, s.executionID, cursor, s.m.cfg.PageSize)
		} else {
			lines, err = s.m.logs.ListOwnerSince(ctx, s.ownerID, cursor, s.m.cfg.PageSize)
		}
		if err != nil {
			return err
		}
		for _, line := range lines {
			if !s.send(ctx, Event{Type: EventLog, Line: line}) {
				return ctx.Err()
			}
			s.mu.Lock()
			s.cursor = line.ID
			if s.executionID == 0 {
				if _, reported := s.done[line.ExecutionID]; !reported {
					s.open[line.ExecutionID] = struct{}{}
				}
			}
			s.mu.Unlock()
		}
		if len(lines) < s.m.cfg.PageSize {
			return nil
		}
	}
}

// send blocks until the consumer takes the event; slow consumers hold back only their own stream
func (s *Subscription) send(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func completion(e *db.Execution) *CompletionEvent {
	c := &CompletionEvent{
		ExecutionID: e.ID,
		Status:      e.Status,
		CostUSD:     e.CostUSD,
		DurationMs:  e.DurationMs,
	}
	if e.ErrorMessage != nil {
		c.Error = *e.ErrorMessage
	}
	return c
}
