// internal/scheduler/scheduler.go
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/user/clawterm/internal/types"
)

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Checkpointable is a session that can be saved between turns.
type Checkpointable interface {
	ID() types.SessionID
	ActiveTurn() types.TurnID
	Save(path string) error
}

// Scheduler runs named jobs on cron schedules.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	started bool
}

// New creates a new Scheduler. Jobs are added with Add before Start.
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithParser(cronParser)),
	}
}

// Add registers fn under name. An invalid schedule is rejected.
func (s *Scheduler) Add(name, schedule string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.cron.AddFunc(schedule, func() {
		slog.Debug("cron firing job", "name", name)
		fn()
	})
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q for %s: %w", schedule, name, err)
	}
	slog.Info("scheduled job", "name", name, "schedule", schedule)
	return nil
}

// AddCheckpoint schedules periodic saves of sess to path.
func (s *Scheduler) AddCheckpoint(schedule string, sess Checkpointable, path string) error {
	return s.Add("checkpoint", schedule, func() {
		if _, err := Checkpoint(sess, path); err != nil {
			slog.Error("checkpoint failed", "session_id", sess.ID(), "path", path, "error", err)
		}
	})
}

// Checkpoint saves sess to path unless a turn is running. It reports whether
// a save happened.
func Checkpoint(sess Checkpointable, path string) (bool, error) {
	if turn := sess.ActiveTurn(); turn != "" {
		slog.Debug("checkpoint skipped, turn active", "session_id", sess.ID(), "turn_id", turn)
		return false, nil
	}
	if err := sess.Save(path); err != nil {
		return false, err
	}
	slog.Debug("checkpoint saved", "session_id", sess.ID(), "path", path)
	return true, nil
}

// Start starts the cron ticker.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop stops the cron ticker and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if started {
		<-s.cron.Stop().Done()
	}
}
