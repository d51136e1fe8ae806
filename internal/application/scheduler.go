package application

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davarch/gridci/internal/cron"
	"github.com/davarch/gridci/internal/domain"
)

// ScheduleEntry binds one workflow to its parsed cron schedules.
type ScheduleEntry struct {
	Workflow  string
	Schedules []cron.Schedule
}

// Scheduler fires schedule events at the exact cron times of the
// registered workflows. A pause file suppresses firing without
// stopping the loop; removing it resumes.
type Scheduler struct {
	log       *zap.Logger
	svc       *Service
	pauseFile string

	mu      sync.RWMutex
	entries []ScheduleEntry

	kick chan struct{}
}

func NewScheduler(log *zap.Logger, svc *Service, entries []ScheduleEntry, pauseFile string) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		log: log, svc: svc, entries: entries, pauseFile: pauseFile,
		kick: make(chan struct{}, 1),
	}
}

// UpdateEntries replaces the schedule table and wakes the loop so the
// next fire time is recomputed immediately.
func (s *Scheduler) UpdateEntries(entries []ScheduleEntry) {
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	s.log.Info("schedules reloaded", zap.Int("workflows", len(entries)))

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	for {
		fireAt, due := s.next(time.Now())
		if fireAt.IsZero() {
			select {
			case <-ctx.Done():
				return
			case <-s.kick:
				continue
			}
		}

		timer := time.NewTimer(time.Until(fireAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.kick:
			timer.Stop()
			continue
		case <-timer.C:
			s.fire(due, fireAt)
		}
	}
}

// next computes the earliest upcoming fire time across every entry
// and the workflows due at it. A zero time means nothing is
// scheduled.
func (s *Scheduler) next(now time.Time) (time.Time, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var at time.Time
	var due []string
	for _, entry := range s.entries {
		for _, sched := range entry.Schedules {
			t, err := sched.Next(now)
			if err != nil {
				continue
			}
			switch {
			case at.IsZero() || t.Before(at):
				at = t
				due = []string{entry.Workflow}
			case t.Equal(at):
				if !contains(due, entry.Workflow) {
					due = append(due, entry.Workflow)
				}
			}
		}
	}
	return at, due
}

func (s *Scheduler) fire(names []string, at time.Time) {
	if s.isPaused() {
		s.log.Debug("paused: skipping scheduled runs")
		return
	}
	for _, name := range names {
		id, err := s.svc.Dispatch(name, domain.Event{Type: domain.EventSchedule})
		if err != nil {
			s.log.Warn("scheduled run failed to start", zap.String("workflow", name), zap.Error(err))
			continue
		}
		s.log.Info("scheduled run started",
			zap.String("workflow", name),
			zap.String("run_id", id),
			zap.Time("fired_at", at))
	}
}

func (s *Scheduler) isPaused() bool {
	if s.pauseFile == "" {
		return false
	}
	_, err := os.Stat(s.pauseFile)
	return err == nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
