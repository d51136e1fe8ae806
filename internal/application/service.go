package application

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/davarch/gridci/internal/domain"
)

// RegisteredWorkflow is one entry of the runner's workflow registry.
type RegisteredWorkflow struct {
	Name    string
	Path    string
	Enabled bool
}

// Service owns the workflow registry and starts runs for incoming
// events. Runs execute asynchronously on the base context given at
// construction, not on request contexts, which die with their
// response; callers get run IDs back immediately. Wait blocks until
// every started run has drained.
type Service struct {
	base   context.Context
	log    *zap.Logger
	loader domain.WorkflowLoader
	uc     *RunUseCase

	wg sync.WaitGroup

	mu        sync.RWMutex
	workflows []RegisteredWorkflow
}

func NewService(base context.Context, log *zap.Logger, loader domain.WorkflowLoader, uc *RunUseCase, workflows []RegisteredWorkflow) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{base: base, log: log, loader: loader, uc: uc, workflows: workflows}
}

// UpdateWorkflows replaces the registry, for configuration reloads.
func (s *Service) UpdateWorkflows(workflows []RegisteredWorkflow) {
	s.mu.Lock()
	s.workflows = workflows
	s.mu.Unlock()
	s.log.Info("workflows reloaded", zap.Int("workflows", len(workflows)))
}

func (s *Service) registry() []RegisteredWorkflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RegisteredWorkflow, len(s.workflows))
	copy(out, s.workflows)
	return out
}

// Trigger starts a run of every enabled workflow whose triggers match
// the event and returns their run IDs. Workflows that fail to load
// are logged and skipped; a broken file must not block the others.
func (s *Service) Trigger(ev domain.Event) []string {
	var ids []string
	for _, reg := range s.registry() {
		if !reg.Enabled {
			continue
		}
		wf, err := s.loader.Load(reg.Path)
		if err != nil {
			s.log.Warn("failed to load workflow", zap.String("workflow", reg.Name), zap.Error(err))
			continue
		}
		if !wf.On.Match(ev) {
			continue
		}
		ids = append(ids, s.start(wf, ev))
	}
	return ids
}

// Dispatch starts a run of one workflow by name. The event still has
// to match the workflow's triggers.
func (s *Service) Dispatch(name string, ev domain.Event) (string, error) {
	for _, reg := range s.registry() {
		if reg.Name != name {
			continue
		}
		if !reg.Enabled {
			return "", fmt.Errorf("%w: %s", domain.ErrWorkflowDisabled, name)
		}
		wf, err := s.loader.Load(reg.Path)
		if err != nil {
			return "", fmt.Errorf("failed to load workflow %s: %w", name, err)
		}
		if !wf.On.Match(ev) {
			return "", fmt.Errorf("%w: workflow %q has no %s trigger",
				domain.ErrTriggerMismatch, name, ev.Type)
		}
		return s.start(wf, ev), nil
	}
	return "", fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, name)
}

func (s *Service) start(wf domain.Workflow, ev domain.Event) string {
	run := domain.NewRun(wf.Name, ev)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.uc.Execute(s.base, wf, run); err != nil {
			s.log.Error("run aborted",
				zap.String("run_id", run.ID),
				zap.String("workflow", wf.Name),
				zap.Error(err))
		}
	}()

	return run.ID
}

// Workflows lists the registry with each workflow's trigger kinds.
// Triggers stay empty for files that fail to load.
func (s *Service) Workflows() []domain.WorkflowSummary {
	regs := s.registry()
	out := make([]domain.WorkflowSummary, 0, len(regs))
	for _, reg := range regs {
		summary := domain.WorkflowSummary{Name: reg.Name, Path: reg.Path, Enabled: reg.Enabled}
		if wf, err := s.loader.Load(reg.Path); err == nil {
			summary.Triggers = wf.On.Names()
		}
		out = append(out, summary)
	}
	return out
}

// Wait blocks until every started run has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}
