package archive_fs

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/davarch/gridci/internal/domain"
)

// resultLog is the append-only record of a run, one JSON object per
// line. Every line is synced so a crash mid-run loses at most the
// line being written.
type resultLog struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func newResultLog(path string) (*resultLog, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create result log: %w", err)
	}
	return &resultLog{file: file, enc: json.NewEncoder(file)}, nil
}

type resultStartEntry struct {
	Event    string    `json:"event"`
	RunID    string    `json:"run_id"`
	Workflow string    `json:"workflow"`
	Trigger  string    `json:"trigger"`
	Created  time.Time `json:"created"`
}

type resultStepEntry struct {
	Event      string `json:"event"`
	Instance   string `json:"instance"`
	Index      int    `json:"index"`
	Step       string `json:"step"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	LogDigest  string `json:"log_digest,omitempty"`
	Error      string `json:"error,omitempty"`
}

type resultInstanceEntry struct {
	Event      string `json:"event"`
	Instance   string `json:"instance"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type resultCompleteEntry struct {
	Event      string `json:"event"`
	Status     string `json:"status"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Cancelled  int    `json:"cancelled"`
	DurationMS int64  `json:"duration_ms"`
}

func (l *resultLog) start(run domain.Run) error {
	return l.write(resultStartEntry{
		Event:    "start",
		RunID:    run.ID,
		Workflow: run.Workflow,
		Trigger:  string(run.Event.Type),
		Created:  run.Created,
	})
}

func (l *resultLog) step(in domain.Instance, index int, res domain.StepResult) error {
	return l.write(resultStepEntry{
		Event:      "step",
		Instance:   in.Slug(),
		Index:      index,
		Step:       res.Name,
		Status:     string(res.Status),
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration().Milliseconds(),
		LogDigest:  res.LogDigest,
		Error:      res.Error,
	})
}

func (l *resultLog) instance(res domain.InstanceResult) error {
	return l.write(resultInstanceEntry{
		Event:      "instance",
		Instance:   res.Instance.Slug(),
		Status:     string(res.Status),
		ExitCode:   res.ExitCode,
		DurationMS: res.Finished.Sub(res.Started).Milliseconds(),
		Error:      res.Error,
	})
}

func (l *resultLog) complete(run domain.Run) error {
	succeeded, failed, cancelled := run.Tally()
	return l.write(resultCompleteEntry{
		Event:      "complete",
		Status:     string(run.Status),
		Succeeded:  succeeded,
		Failed:     failed,
		Cancelled:  cancelled,
		DurationMS: run.Duration().Milliseconds(),
	})
}

func (l *resultLog) write(entry any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(entry); err != nil {
		return fmt.Errorf("failed to write result entry: %w", err)
	}
	return l.file.Sync()
}

func (l *resultLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
