package archive_fs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/davarch/gridci/internal/domain"
)

const manifestName = "manifest.json"

type manifestDTO struct {
	ID        string        `json:"id"`
	Workflow  string        `json:"workflow"`
	Event     eventDTO      `json:"event"`
	Status    string        `json:"status"`
	Created   time.Time     `json:"created"`
	Finished  time.Time     `json:"finished"`
	Instances []instanceDTO `json:"instances"`
}

type eventDTO struct {
	Type       string            `json:"type"`
	Repo       string            `json:"repo,omitempty"`
	Ref        string            `json:"ref,omitempty"`
	Branch     string            `json:"branch,omitempty"`
	BaseBranch string            `json:"base_branch,omitempty"`
	HeadSHA    string            `json:"head_sha,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`
}

type instanceDTO struct {
	Job      string          `json:"job"`
	Matrix   []selectionDTO  `json:"matrix,omitempty"`
	Status   string          `json:"status"`
	ExitCode int             `json:"exit_code"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
	Error    string          `json:"error,omitempty"`
	Steps    []stepResultDTO `json:"steps"`
}

type selectionDTO struct {
	Axis  string `json:"axis"`
	Value string `json:"value"`
}

type stepResultDTO struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	ExitCode  int       `json:"exit_code"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	LogDigest string    `json:"log_digest,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func toManifest(run domain.Run) manifestDTO {
	m := manifestDTO{
		ID:       run.ID,
		Workflow: run.Workflow,
		Status:   string(run.Status),
		Created:  run.Created,
		Finished: run.Finished,
		Event: eventDTO{
			Type:       string(run.Event.Type),
			Repo:       run.Event.Repo,
			Ref:        run.Event.Ref,
			Branch:     run.Event.Branch,
			BaseBranch: run.Event.BaseBranch,
			HeadSHA:    run.Event.HeadSHA,
			Inputs:     run.Event.Inputs,
		},
	}
	for _, res := range run.Instances {
		in := instanceDTO{
			Job:      res.Instance.Job,
			Status:   string(res.Status),
			ExitCode: res.ExitCode,
			Started:  res.Started,
			Finished: res.Finished,
			Error:    res.Error,
		}
		for _, sel := range res.Instance.Combo {
			in.Matrix = append(in.Matrix, selectionDTO{Axis: sel.Axis, Value: sel.Value})
		}
		for _, sr := range res.Steps {
			in.Steps = append(in.Steps, stepResultDTO{
				Name:      sr.Name,
				Status:    string(sr.Status),
				ExitCode:  sr.ExitCode,
				Started:   sr.Started,
				Finished:  sr.Finished,
				LogDigest: sr.LogDigest,
				Error:     sr.Error,
			})
		}
		m.Instances = append(m.Instances, in)
	}
	return m
}

func fromManifest(m manifestDTO) domain.Run {
	run := domain.Run{
		ID:       m.ID,
		Workflow: m.Workflow,
		Status:   domain.Status(m.Status),
		Created:  m.Created,
		Finished: m.Finished,
		Event: domain.Event{
			Type:       domain.EventType(m.Event.Type),
			Repo:       m.Event.Repo,
			Ref:        m.Event.Ref,
			Branch:     m.Event.Branch,
			BaseBranch: m.Event.BaseBranch,
			HeadSHA:    m.Event.HeadSHA,
			Inputs:     m.Event.Inputs,
		},
	}
	for _, in := range m.Instances {
		res := domain.InstanceResult{
			Instance: domain.Instance{Workflow: m.Workflow, Job: in.Job},
			Status:   domain.Status(in.Status),
			ExitCode: in.ExitCode,
			Started:  in.Started,
			Finished: in.Finished,
			Error:    in.Error,
		}
		for _, sel := range in.Matrix {
			res.Instance.Combo = append(res.Instance.Combo, domain.Selection{Axis: sel.Axis, Value: sel.Value})
		}
		for _, sr := range in.Steps {
			res.Steps = append(res.Steps, domain.StepResult{
				Name:      sr.Name,
				Status:    domain.Status(sr.Status),
				ExitCode:  sr.ExitCode,
				Started:   sr.Started,
				Finished:  sr.Finished,
				LogDigest: sr.LogDigest,
				Error:     sr.Error,
			})
		}
		run.Instances = append(run.Instances, res)
	}
	return run
}

func writeManifest(dir string, run domain.Run) error {
	data, err := json.MarshalIndent(toManifest(run), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	tmp := filepath.Join(dir, manifestName+".tmp")
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close manifest: %w", err)
	}

	if err := os.Rename(tmp, filepath.Join(dir, manifestName)); err != nil {
		return fmt.Errorf("failed to move manifest into place: %w", err)
	}
	return nil
}

func readManifest(path string) (domain.Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Run{}, err
	}
	var m manifestDTO
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Run{}, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return fromManifest(m), nil
}

// Runs lists archived runs, newest first. Directories without a
// manifest (runs still in flight, or debris) are skipped.
func (s *Store) Runs(ctx context.Context) ([]domain.Run, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}

	var runs []domain.Run
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		run, err := readManifest(filepath.Join(s.root, entry.Name(), manifestName))
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Created.After(runs[j].Created)
	})
	return runs, nil
}

func (s *Store) Run(ctx context.Context, id string) (domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return domain.Run{}, err
	}
	run, err := readManifest(filepath.Join(s.root, id, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Run{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
		}
		return domain.Run{}, err
	}
	return run, nil
}

// Log returns one step's output, decompressed. The step is addressed
// by its position, matching the NN- prefix of the log file name.
func (s *Store) Log(ctx context.Context, runID, instanceSlug string, stepIndex int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, runID, "logs", instanceSlug)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no logs for %s/%s", domain.ErrRunNotFound, runID, instanceSlug)
		}
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	prefix := fmt.Sprintf("%02d-", stepIndex+1)
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		file, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to open step log: %w", err)
		}
		defer file.Close()

		zr, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open decompressor: %w", err)
		}
		defer zr.Close()

		data, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress step log: %w", err)
		}
		return data, nil
	}

	return nil, fmt.Errorf("no log for step %d of %s/%s", stepIndex+1, runID, instanceSlug)
}
