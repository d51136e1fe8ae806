package archive_fs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/davarch/gridci/internal/domain"
)

func testRun() (domain.Run, domain.Instance) {
	in := domain.Instance{
		Workflow: "ci",
		Job:      "test",
		Combo:    []domain.Selection{{Axis: "python", Value: "3.11"}},
		Steps: []domain.Step{
			{Name: "install", Run: "pip install ."},
			{Name: "tests", Run: "pytest"},
		},
	}
	run := domain.NewRun("ci", domain.Event{
		Type: domain.EventPush,
		Repo: "https://git.example/becquerel.git",
		Ref:  "refs/heads/main",
	})
	return run, in
}

func archiveOneRun(t *testing.T, store *Store, run domain.Run, in domain.Instance) domain.Run {
	t.Helper()
	ctx := context.Background()

	archive, err := store.Begin(ctx, run)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	sink, err := archive.StepLog(in, 0, in.Steps[0])
	if err != nil {
		t.Fatalf("step log: %v", err)
	}
	if _, err := sink.Write([]byte("collecting becquerel\ninstalled\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	started := time.Now().UTC().Add(-time.Second)
	sr := domain.StepResult{
		Name: "install", Status: domain.StatusSuccess,
		Started: started, Finished: time.Now().UTC(),
		LogDigest: sink.Digest(),
	}
	if err := archive.StepFinished(in, 0, sr); err != nil {
		t.Fatalf("step finished: %v", err)
	}

	res := domain.InstanceResult{
		Instance: in, Status: domain.StatusSuccess,
		Started: started, Finished: time.Now().UTC(),
		Steps: []domain.StepResult{sr, {Name: "tests", Status: domain.StatusSkipped}},
	}
	if err := archive.InstanceFinished(res); err != nil {
		t.Fatalf("instance finished: %v", err)
	}

	run.Instances = []domain.InstanceResult{res}
	run.Status = domain.StatusSuccess
	run.Finished = time.Now().UTC()
	if err := archive.Finalize(run); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return run
}

func TestArchiveAndReadBack(t *testing.T) {
	store := NewStore(t.TempDir())
	run, in := testRun()
	run = archiveOneRun(t, store, run, in)

	ctx := context.Background()

	got, err := store.Run(ctx, run.ID)
	if err != nil {
		t.Fatalf("read run: %v", err)
	}
	if got.ID != run.ID || got.Workflow != "ci" || got.Status != domain.StatusSuccess {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.Event.Repo != run.Event.Repo {
		t.Errorf("event lost: %+v", got.Event)
	}
	if len(got.Instances) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(got.Instances))
	}
	res := got.Instances[0]
	if res.Instance.Job != "test" {
		t.Errorf("unexpected job %q", res.Instance.Job)
	}
	if v, _ := res.Instance.Value("python"); v != "3.11" {
		t.Errorf("matrix selection lost: %+v", res.Instance.Combo)
	}
	if len(res.Steps) != 2 || res.Steps[1].Status != domain.StatusSkipped {
		t.Errorf("step results lost: %+v", res.Steps)
	}

	digest := res.Steps[0].LogDigest
	if !strings.HasPrefix(digest, "blake3:") {
		t.Errorf("unexpected digest %q", digest)
	}

	data, err := store.Log(ctx, run.ID, in.Slug(), 0)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if string(data) != "collecting becquerel\ninstalled\n" {
		t.Errorf("unexpected log content %q", data)
	}

	runs, err := store.Runs(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Errorf("unexpected listing: %+v", runs)
	}
}

func TestResultLogRecordsLifecycle(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)
	run, in := testRun()
	run = archiveOneRun(t, store, run, in)

	file, err := os.Open(filepath.Join(root, run.ID, "result.jsonl"))
	if err != nil {
		t.Fatalf("open result log: %v", err)
	}
	defer file.Close()

	var events []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("bad result line %q: %v", scanner.Text(), err)
		}
		events = append(events, entry["event"].(string))
	}

	want := []string{"start", "step", "instance", "complete"}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], events[i])
		}
	}
}

func TestStore_RunNotFound(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Run(context.Background(), "no-such-run")
	if !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestStore_RunsSkipsUnfinishedRuns(t *testing.T) {
	store := NewStore(t.TempDir())
	run, _ := testRun()

	// Begin without Finalize: the run is still in flight.
	if _, err := store.Begin(context.Background(), run); err != nil {
		t.Fatalf("begin: %v", err)
	}

	runs, err := store.Runs(context.Background())
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("unfinished run listed: %+v", runs)
	}
}

func TestStore_RunsNewestFirst(t *testing.T) {
	store := NewStore(t.TempDir())

	older, olderIn := testRun()
	older.Created = time.Now().UTC().Add(-time.Hour)
	older = archiveOneRun(t, store, older, olderIn)

	newer, newerIn := testRun()
	newer = archiveOneRun(t, store, newer, newerIn)

	runs, err := store.Runs(context.Background())
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != newer.ID || runs[1].ID != older.ID {
		t.Errorf("wrong order: %s then %s", runs[0].ID, runs[1].ID)
	}
}

func TestStore_RunsOnMissingRoot(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "never-created"))

	runs, err := store.Runs(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runs != nil {
		t.Errorf("expected no runs, got %+v", runs)
	}
}

func TestStore_LogForUnknownStep(t *testing.T) {
	store := NewStore(t.TempDir())
	run, in := testRun()
	run = archiveOneRun(t, store, run, in)

	if _, err := store.Log(context.Background(), run.ID, in.Slug(), 7); err == nil {
		t.Fatal("expected an error for a step with no log")
	}
}

func TestLogSink_DigestIsContentAddressed(t *testing.T) {
	store := NewStore(t.TempDir())
	run, in := testRun()

	archive, err := store.Begin(context.Background(), run)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	digestOf := func(index int, content string) string {
		t.Helper()
		sink, err := archive.StepLog(in, index, domain.Step{Name: "s"})
		if err != nil {
			t.Fatalf("step log: %v", err)
		}
		if _, err := sink.Write([]byte(content)); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := sink.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		return sink.Digest()
	}

	first := digestOf(0, "same bytes\n")
	second := digestOf(1, "same bytes\n")
	third := digestOf(2, "different bytes\n")

	if first != second {
		t.Errorf("same content produced different digests: %s vs %s", first, second)
	}
	if first == third {
		t.Errorf("different content produced the same digest: %s", first)
	}
}
