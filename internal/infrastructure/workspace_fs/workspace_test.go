package workspace_fs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davarch/gridci/internal/domain"
)

func testInstance(job string, values ...string) domain.Instance {
	in := domain.Instance{
		Workflow: "ci",
		Job:      job,
	}
	for i := 0; i+1 < len(values); i += 2 {
		in.Combo = append(in.Combo, domain.Selection{Axis: values[i], Value: values[i+1]})
	}
	return in
}

func TestProvision_CreatesIsolatedLayout(t *testing.T) {
	provider := New(t.TempDir())

	ws, err := provider.Provision(context.Background(), "run-1", testInstance("test", "os", "ubuntu-22.04", "python", "3.11"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, dir := range []string{ws.Root, ws.Home, ws.Tmp} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("missing workspace directory %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}

	env := strings.Join(ws.Env, "\n")
	if !strings.Contains(env, "HOME="+ws.Home) {
		t.Errorf("HOME not pointed at the workspace: %q", env)
	}
	if !strings.Contains(env, "TMPDIR="+ws.Tmp) {
		t.Errorf("TMPDIR not pointed at the workspace: %q", env)
	}
	if !strings.Contains(env, "PATH=") {
		t.Errorf("no PATH in workspace env: %q", env)
	}
}

func TestProvision_InstancesDoNotShareDirectories(t *testing.T) {
	provider := New(t.TempDir())

	first, err := provider.Provision(context.Background(), "run-1", testInstance("test", "python", "3.10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := provider.Provision(context.Background(), "run-1", testInstance("test", "python", "3.11"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Root == second.Root {
		t.Fatalf("instances share a root: %s", first.Root)
	}
}

func TestProvision_ScrubsLeftovers(t *testing.T) {
	base := t.TempDir()
	provider := New(base)
	in := testInstance("test", "python", "3.11")

	stale := filepath.Join(base, "run-1", in.Slug(), "work", "stale.txt")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := provider.Provision(context.Background(), "run-1", in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale file survived provisioning: %v", err)
	}
}

func TestCleanup_RemovesInstanceAndEmptyRunDirectory(t *testing.T) {
	base := t.TempDir()
	provider := New(base)

	ws, err := provider.Provision(context.Background(), "run-1", testInstance("test", "python", "3.11"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := provider.Cleanup(ws); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(filepath.Dir(ws.Root)); !os.IsNotExist(err) {
		t.Errorf("instance directory survived cleanup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "run-1")); !os.IsNotExist(err) {
		t.Errorf("empty run directory survived cleanup: %v", err)
	}
}

func TestCleanup_KeepsRunDirectoryWhileSiblingsRemain(t *testing.T) {
	base := t.TempDir()
	provider := New(base)

	first, err := provider.Provision(context.Background(), "run-1", testInstance("test", "python", "3.10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := provider.Provision(context.Background(), "run-1", testInstance("test", "python", "3.11")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := provider.Cleanup(first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(base, "run-1")); err != nil {
		t.Errorf("run directory should survive while a sibling remains: %v", err)
	}
}

func TestCleanup_ZeroWorkspaceIsNoop(t *testing.T) {
	if err := New(t.TempDir()).Cleanup(domain.Workspace{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
