package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_FromYAMLAndEnvOverride(t *testing.T) {
	tmp := t.TempDir()
	cfgFile := filepath.Join(tmp, "config.yaml")

	yaml := `
runner:
  workdir: /tmp/gridci-work
  max_parallel: 2

workflows:
  - name: becquerel
    file: workflows/becquerel.yaml
    enabled: true

report:
  url: https://example.com/status
  token: token-yaml
  timeout: 5s
`
	if err := os.WriteFile(cfgFile, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	os.Setenv("GRIDCI_REPORT_TOKEN", "token-env")
	defer os.Unsetenv("GRIDCI_REPORT_TOKEN")

	c, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.Report.Token != "token-env" {
		t.Errorf("env override failed, got %s", c.Report.Token)
	}
	if c.Runner.MaxParallel != 2 {
		t.Errorf("max_parallel = %d", c.Runner.MaxParallel)
	}
	if len(c.Workflows) != 1 || c.Workflows[0].Name != "becquerel" {
		t.Errorf("workflows = %v", c.Workflows)
	}
	if c.Report.Timeout != 5*time.Second {
		t.Errorf("timeout = %s", c.Report.Timeout)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if c.Runner.MaxParallel != 4 {
		t.Errorf("default max_parallel = %d", c.Runner.MaxParallel)
	}
	if c.API.Addr != ":8080" {
		t.Errorf("default api addr = %s", c.API.Addr)
	}
}

func TestLoad_MalformedFileErrors(t *testing.T) {
	tmp := t.TempDir()
	cfgFile := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(cfgFile, []byte("runner: ["), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(cfgFile); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoad_WorkflowsFromEnv(t *testing.T) {
	os.Setenv("GRIDCI_WORKFLOWS", "a:/w/a.yaml, b:/w/b.yaml")
	defer os.Unsetenv("GRIDCI_WORKFLOWS")

	c, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Workflows) != 2 {
		t.Fatalf("expected 2 workflows, got %d", len(c.Workflows))
	}
	if c.Workflows[1].Name != "b" || c.Workflows[1].File != "/w/b.yaml" || !c.Workflows[1].Enabled {
		t.Errorf("workflow[1] = %+v", c.Workflows[1])
	}
}

func TestSave_RoundTrip(t *testing.T) {
	tmp := t.TempDir()
	cfgFile := filepath.Join(tmp, "config.yaml")

	var c Config
	c.Runner.MaxParallel = 3
	c.Workflows = []Workflow{{Name: "w", File: "/w.yaml", Enabled: false}}

	if err := Save(cfgFile, c); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Runner.MaxParallel != 3 {
		t.Errorf("max_parallel = %d", loaded.Runner.MaxParallel)
	}
	if len(loaded.Workflows) != 1 || loaded.Workflows[0].Enabled {
		t.Errorf("workflows = %v", loaded.Workflows)
	}
}
