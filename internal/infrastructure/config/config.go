package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Workflow is one registry entry: a named workflow file that the
// serve and schedule daemons consider when events arrive.
type Workflow struct {
	Name    string `yaml:"name"`
	File    string `yaml:"file"`
	Enabled bool   `yaml:"enabled"`
}

type Config struct {
	Runner struct {
		Workdir        string            `yaml:"workdir"`
		MaxParallel    int               `yaml:"max_parallel"`
		ToolCache      string            `yaml:"tool_cache"`
		Installers     map[string]string `yaml:"installers,omitempty"`
		KeepWorkspaces bool              `yaml:"keep_workspaces"`
	} `yaml:"runner"`

	Workflows []Workflow `yaml:"workflows"`

	Report struct {
		URL     string        `yaml:"url"`
		Token   string        `yaml:"token"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"report"`

	Schedule struct {
		PauseFile string `yaml:"pause_file"`
	} `yaml:"schedule"`

	API struct {
		Addr  string `yaml:"addr"`
		Token string `yaml:"token"`
	} `yaml:"api"`

	Secrets struct {
		File     string `yaml:"file"`
		Identity string `yaml:"identity"`
	} `yaml:"secrets"`

	Cache struct {
		Path string `yaml:"path"`
	} `yaml:"cache"`
}

// Load reads the config file when present and applies GRIDCI_* env
// overrides on top of the defaults. A missing file is not an error;
// an unreadable or malformed one is.
func Load(path string) (Config, error) {
	var c Config

	c.Runner.Workdir = expandHome("~/.cache/gridci")
	c.Runner.MaxParallel = 4
	c.Runner.ToolCache = expandHome("~/.cache/gridci/tools")
	c.Report.Timeout = 10 * time.Second
	c.Schedule.PauseFile = expandHome("~/.cache/gridci/paused")
	c.API.Addr = ":8080"
	c.Cache.Path = expandHome("~/.cache/gridci/status.json")

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, fmt.Errorf("parsing %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Defaults plus env are a valid configuration.
		default:
			return c, err
		}
	}

	if v := os.Getenv("GRIDCI_WORKDIR"); v != "" {
		c.Runner.Workdir = v
	}

	if v := os.Getenv("GRIDCI_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runner.MaxParallel = n
		}
	}

	if v := os.Getenv("GRIDCI_TOOL_CACHE"); v != "" {
		c.Runner.ToolCache = v
	}

	if v := os.Getenv("GRIDCI_REPORT_URL"); v != "" {
		c.Report.URL = v
	}

	if v := os.Getenv("GRIDCI_REPORT_TOKEN"); v != "" {
		c.Report.Token = v
	}

	if v := os.Getenv("GRIDCI_REPORT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Report.Timeout = d
		}
	}

	if v := os.Getenv("GRIDCI_API_ADDR"); v != "" {
		c.API.Addr = v
	}

	if v := os.Getenv("GRIDCI_API_TOKEN"); v != "" {
		c.API.Token = v
	}

	if v := os.Getenv("GRIDCI_SECRETS_FILE"); v != "" {
		c.Secrets.File = v
	}

	if v := os.Getenv("GRIDCI_SECRETS_IDENTITY"); v != "" {
		c.Secrets.Identity = v
	}

	if v := os.Getenv("GRIDCI_PAUSE_FILE"); v != "" {
		c.Schedule.PauseFile = v
	}

	if v := os.Getenv("GRIDCI_CACHE_PATH"); v != "" {
		c.Cache.Path = v
	}

	if s := os.Getenv("GRIDCI_WORKFLOWS"); s != "" {
		var ws []Workflow
		for _, item := range strings.Split(s, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			parts := strings.SplitN(item, ":", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				continue
			}
			ws = append(ws, Workflow{Name: parts[0], File: parts[1], Enabled: true})
		}
		if len(ws) > 0 {
			c.Workflows = ws
		}
	}

	c.Runner.Workdir = expandHome(c.Runner.Workdir)
	c.Runner.ToolCache = expandHome(c.Runner.ToolCache)
	c.Schedule.PauseFile = expandHome(c.Schedule.PauseFile)
	c.Cache.Path = expandHome(c.Cache.Path)
	c.Secrets.File = expandHome(c.Secrets.File)
	c.Secrets.Identity = expandHome(c.Secrets.Identity)
	for i := range c.Workflows {
		c.Workflows[i].File = expandHome(c.Workflows[i].File)
	}

	if c.Runner.MaxParallel <= 0 {
		c.Runner.MaxParallel = 4
	}

	if c.Report.Timeout <= 0 {
		c.Report.Timeout = 10 * time.Second
	}

	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}

	return c, nil
}

func Save(path string, c Config) error {
	if path == "" {
		return errors.New("empty config path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	lockFile := path + ".lock"
	lf, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = lf.Close() }()

	if runtime.GOOS != "windows" {
		if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
			return err
		}
		defer func() { _ = syscall.Flock(int(lf.Fd()), syscall.LOCK_UN) }()
	}

	b, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	defer func() { _ = f.Close() }()

	if _, err := f.Write(b); err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if h, _ := os.UserHomeDir(); h != "" {
			return h + p[1:]
		}
	}
	return p
}
