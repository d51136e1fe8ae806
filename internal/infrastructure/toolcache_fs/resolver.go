// Package toolcache_fs resolves runtimes against a local tool cache.
//
// A runtime lives at <cache>/<runtime>/<version> with its executables
// under bin/. Cache misses run the configured installer for that
// runtime; without one the resolver falls back to whatever the system
// PATH offers.
package toolcache_fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/davarch/gridci/internal/domain"
)

// Resolver implements domain.RuntimeResolver on the filesystem.
type Resolver struct {
	dir        string
	installers map[string]string
}

// New returns a resolver rooted at dir. installers maps runtime names
// to shell commands; ${VERSION} and ${DEST} expand before the command
// runs.
func New(dir string, installers map[string]string) *Resolver {
	return &Resolver{dir: dir, installers: installers}
}

func (r *Resolver) Resolve(ctx context.Context, runtime, version string, output io.Writer) (domain.RuntimeTool, error) {
	if runtime == "" {
		return domain.RuntimeTool{}, fmt.Errorf("runtime name is empty")
	}

	if r.dir != "" && version != "" {
		if tool, ok := r.cached(runtime, version); ok {
			return tool, nil
		}
		if tmpl, ok := r.installers[runtime]; ok {
			return r.install(ctx, tmpl, runtime, version, output)
		}
	}

	return r.fromPath(runtime, version)
}

// cached reports whether <dir>/<runtime>/<version>/bin exists.
func (r *Resolver) cached(runtime, version string) (domain.RuntimeTool, bool) {
	binDir := filepath.Join(r.dir, runtime, version, "bin")
	info, err := os.Stat(binDir)
	if err != nil || !info.IsDir() {
		return domain.RuntimeTool{}, false
	}

	tool := domain.RuntimeTool{Runtime: runtime, Version: version, BinDir: binDir}
	if p := filepath.Join(binDir, runtime); isExecutable(p) {
		tool.Path = p
	}
	return tool, true
}

// install runs the configured installer under an exclusive lock, so
// parallel instances asking for the same runtime install it once.
func (r *Resolver) install(ctx context.Context, tmpl, runtime, version string, output io.Writer) (domain.RuntimeTool, error) {
	dest := filepath.Join(r.dir, runtime, version)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return domain.RuntimeTool{}, err
	}

	lf, err := os.OpenFile(dest+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return domain.RuntimeTool{}, err
	}
	defer func() { _ = lf.Close() }()

	if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
		return domain.RuntimeTool{}, err
	}
	defer func() { _ = syscall.Flock(int(lf.Fd()), syscall.LOCK_UN) }()

	// Another instance may have finished the install while we waited
	// on the lock.
	if tool, ok := r.cached(runtime, version); ok {
		return tool, nil
	}

	command, err := domain.ExpandVars(tmpl, map[string]string{
		"VERSION": version,
		"DEST":    dest,
	})
	if err != nil {
		return domain.RuntimeTool{}, fmt.Errorf("installer for %s: %w", runtime, err)
	}

	fmt.Fprintf(output, "installing %s %s into %s\n", runtime, version, dest)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.Env = append(os.Environ(), "VERSION="+version, "DEST="+dest)

	if err := cmd.Run(); err != nil {
		// A half-installed tree must not look like a cache hit next time.
		_ = os.RemoveAll(dest)
		return domain.RuntimeTool{}, fmt.Errorf("installer for %s %s: %w", runtime, version, err)
	}

	tool, ok := r.cached(runtime, version)
	if !ok {
		_ = os.RemoveAll(dest)
		return domain.RuntimeTool{}, fmt.Errorf("installer for %s %s left no bin directory under %s", runtime, version, dest)
	}
	return tool, nil
}

// fromPath falls back to the system PATH: first the versioned name
// (python3.11), then the bare one.
func (r *Resolver) fromPath(runtime, version string) (domain.RuntimeTool, error) {
	names := []string{runtime}
	if version != "" {
		names = []string{runtime + version, runtime}
	}

	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return domain.RuntimeTool{Runtime: runtime, Version: version, Path: path}, nil
		}
	}

	return domain.RuntimeTool{}, fmt.Errorf("runtime %s %s: not cached, no installer configured, not on PATH", runtime, version)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}
