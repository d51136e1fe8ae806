package workspace_fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/davarch/gridci/internal/domain"
)

// defaultPath is the search path steps start from. Runtime setup
// steps prepend their own bin directories on top of it.
const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Provider lays out one directory per job instance under its base:
//
//	<base>/<run-id>/<instance-slug>/
//	    work/   working tree, steps run here
//	    home/   HOME, so tools never touch the real one
//	    tmp/    TMPDIR
type Provider struct {
	base string
}

func New(base string) *Provider {
	return &Provider{base: base}
}

func (p *Provider) Provision(ctx context.Context, runID string, in domain.Instance) (domain.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return domain.Workspace{}, err
	}

	dir := filepath.Join(p.base, runID, in.Slug())

	// A leftover from an earlier attempt must not leak into this one.
	if err := os.RemoveAll(dir); err != nil {
		return domain.Workspace{}, fmt.Errorf("failed to scrub workspace: %w", err)
	}

	ws := domain.Workspace{
		Root: filepath.Join(dir, "work"),
		Home: filepath.Join(dir, "home"),
		Tmp:  filepath.Join(dir, "tmp"),
	}
	for _, sub := range []string{ws.Root, ws.Home, ws.Tmp} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return domain.Workspace{}, fmt.Errorf("failed to create workspace: %w", err)
		}
	}

	ws.Env = []string{
		"PATH=" + defaultPath,
		"HOME=" + ws.Home,
		"TMPDIR=" + ws.Tmp,
	}
	// Locale and timezone are the only parent settings carried over;
	// tools misbehave without them.
	for _, name := range []string{"LANG", "LC_ALL", "TZ"} {
		if v, ok := os.LookupEnv(name); ok {
			ws.Env = append(ws.Env, name+"="+v)
		}
	}

	return ws, nil
}

// Cleanup removes the instance directory and, when this was the last
// instance of its run, the now-empty run directory above it.
func (p *Provider) Cleanup(ws domain.Workspace) error {
	if ws.Root == "" {
		return nil
	}

	dir := filepath.Dir(ws.Root)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}

	// Fails while sibling instances still exist, which is fine.
	_ = os.Remove(filepath.Dir(dir))

	return nil
}
