// Package git_cli materializes sources with the system git binary.
package git_cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Fetcher implements domain.SourceFetcher. Remote repositories are
// shallow cloned at the requested ref, local git trees are cloned
// with --shared, and a plain local directory without a .git is
// copied, which keeps fixture-style workflows cheap.
type Fetcher struct{}

func New() *Fetcher { return &Fetcher{} }

func (f *Fetcher) Checkout(ctx context.Context, repo, ref, dest string, output io.Writer) error {
	if repo == "" {
		return fmt.Errorf("checkout: repository is empty")
	}

	local := false
	if info, err := os.Stat(repo); err == nil && info.IsDir() {
		if !isGitTree(repo) {
			fmt.Fprintf(output, "copying %s\n", repo)
			return f.copyTree(ctx, repo, dest, output)
		}
		local = true
	}

	name := shortRef(ref)
	if name != "" && !isCommitSHA(name) {
		if local {
			// git ignores --depth on local clones; --shared skips the
			// object copy instead.
			return f.git(ctx, output, "clone", "--shared", "--branch", name, repo, dest)
		}
		return f.git(ctx, output, "clone", "--depth", "1", "--branch", name, repo, dest)
	}

	// A commit is not clonable by name, so take the full history and
	// detach onto it.
	if name != "" {
		args := []string{"clone"}
		if local {
			args = append(args, "--shared")
		}
		if err := f.git(ctx, output, append(args, repo, dest)...); err != nil {
			return err
		}
		return f.gitIn(ctx, dest, output, "checkout", "--detach", name)
	}

	if local {
		return f.git(ctx, output, "clone", "--shared", repo, dest)
	}
	return f.git(ctx, output, "clone", "--depth", "1", repo, dest)
}

func (f *Fetcher) git(ctx context.Context, output io.Writer, args ...string) error {
	return f.gitIn(ctx, "", output, args...)
}

func (f *Fetcher) gitIn(ctx context.Context, dir string, output io.Writer, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w", args[0], err)
	}
	return nil
}

// copyTree copies the contents of src into dest. cp -a keeps modes and
// symlinks intact.
func (f *Fetcher) copyTree(ctx context.Context, src, dest string, output io.Writer) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "cp", "-a", strings.TrimSuffix(src, "/")+"/.", dest)
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return nil
}

func isGitTree(dir string) bool {
	_, err := os.Stat(dir + "/.git")
	return err == nil
}

// shortRef strips the refs/heads/ and refs/tags/ prefixes so both
// full refs and bare names clone the same way.
func shortRef(ref string) string {
	ref = strings.TrimPrefix(ref, "refs/heads/")
	ref = strings.TrimPrefix(ref, "refs/tags/")
	return ref
}

func isCommitSHA(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
