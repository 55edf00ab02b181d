package manifest

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// git runs git subcommands. Bin is the executable, "git" when empty.
type git struct {
	Bin string
}

func (g git) command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	bin := g.Bin
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	return cmd
}

func (g git) run(ctx context.Context, dir string, args ...string) error {
	cmd := g.command(ctx, dir, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (g git) output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := g.command(ctx, dir, args...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s in %s: %w", strings.Join(args, " "), dir, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// clone clones a git repository to dest.
func (g git) clone(ctx context.Context, url, dest string) error {
	return g.run(ctx, "", "clone", "--quiet", url, dest)
}

// fetch fetches branches and tags from origin.
func (g git) fetch(ctx context.Context, dir string) error {
	return g.run(ctx, dir, "fetch", "--quiet", "--tags", "--force", "origin")
}

// checkout detaches HEAD at ref (commit, tag, or remote branch).
func (g git) checkout(ctx context.Context, dir, ref string) error {
	return g.run(ctx, dir, "checkout", "--quiet", "--detach", ref)
}

// currentCommit returns the HEAD commit hash.
func (g git) currentCommit(ctx context.Context, dir string) (string, error) {
	return g.output(ctx, dir, "rev-parse", "HEAD")
}

// remoteURL returns the URL of origin.
func (g git) remoteURL(ctx context.Context, dir string) (string, error) {
	return g.output(ctx, dir, "remote", "get-url", "origin")
}

// gitRef picks the ref to check out: rev, then tag, then branch, then the
// remote default branch.
func gitRef(s *DetailedSpec) string {
	switch {
	case s.Rev != "":
		return s.Rev
	case s.Tag != "":
		return "refs/tags/" + s.Tag
	case s.Branch != "":
		return "origin/" + s.Branch
	}
	return "origin/HEAD"
}

// gitSource renders the lockfile source of a git dependency.
func gitSource(s *DetailedSpec, commit string) string {
	var query string
	switch {
	case s.Rev != "":
		query = "?rev=" + s.Rev
	case s.Tag != "":
		query = "?tag=" + s.Tag
	case s.Branch != "":
		query = "?branch=" + s.Branch
	}
	return "git+" + s.Git + query + "#" + commit
}
