package builder

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/declman/declman/pkg/engine"
	"github.com/declman/declman/pkg/system"
)

// Source fetches package build recipes.
type Source interface {
	// Fetch brings dir up to date with location and returns the checked
	// out revision.
	Fetch(ctx context.Context, location, dir string) (string, error)

	// Review logs what changed since the last reviewed commit of pkgbase
	// and records the checked out commit as reviewed.
	Review(ctx context.Context, dir, pkgbase string, state *engine.StoreState) error
}

// GitSource keeps build recipes in git working copies.
type GitSource struct {
	exec   engine.CommandExecutor
	cmds   Commands
	owner  string
	logger zerolog.Logger
}

var (
	_ Source                = (*GitSource)(nil)
	_ engine.RevisionProber = (*GitSource)(nil)
)

// NewGitSource creates a git source. Working copies are handed to owner
// after every fetch when owner is non-empty.
func NewGitSource(exec engine.CommandExecutor, cmds Commands, owner string, logger zerolog.Logger) *GitSource {
	return &GitSource{
		exec:   exec,
		cmds:   cmds,
		owner:  owner,
		logger: logger.With().Str("component", "git").Logger(),
	}
}

// Fetch clones location into dir, or pulls when dir is already a clone.
func (g *GitSource) Fetch(ctx context.Context, location, dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		g.logger.Debug().Str("dir", dir).Msg("Pulling source")
		if _, err := g.git(ctx, dir, "pull", "--ff-only"); err != nil {
			return "", err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return "", fmt.Errorf("failed to create source directory: %w", err)
		}
		g.logger.Debug().Str("location", location).Str("dir", dir).Msg("Cloning source")
		if _, err := g.git(ctx, "", "clone", location, dir); err != nil {
			return "", err
		}
	}

	if g.owner != "" {
		if err := chownTree(dir, g.owner); err != nil {
			return "", err
		}
	}

	out, err := g.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Review logs the diff since the last reviewed commit at debug level, or
// the file list when that commit is not part of the history.
func (g *GitSource) Review(ctx context.Context, dir, pkgbase string, state *engine.StoreState) error {
	head, err := g.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return err
	}
	head = strings.TrimSpace(head)

	history, err := g.git(ctx, dir, "log", "--format=format:%H")
	if err != nil {
		return err
	}

	reviewed := state.ReviewedCommits[pkgbase]
	switch {
	case reviewed == head:
	case reviewed != "" && engine.NewStringSet(system.Lines(history)...).Has(reviewed):
		diff, err := g.git(ctx, dir, "diff", reviewed)
		if err != nil {
			return err
		}
		g.logger.Debug().Str("pkgbase", pkgbase).Str("since", reviewed).Msg(diff)
	default:
		files, err := g.git(ctx, dir, "ls-files")
		if err != nil {
			return err
		}
		g.logger.Debug().Str("pkgbase", pkgbase).Strs("files", system.Lines(files)).Msg("New source")
	}

	state.ReviewedCommits[pkgbase] = head
	return nil
}

// UpstreamRevision reads the remote HEAD of a package's source without
// cloning it.
func (g *GitSource) UpstreamRevision(ctx context.Context, info *engine.PackageInfo) (string, error) {
	out, err := g.git(ctx, "", "ls-remote", info.SourceLocation, "HEAD")
	if err != nil {
		return "", err
	}
	lines := system.Lines(out)
	if len(lines) == 0 {
		return "", fmt.Errorf("no HEAD reported by %s", info.SourceLocation)
	}
	return strings.Fields(lines[0])[0], nil
}

func (g *GitSource) git(ctx context.Context, dir string, args ...string) (string, error) {
	argv := g.cmds.Git
	if dir != "" {
		argv = with(argv, "-C", dir)
	}
	result, err := system.Run(ctx, g.exec, engine.Command{Argv: with(argv, args...)})
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w", args[0], err)
	}
	return result.Stdout, nil
}

func chownTree(dir, owner string) error {
	u, err := user.Lookup(owner)
	if err != nil {
		return fmt.Errorf("unknown build user %q: %w", owner, err)
	}
	uid, gid, err := numericIDs(u)
	if err != nil {
		return err
	}
	return filepath.Walk(dir, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(path, uid, gid)
	})
}

// numericIDs parses the uid and gid of u. Non-numeric ids are rejected
// rather than read as root.
func numericIDs(u *user.User) (int, int, error) {
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid uid %q for build user %q: %w", u.Uid, u.Username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid gid %q for build user %q: %w", u.Gid, u.Username, err)
	}
	return uid, gid, nil
}
