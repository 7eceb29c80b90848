package system

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/declman/declman/pkg/engine"
)

// VercmpComparator compares versions with the package manager's vercmp tool.
type VercmpComparator struct {
	exec engine.CommandExecutor
	cmds Commands
}

// NewVercmpComparator creates a comparator backed by vercmp.
func NewVercmpComparator(exec engine.CommandExecutor, cmds Commands) *VercmpComparator {
	return &VercmpComparator{exec: exec, cmds: cmds}
}

// Compare reports how installed relates to candidate.
func (c *VercmpComparator) Compare(ctx context.Context, installed, candidate string) (engine.Comparison, error) {
	result, err := Run(ctx, c.exec, engine.Command{Argv: with(c.cmds.Vercmp, installed, candidate)})
	if err != nil {
		return engine.Equal, fmt.Errorf("vercmp %s %s: %w", installed, candidate, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(result.Stdout))
	if err != nil {
		return engine.Equal, fmt.Errorf("unexpected vercmp output %q", result.Stdout)
	}
	return sign(n), nil
}

// SemverComparator compares versions as semantic versions after dropping
// the epoch and package release. It is used when vercmp is unavailable.
type SemverComparator struct{}

// Compare reports how installed relates to candidate.
func (SemverComparator) Compare(_ context.Context, installed, candidate string) (engine.Comparison, error) {
	a, err := semver.NewVersion(upstreamVersion(installed))
	if err != nil {
		return engine.Equal, fmt.Errorf("invalid version %q: %w", installed, err)
	}
	b, err := semver.NewVersion(upstreamVersion(candidate))
	if err != nil {
		return engine.Equal, fmt.Errorf("invalid version %q: %w", candidate, err)
	}
	if n := a.Compare(b); n != 0 {
		return sign(n), nil
	}
	return sign(compareRelease(release(installed), release(candidate))), nil
}

// FallbackComparator tries Primary and uses Secondary when Primary fails.
type FallbackComparator struct {
	Primary   engine.VersionComparator
	Secondary engine.VersionComparator
}

// Compare reports how installed relates to candidate.
func (f FallbackComparator) Compare(ctx context.Context, installed, candidate string) (engine.Comparison, error) {
	cmp, err := f.Primary.Compare(ctx, installed, candidate)
	if err == nil {
		return cmp, nil
	}
	if cmp2, err2 := f.Secondary.Compare(ctx, installed, candidate); err2 == nil {
		return cmp2, nil
	}
	return engine.Equal, err
}

// upstreamVersion strips "epoch:" and "-pkgrel" from a full version.
func upstreamVersion(v string) string {
	if i := strings.Index(v, ":"); i >= 0 {
		v = v[i+1:]
	}
	if i := strings.LastIndex(v, "-"); i >= 0 {
		v = v[:i]
	}
	return v
}

func release(v string) string {
	if i := strings.LastIndex(v, "-"); i >= 0 {
		return v[i+1:]
	}
	return ""
}

func compareRelease(a, b string) int {
	x, errA := strconv.ParseFloat(a, 64)
	y, errB := strconv.ParseFloat(b, 64)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func sign(n int) engine.Comparison {
	switch {
	case n < 0:
		return engine.Older
	case n > 0:
		return engine.Newer
	}
	return engine.Equal
}
