package lineage

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/relicta-tech/buildline/internal/domain/build"
)

var (
	// singleVarPattern matches $NAME and ${NAME}.
	singleVarPattern = regexp.MustCompile(`^\$(?:\{([A-Za-z_][A-Za-z0-9_.]*)\}|([A-Za-z_][A-Za-z0-9_]*))$`)

	// scriptBranchPattern extracts VALUE from `branches: [[name: 'VALUE']]`
	// in an inline pipeline script. Best effort only.
	scriptBranchPattern = regexp.MustCompile(`branches:\s*\[\[[^\]]*?['"]([^'"]+)['"]`)
)

const wildcardRemotePrefix = "*/"

// BranchResolver derives the branch a build ran against.
type BranchResolver struct {
	filter *ExclusionFilter
	logger *slog.Logger
}

// NewBranchResolver creates a resolver that ignores checkouts excluded by filter.
func NewBranchResolver(filter *ExclusionFilter, logger *slog.Logger) *BranchResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &BranchResolver{filter: filter, logger: logger}
}

// BranchOf returns the branch of run. Only the first included checkout is
// considered: its first branch spec wins, with variable references resolved
// against the build's environment; an unset variable yields no branch. When
// that checkout has no branch spec, or there is none, the pipeline script is
// scanned instead.
func (r *BranchResolver) BranchOf(run build.Run) (string, bool) {
	if run == nil {
		return "", false
	}
	if included := includedCheckouts(CheckoutsOf(run, r.logger), r.filter); len(included) > 0 && len(included[0].Branches) > 0 {
		return r.resolveSpec(included[0].Branches[0], run)
	}
	if branch, ok := BranchFromScript(run.PipelineScript()); ok {
		return stripWildcard(branch)
	}
	return "", false
}

// BranchForChangeSet returns the branch of the checkout in source that
// produced cs, resolved against the environment of run. source is the build
// the change set is attributed to and may be run itself.
func (r *BranchResolver) BranchForChangeSet(run, source build.Run, cs build.ChangeSet) (string, bool) {
	if run == nil || source == nil || cs.SourceURL == "" {
		return "", false
	}
	for _, c := range includedCheckouts(CheckoutsOf(source, r.logger), r.filter) {
		if c.URL != cs.SourceURL {
			continue
		}
		if len(c.Branches) == 0 {
			return "", false
		}
		return r.resolveSpec(c.Branches[0], run)
	}
	return "", false
}

func (r *BranchResolver) resolveSpec(spec string, run build.Run) (string, bool) {
	return ResolveBranchSpec(spec, environmentOf(run, r.logger))
}

// ResolveBranchSpec resolves a literal or single-variable branch spec against
// env and strips the "*/" wildcard prefix. An unset variable yields no branch.
func ResolveBranchSpec(spec string, env build.Env) (string, bool) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", false
	}
	if !strings.HasPrefix(spec, "$") {
		return stripWildcard(spec)
	}
	name, ok := VariableName(spec)
	if !ok {
		return "", false
	}
	value, ok := env.Lookup(name)
	if !ok || value == "" {
		return "", false
	}
	return stripWildcard(value)
}

// ShortBranch removes ref and remote prefixes from a resolved branch:
// "refs/heads/main", "refs/remotes/origin/main" and "origin/main" all
// become "main".
func ShortBranch(branch string) string {
	switch {
	case strings.HasPrefix(branch, "refs/heads/"):
		return strings.TrimPrefix(branch, "refs/heads/")
	case strings.HasPrefix(branch, "refs/remotes/"):
		rest := strings.TrimPrefix(branch, "refs/remotes/")
		if _, b, ok := strings.Cut(rest, "/"); ok {
			return b
		}
		return rest
	case strings.HasPrefix(branch, "origin/"):
		return strings.TrimPrefix(branch, "origin/")
	}
	return branch
}

// VariableName returns NAME for a spec of the form $NAME or ${NAME}.
func VariableName(spec string) (string, bool) {
	m := singleVarPattern.FindStringSubmatch(spec)
	if m == nil {
		return "", false
	}
	if m[1] != "" {
		return m[1], true
	}
	return m[2], true
}

// BranchFromScript extracts the first branch spec embedded in a pipeline script.
func BranchFromScript(script string) (string, bool) {
	if script == "" {
		return "", false
	}
	m := scriptBranchPattern.FindStringSubmatch(script)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func stripWildcard(branch string) (string, bool) {
	branch = strings.TrimPrefix(branch, wildcardRemotePrefix)
	if branch == "" {
		return "", false
	}
	return branch, true
}
