package lineage

import (
	"log/slog"

	"github.com/relicta-tech/buildline/internal/domain/build"
)

// ChangeSetSource returns the change sets of a single build.
type ChangeSetSource interface {
	ChangeSetsOf(run build.Run) []build.ChangeSet
}

// Attribution is the effective change set of a build and the build it was
// taken from.
type Attribution struct {
	ChangeSet build.ChangeSet
	// Run is the build the change set belongs to.
	Run build.Run
	// ChangeSets are all change sets of Run.
	ChangeSets []build.ChangeSet
}

// Walker follows promotion markers to find the change set a build represents.
type Walker struct {
	source ChangeSetSource
	logger *slog.Logger
}

// NewWalker creates a Walker reading change sets from source.
func NewWalker(source ChangeSetSource, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{source: source, logger: logger}
}

// EffectiveChangeSet returns the change set to show for runs[index]. runs
// must be newest first.
//
// A promoted build defers to the build it was promoted from. A build with
// changes of its own returns its latest change set. A finished build without
// changes takes the latest change set of the nearest older build in the same
// environment. Everything else, including a promotion pointer that cycles,
// yields ok == false.
func (w *Walker) EffectiveChangeSet(runs []build.Run, index int) (Attribution, bool) {
	return w.walk(runs, index, make(map[int]struct{}))
}

func (w *Walker) walk(runs []build.Run, index int, visited map[int]struct{}) (Attribution, bool) {
	if index < 0 || index >= len(runs) {
		return Attribution{}, false
	}
	run := runs[index]
	if _, seen := visited[run.Number()]; seen {
		w.logger.Warn("promotion chain cycles",
			"job", run.JobName(),
			"build", run.Number())
		return Attribution{}, false
	}
	visited[run.Number()] = struct{}{}

	if version, ok := build.PromotedFrom(run); ok {
		if origin := indexOf(runs, version); origin >= 0 {
			return w.walk(runs, origin, visited)
		}
		w.logger.Debug("promotion origin not in history",
			"job", run.JobName(),
			"build", run.Number(),
			"promote_from_version", version)
	}

	if sets := w.source.ChangeSetsOf(run); len(sets) > 0 {
		return Attribution{ChangeSet: Latest(sets), Run: run, ChangeSets: sets}, true
	}
	if run.IsBuilding() {
		return Attribution{}, false
	}

	env := environmentValue(run, w.logger)
	for i := index + 1; i < len(runs); i++ {
		older := runs[i]
		if environmentValue(older, w.logger) != env {
			continue
		}
		if sets := w.source.ChangeSetsOf(older); len(sets) > 0 {
			return Attribution{ChangeSet: Latest(sets), Run: older, ChangeSets: sets}, true
		}
	}
	return Attribution{}, false
}

// Latest returns the change set whose last commit is newest. Valid
// timestamps are compared first; committer-time strings decide only when
// neither side has one. Ties keep the earlier change set. sets must not be
// empty.
func Latest(sets []build.ChangeSet) build.ChangeSet {
	best := sets[0]
	for _, cs := range sets[1:] {
		if newer(cs, best) {
			best = cs
		}
	}
	return best
}

func newer(a, b build.ChangeSet) bool {
	la, okA := a.Last()
	lb, okB := b.Last()
	if !okA || !okB {
		return okA && !okB
	}
	validA := build.ValidTimestamp(la.Timestamp)
	validB := build.ValidTimestamp(lb.Timestamp)
	switch {
	case validA && validB:
		return la.Timestamp > lb.Timestamp
	case validA != validB:
		return validA
	default:
		return la.CommitterTime > lb.CommitterTime
	}
}

func indexOf(runs []build.Run, number int) int {
	for i, r := range runs {
		if r.Number() == number {
			return i
		}
	}
	return -1
}

// environmentValue returns ENVIRONMENT from the parameters, falling back to
// the environment snapshot.
func environmentValue(run build.Run, logger *slog.Logger) string {
	if params, ok := run.Parameters(); ok && params != nil {
		if v, found := params.Lookup(build.ParamEnvironment); found {
			return v
		}
	}
	return environmentOf(run, logger).Get(build.ParamEnvironment)
}
