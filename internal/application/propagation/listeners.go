// Package propagation records source-control state on build parameters as
// builds check out code, so later promotions carry an explicit record of
// each repository's branch and commit.
//
// The execution engine calls the hooks synchronously. Every hook is
// add-if-absent or update-in-place and may run any number of times for the
// same build.
package propagation

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/relicta-tech/buildline/internal/domain/build"
	"github.com/relicta-tech/buildline/internal/domain/lineage"
	apperrors "github.com/relicta-tech/buildline/internal/errors"
)

// CommitReader reads the short hash of the last commit in a working copy.
type CommitReader interface {
	LastCommit(ctx context.Context, dir string) (string, error)
}

// Listeners implements the engine's build hooks.
type Listeners struct {
	reader CommitReader
	logger *slog.Logger
}

// Option configures Listeners.
type Option func(*Listeners)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listeners) {
		l.logger = logger
	}
}

// New creates the listeners. reader is consulted for commits not yet recorded.
func New(reader CommitReader, opts ...Option) *Listeners {
	l := &Listeners{
		reader: reader,
		logger: slog.Default().With("service", "propagation"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnInitialize mirrors a web-hook provided gitlabBranch into GIT_BRANCH.
func (l *Listeners) OnInitialize(_ context.Context, run build.Run) {
	l.mirrorGitlabBranch(run)
}

func (l *Listeners) mirrorGitlabBranch(run build.Run) {
	params, ok := run.Parameters()
	if !ok || params == nil {
		return
	}
	env, err := run.Environment()
	if err != nil {
		l.logger.Error("failed to resolve environment",
			"job", run.JobName(),
			"build", run.Number(),
			"error", err)
		return
	}
	if branch := env.Get(build.EnvGitlabBranch); branch != "" {
		params.Set(build.ParamGitBranch, branch)
	}
}

// OnCheckout records <NAME>_BRANCH and <NAME>_GIT_COMMIT for a checkout.
// Builds created by a promotion keep the values they were given. workspace is
// the build's workspace root; the checkout's relative directory is resolved
// against it.
func (l *Listeners) OnCheckout(ctx context.Context, run build.Run, checkout build.Checkout, workspace string) error {
	l.mirrorGitlabBranch(run)

	params, ok := run.Parameters()
	if !ok || params == nil {
		l.logger.Debug("skipping checkout of non-parameterized build",
			"job", run.JobName(),
			"build", run.Number())
		return nil
	}
	if _, promoted := params.Lookup(build.ParamPromoteFromEnvironment); promoted {
		return nil
	}

	name := checkout.RepositoryName()
	if name == "" {
		l.logger.Warn("cannot derive repository name",
			"job", run.JobName(),
			"build", run.Number(),
			"url", apperrors.RedactSensitive(checkout.URL))
		return nil
	}

	if len(checkout.Branches) > 0 {
		env, err := run.Environment()
		if err != nil {
			env = build.Env{}
		}
		if branch, ok := lineage.ResolveBranchSpec(checkout.Branches[0], env); ok {
			params.AddIfAbsent(build.BranchParam(name), lineage.ShortBranch(branch))
		}
	}

	commitKey := build.CommitParam(name)
	if _, exists := params.Lookup(commitKey); exists {
		return nil
	}
	dir := WorkingCopy(workspace, checkout.RelativeDir)
	commit, err := l.reader.LastCommit(ctx, dir)
	if err != nil {
		return apperrors.GitWrap(err, "propagation.OnCheckout", "failed to read last commit of "+name)
	}
	if params.AddIfAbsent(commitKey, commit) {
		l.logger.Info("recorded checkout",
			"job", run.JobName(),
			"build", run.Number(),
			"repository", name,
			"commit", commit)
	}
	return nil
}

// OnSave reconciles revisions recorded by the version-control integration
// with <NAME>_GIT_COMMIT. Only finished builds are considered; a revision is
// taken when it belongs to this build and its branch matches <NAME>_BRANCH.
func (l *Listeners) OnSave(_ context.Context, run build.Run) {
	if run.IsBuilding() {
		return
	}
	params, ok := run.Parameters()
	if !ok || params == nil {
		return
	}
	for _, rev := range run.Revisions() {
		key := build.CommitParam(rev.Repo)
		if _, exists := params.Lookup(key); exists {
			continue
		}
		if rev.Number != run.Number() {
			continue
		}
		branch, ok := params.Lookup(build.BranchParam(rev.Repo))
		if !ok || !strings.EqualFold(branch, rev.Branch) {
			continue
		}
		if params.AddIfAbsent(key, build.ShortHash(rev.CommitHash)) {
			l.logger.Info("reconciled revision",
				"job", run.JobName(),
				"build", run.Number(),
				"repository", rev.Repo,
				"commit", build.ShortHash(rev.CommitHash))
		}
	}
}

// WorkingCopy joins a checkout's relative directory onto the workspace.
func WorkingCopy(workspace, relativeDir string) string {
	if relativeDir == "" {
		return workspace
	}
	return filepath.Join(workspace, strings.TrimPrefix(relativeDir, string(filepath.Separator)))
}
