package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/relicta-tech/buildline/internal/domain/build"
	"github.com/relicta-tech/buildline/internal/domain/lineage"
	"github.com/relicta-tech/buildline/internal/observability"
)

// Hooks are called synchronously while a build executes.
type Hooks interface {
	OnInitialize(ctx context.Context, run build.Run)
	OnCheckout(ctx context.Context, run build.Run, checkout build.Checkout, workspace string) error
	OnSave(ctx context.Context, run build.Run)
}

// CommitReader reads the commit a working copy is at.
type CommitReader interface {
	LastCommit(ctx context.Context, dir string) (string, error)
}

// Executor takes queued builds and runs their checkouts.
type Executor struct {
	engine    *Memory
	hooks     Hooks
	reader    CommitReader
	publisher build.EventPublisher
	workspace string
	logger    *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithEventPublisher publishes build.started and build.finished to p.
func WithEventPublisher(p build.EventPublisher) ExecutorOption {
	return func(e *Executor) {
		e.publisher = p
	}
}

// WithRevisionReader records a revision for every checkout using r.
func WithRevisionReader(r CommitReader) ExecutorOption {
	return func(e *Executor) {
		e.reader = r
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor. Job workspaces live under workspace.
func NewExecutor(engine *Memory, hooks Hooks, workspace string, opts ...ExecutorOption) *Executor {
	e := &Executor{
		engine:    engine,
		hooks:     hooks,
		workspace: workspace,
		logger:    slog.Default().With("service", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Workspace returns the workspace root of job.
func (e *Executor) Workspace(job string) string {
	return filepath.Join(e.workspace, job)
}

// Run executes queued builds until ctx is done.
func (e *Executor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case run := <-e.engine.Queue():
			e.Execute(ctx, run)
		}
	}
}

// Execute runs one build and returns its final status.
func (e *Executor) Execute(ctx context.Context, run *Run) Status {
	ctx, span := observability.StartSpan(ctx, "engine.Execute",
		observability.AttrJobName, run.JobName(),
		observability.AttrBuildNumber, run.Number())
	defer span.End()

	if err := e.engine.Start(run); err != nil {
		span.RecordError(err)
		e.logger.Error("failed to start build", "job", run.JobName(), "build", run.Number(), "error", err)
		return run.Status()
	}
	e.publish(ctx, build.Event{Kind: build.EventBuildStarted, Job: run.JobName(), Build: run.Number(),
		Environment: build.EnvironmentOf(run), QueueID: run.QueueID()})

	e.hooks.OnInitialize(ctx, run)

	status := StatusSucceeded
	var failure error
	var revisions []build.Revision
	spec, _ := e.engine.Spec(run.JobName())
	workspace := e.Workspace(run.JobName())
	for _, scm := range spec.SCMs {
		if err := ctx.Err(); err != nil {
			status, failure = StatusAborted, err
			break
		}
		checkout := build.Checkout{
			Name:        scm.Name,
			URL:         scm.URL,
			Branches:    scm.Branches,
			RelativeDir: scm.RelativeDir,
			Kind:        scm.Kind,
			Browser:     scm.Browser,
		}
		run.addCheckout(checkout)
		if err := e.hooks.OnCheckout(ctx, run, checkout, workspace); err != nil {
			status, failure = StatusFailed, err
			break
		}
		if rev, ok := e.revision(ctx, run, checkout, workspace); ok {
			revisions = append(revisions, rev)
		}
	}

	if err := e.engine.Finish(run, status, revisions...); err != nil {
		e.logger.Error("failed to finish build", "job", run.JobName(), "build", run.Number(), "error", err)
	}
	event := build.Event{Kind: build.EventBuildFinished, Job: run.JobName(), Build: run.Number(),
		Environment: build.EnvironmentOf(run), QueueID: run.QueueID(), Status: string(status)}
	if failure != nil {
		span.RecordError(failure)
		event.Error = failure.Error()
		e.logger.Error("build failed", "job", run.JobName(), "build", run.Number(), "status", status, "error", failure)
	} else {
		e.logger.Info("build finished", "job", run.JobName(), "build", run.Number(), "status", status)
	}
	e.publish(ctx, event)

	e.hooks.OnSave(ctx, run)
	return status
}

// revision records the commit the checkout landed on, in the form the
// version-control integration reports it.
func (e *Executor) revision(ctx context.Context, run *Run, checkout build.Checkout, workspace string) (build.Revision, bool) {
	if e.reader == nil || len(checkout.Branches) == 0 {
		return build.Revision{}, false
	}
	name := checkout.RepositoryName()
	env, _ := run.Environment()
	branch, ok := lineage.ResolveBranchSpec(checkout.Branches[0], env)
	if name == "" || !ok {
		return build.Revision{}, false
	}
	dir := workspace
	if checkout.RelativeDir != "" {
		dir = filepath.Join(workspace, strings.TrimPrefix(checkout.RelativeDir, string(filepath.Separator)))
	}
	hash, err := e.reader.LastCommit(ctx, dir)
	if err != nil {
		e.logger.Debug("no revision recorded", "job", run.JobName(), "build", run.Number(), "repository", name, "error", err)
		return build.Revision{}, false
	}
	return build.Revision{
		Number:     run.Number(),
		CommitHash: hash,
		Repo:       name,
		Branch:     lineage.ShortBranch(branch),
	}, true
}

func (e *Executor) publish(ctx context.Context, event build.Event) {
	if e.publisher == nil {
		return
	}
	event.Timestamp = time.Now()
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("failed to publish event", "kind", event.Kind, "error", err)
	}
}
