// Package history builds the per-build records served by the query endpoint:
// the effective change set, branch and promotion origin of each build.
package history

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/relicta-tech/buildline/internal/domain/build"
	"github.com/relicta-tech/buildline/internal/domain/lineage"
	apperrors "github.com/relicta-tech/buildline/internal/errors"
	"github.com/relicta-tech/buildline/internal/observability"
)

const (
	// DefaultMaxRuns is the page cap when none is configured.
	DefaultMaxRuns = 10
	// DefaultConcurrency bounds how many builds of a page are evaluated at once.
	DefaultConcurrency = 4
)

// Repository exposes jobs and their build histories.
type Repository interface {
	Jobs(ctx context.Context) ([]build.Job, error)
	Job(ctx context.Context, name string) (build.Job, error)
	// Runs returns the builds of job, newest first.
	Runs(ctx context.Context, job string) ([]build.Run, error)
}

// RunView is one build as reported by the query endpoint.
type RunView struct {
	JobName                string
	Number                 int
	Name                   string
	Environment            string
	PromoteFromEnvironment string
	PromoteFromVersion     string
	Branch                 string
	Building               bool
	// ChangeSet is nil when the build has no effective change set.
	ChangeSet *build.ChangeSet
	// AttributedTo is the build the change set was taken from.
	AttributedTo int
	ChangeSets   []build.ChangeSet
	// Parameters is filled only for full-stage queries.
	Parameters map[string]string
}

// Query selects a page of builds.
type Query struct {
	Job string
	// Since stops the page after the build with this name ("#12" or "12").
	Since      string
	FullStages bool
}

// Service answers history queries.
type Service struct {
	repo        Repository
	walker      *lineage.Walker
	aggregator  *lineage.Aggregator
	branches    *lineage.BranchResolver
	maxRuns     int
	concurrency int64
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMaxRuns caps the number of builds per page. Values below 1 are ignored.
func WithMaxRuns(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRuns = n
		}
	}
}

// WithConcurrency bounds concurrent evaluation. Values below 1 are ignored.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = int64(n)
		}
	}
}

// WithMetrics records query counters on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a history service.
func NewService(repo Repository, aggregator *lineage.Aggregator, branches *lineage.BranchResolver, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		aggregator:  aggregator,
		branches:    branches,
		maxRuns:     DefaultMaxRuns,
		concurrency: DefaultConcurrency,
		logger:      slog.Default().With("service", "history"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.walker = lineage.NewWalker(aggregator, s.logger)
	return s
}

// MaxRuns returns the page cap.
func (s *Service) MaxRuns() int {
	return s.maxRuns
}

// Jobs lists the known jobs.
func (s *Service) Jobs(ctx context.Context) ([]build.Job, error) {
	return s.repo.Jobs(ctx)
}

// Environments returns the declared environments of job.
func (s *Service) Environments(ctx context.Context, job string) ([]string, error) {
	j, err := s.repo.Job(ctx, job)
	if err != nil {
		return nil, err
	}
	return j.Environments, nil
}

// Runs returns a page of builds of q.Job, newest first. The page ends after
// the build named by q.Since or when the page cap is reached.
func (s *Service) Runs(ctx context.Context, q Query) ([]RunView, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "history.Runs",
		observability.AttrJobName, q.Job,
		observability.AttrQuerySince, q.Since)
	defer span.End()

	runs, err := s.repo.Runs(ctx, q.Job)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	page := s.page(runs, q.Since)
	views := make([]RunView, len(page))

	sem := semaphore.NewWeighted(s.concurrency)
	g, gCtx := errgroup.WithContext(ctx)
	for i := range page {
		g.Go(func() error {
			if err := sem.Acquire(gCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			views[i] = s.view(runs, i, q.FullStages)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, apperrors.Wrap(err, apperrors.KindCanceled, "history.Runs", "query interrupted")
	}

	span.SetAttribute(observability.AttrQueryRuns, len(views))
	if s.metrics != nil {
		s.metrics.RecordQuery(time.Since(start))
	}
	s.logger.Debug("history query",
		"job", q.Job,
		"since", q.Since,
		"runs", len(views),
		"duration", time.Since(start))
	return views, nil
}

// Run returns the view of a single build.
func (s *Service) Run(ctx context.Context, job string, number int) (RunView, error) {
	runs, err := s.repo.Runs(ctx, job)
	if err != nil {
		return RunView{}, err
	}
	for i, r := range runs {
		if r.Number() == number {
			return s.view(runs, i, true), nil
		}
	}
	return RunView{}, apperrors.NotFound("history.Run", job+" has no build "+strconv.Itoa(number))
}

// Find returns the build of job with the given number.
func (s *Service) Find(ctx context.Context, job string, number int) (build.Run, error) {
	runs, err := s.repo.Runs(ctx, job)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if r.Number() == number {
			return r, nil
		}
	}
	return nil, apperrors.NotFound("history.Find", job+" has no build "+strconv.Itoa(number))
}

func (s *Service) page(runs []build.Run, since string) []build.Run {
	since = strings.TrimSpace(since)
	limit := min(len(runs), s.maxRuns)
	for i := range limit {
		if since != "" && matchesName(runs[i], since) {
			return runs[:i+1]
		}
	}
	return runs[:limit]
}

func matchesName(run build.Run, name string) bool {
	return build.Name(run) == name || strconv.Itoa(run.Number()) == name
}

func (s *Service) view(runs []build.Run, index int, fullStages bool) RunView {
	run := runs[index]
	env := s.environment(run)
	v := RunView{
		JobName:                run.JobName(),
		Number:                 run.Number(),
		Name:                   build.Name(run),
		Environment:            env.Get(build.ParamEnvironment),
		PromoteFromEnvironment: env.Get(build.ParamPromoteFromEnvironment),
		PromoteFromVersion:     env.Get(build.ParamPromoteFromVersion),
		Building:               run.IsBuilding(),
		ChangeSets:             []build.ChangeSet{},
	}

	if attr, ok := s.walker.EffectiveChangeSet(runs, index); ok {
		cs := attr.ChangeSet
		v.ChangeSet = &cs
		v.AttributedTo = attr.Run.Number()
		v.ChangeSets = attr.ChangeSets
		if branch, found := s.branches.BranchForChangeSet(run, attr.Run, cs); found {
			v.Branch = branch
		}
	} else if branch, found := s.branches.BranchOf(run); found {
		v.Branch = branch
	}

	if fullStages {
		if params, ok := run.Parameters(); ok && params != nil {
			v.Parameters = params.Map()
		}
	}
	return v
}

// environment returns the build's environment with parameters overlaid, or
// only the parameters when the snapshot cannot be resolved.
func (s *Service) environment(run build.Run) build.Env {
	env := build.Env{}
	snapshot, err := run.Environment()
	if err != nil {
		s.logger.Error("failed to resolve environment",
			"job", run.JobName(),
			"build", run.Number(),
			"error", err)
	}
	for k, v := range snapshot {
		env[k] = v
	}
	if params, ok := run.Parameters(); ok && params != nil {
		for k, v := range params.Map() {
			env[k] = v
		}
	}
	return env
}
