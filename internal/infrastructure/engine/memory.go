// Package engine is an in-memory execution engine: it holds jobs and their
// build histories, accepts schedule requests and drives queued builds
// through their lifecycle, calling the build hooks along the way.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relicta-tech/buildline/internal/domain/build"
	apperrors "github.com/relicta-tech/buildline/internal/errors"
	"github.com/relicta-tech/buildline/internal/observability"
)

// ErrInvalidTransition is returned when a lifecycle event does not apply to
// the build's current status.
var ErrInvalidTransition = errors.New("invalid build transition")

// SCM is a source checkout a job performs on every build.
type SCM struct {
	Name        string
	URL         string
	Branches    []string
	RelativeDir string
	Kind        string
	Browser     build.LinkBuilder
}

// JobSpec defines a job.
type JobSpec struct {
	build.Job
	SCMs   []SCM
	Script string
	// Env is merged into every build's environment snapshot.
	Env map[string]string
}

// RunSpec describes an existing build, used to seed history.
type RunSpec struct {
	Number     int
	Parameters map[string]string
	// ParameterOrder keeps parameter insertion order when set.
	ParameterOrder []string
	Env            map[string]string
	Checkouts      []build.Checkout
	Causes         []build.Cause
	Revisions      []build.Revision
	Status         Status
	Timestamp      time.Time
}

type jobRecord struct {
	spec JobSpec
	// runs are oldest first.
	runs []*Run
	next int
}

// Memory is the in-memory engine.
type Memory struct {
	mu    sync.RWMutex
	jobs  map[string]*jobRecord
	users map[string]string
	queue chan *Run

	authorizer Authorizer
	baseURL    string
	metrics    *observability.Metrics
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// Option configures Memory.
type Option func(*Memory)

// WithAuthorizer sets the authorization check applied by Schedule.
func WithAuthorizer(a Authorizer) Option {
	return func(m *Memory) {
		m.authorizer = a
	}
}

// WithBaseURL prefixes build URLs, e.g. "http://ci.example.com/".
func WithBaseURL(u string) Option {
	return func(m *Memory) {
		m.baseURL = u
	}
}

// WithMetrics records queue metrics on mt.
func WithMetrics(mt *observability.Metrics) Option {
	return func(m *Memory) {
		m.metrics = mt
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Memory) {
		m.logger = logger
	}
}

// WithQueueSize sets how many builds may wait for an executor.
func WithQueueSize(n int) Option {
	return func(m *Memory) {
		if n > 0 {
			m.queue = make(chan *Run, n)
		}
	}
}

// DefaultQueueSize is the queue capacity when none is configured.
const DefaultQueueSize = 64

// NewMemory creates an empty engine.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		jobs:       make(map[string]*jobRecord),
		users:      make(map[string]string),
		queue:      make(chan *Run, DefaultQueueSize),
		authorizer: RoleAuthorizer{},
		logger:     slog.Default().With("service", "engine"),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PutJob adds or replaces a job definition. Existing builds are kept.
func (m *Memory) PutJob(spec JobSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.jobs[spec.Name]; ok {
		rec.spec = spec
		return
	}
	m.jobs[spec.Name] = &jobRecord{spec: spec, next: 1}
}

// RemoveJob deletes a job and its history.
func (m *Memory) RemoveJob(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, name)
}

// SetUsers replaces the id to full-name directory used for commit authors.
func (m *Memory) SetUsers(users map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[string]string, len(users))
	for id, name := range users {
		m.users[id] = name
	}
}

// FullName resolves a user id. It satisfies lineage.UserLookup.
func (m *Memory) FullName(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.users[id]
	return name, ok
}

// ImportRun adds an existing build to a job's history. Builds whose number is
// already present are skipped and reported as not imported.
func (m *Memory) ImportRun(job string, spec RunSpec) (bool, error) {
	const op = "engine.ImportRun"

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[job]
	if !ok {
		return false, apperrors.NotFound(op, "unknown job "+job)
	}
	if spec.Number < 1 {
		return false, apperrors.Validation(op, "build number must be positive")
	}
	if slices.ContainsFunc(rec.runs, func(r *Run) bool { return r.number == spec.Number }) {
		return false, nil
	}

	status := spec.Status
	if status == "" {
		status = StatusSucceeded
	}
	life, err := finishedLifecycle(status)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.KindValidation, op, "invalid status "+string(status))
	}

	run := &Run{
		job:       job,
		number:    spec.Number,
		baseURL:   m.baseURL,
		causes:    slices.Clone(spec.Causes),
		script:    rec.spec.Script,
		env:       mergeEnv(rec.spec.Env, spec.Env),
		checkouts: slices.Clone(spec.Checkouts),
		revisions: slices.Clone(spec.Revisions),
		life:      life,
		queuedAt:  spec.Timestamp,
		startedAt: spec.Timestamp,
	}
	if status.Finished() {
		run.finishedAt = spec.Timestamp
	}
	if rec.spec.Parameterized {
		run.params = orderedParameters(spec.Parameters, spec.ParameterOrder)
	}

	rec.runs = append(rec.runs, run)
	sort.Slice(rec.runs, func(i, j int) bool { return rec.runs[i].number < rec.runs[j].number })
	if spec.Number >= rec.next {
		rec.next = spec.Number + 1
	}
	return true, nil
}

// Jobs returns all jobs sorted by name.
func (m *Memory) Jobs(_ context.Context) ([]build.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]build.Job, 0, len(m.jobs))
	for _, rec := range m.jobs {
		jobs = append(jobs, rec.spec.Job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs, nil
}

// Job returns one job.
func (m *Memory) Job(_ context.Context, name string) (build.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[name]
	if !ok {
		return build.Job{}, apperrors.NotFound("engine.Job", "unknown job "+name)
	}
	return rec.spec.Job, nil
}

// Spec returns a job's full definition.
func (m *Memory) Spec(name string) (JobSpec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[name]
	if !ok {
		return JobSpec{}, false
	}
	return rec.spec, true
}

// Runs returns the builds of job, newest first.
func (m *Memory) Runs(_ context.Context, job string) ([]build.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[job]
	if !ok {
		return nil, apperrors.NotFound("engine.Runs", "unknown job "+job)
	}
	runs := make([]build.Run, 0, len(rec.runs))
	for i := len(rec.runs) - 1; i >= 0; i-- {
		runs = append(runs, rec.runs[i])
	}
	return runs, nil
}

// Run returns one build.
func (m *Memory) Run(job string, number int) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[job]
	if !ok {
		return nil, apperrors.NotFound("engine.Run", "unknown job "+job)
	}
	for _, r := range rec.runs {
		if r.number == number {
			return r, nil
		}
	}
	return nil, apperrors.NotFound("engine.Run", job+" has no build "+strconv.Itoa(number))
}

// Environments returns the declared ENVIRONMENT choices of job.
func (m *Memory) Environments(ctx context.Context, job string) ([]string, error) {
	j, err := m.Job(ctx, job)
	if err != nil {
		return nil, err
	}
	return slices.Clone(j.Environments), nil
}

// Schedule queues a new build of req.Job for the actor on ctx.
func (m *Memory) Schedule(ctx context.Context, req build.ScheduleRequest) (build.QueueItem, error) {
	const op = "engine.Schedule"

	actor := build.ActorFrom(ctx)
	if err := m.authorizer.CanBuild(actor, req.Job); err != nil {
		return build.QueueItem{}, err
	}

	m.mu.Lock()
	rec, ok := m.jobs[req.Job]
	if !ok {
		m.mu.Unlock()
		return build.QueueItem{}, apperrors.NotFound(op, "unknown job "+req.Job)
	}
	life, err := newLifecycle()
	if err != nil {
		m.mu.Unlock()
		return build.QueueItem{}, apperrors.Wrap(err, apperrors.KindInternal, op, "failed to create build")
	}
	run := &Run{
		job:      req.Job,
		number:   rec.next,
		queueID:  m.newID(),
		baseURL:  m.baseURL,
		causes:   slices.Clone(req.Causes),
		script:   rec.spec.Script,
		env:      mergeEnv(rec.spec.Env, nil),
		life:     life,
		queuedAt: m.now(),
	}
	if rec.spec.Parameterized {
		if req.Parameters != nil {
			run.params = req.Parameters.Clone()
		} else {
			run.params = build.NewParameters()
		}
	}

	select {
	case m.queue <- run:
	default:
		m.mu.Unlock()
		return build.QueueItem{}, apperrors.Scheduling(op, "build queue is full")
	}
	rec.next++
	rec.runs = append(rec.runs, run)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetQueuedBuilds(int64(len(m.queue)))
	}
	m.logger.Info("build queued",
		"job", run.job,
		"build", run.number,
		"queue_id", run.queueID,
		"actor", actor.Name)
	return build.QueueItem{ID: run.queueID, Job: run.job}, nil
}

// Queue returns the channel executors take queued builds from.
func (m *Memory) Queue() <-chan *Run {
	return m.queue
}

// Start moves a queued build to running.
func (m *Memory) Start(run *Run) error {
	if err := run.transition(EventStart, m.now()); err != nil {
		return apperrors.Wrap(err, apperrors.KindValidation, "engine.Start", "cannot start "+build.Name(run))
	}
	if m.metrics != nil {
		m.metrics.SetQueuedBuilds(int64(len(m.queue)))
		m.metrics.RecordBuildStarted()
	}
	return nil
}

// Finish moves a build to a terminal status and records the revisions the
// version-control integration reported.
func (m *Memory) Finish(run *Run, status Status, revisions ...build.Revision) error {
	var event = EventAbort
	switch status {
	case StatusSucceeded:
		event = EventSucceed
	case StatusFailed:
		event = EventFail
	case StatusAborted:
	default:
		return apperrors.Validation("engine.Finish", "not a terminal status: "+string(status))
	}
	run.addRevisions(revisions...)
	if err := run.transition(event, m.now()); err != nil {
		return apperrors.Wrap(err, apperrors.KindValidation, "engine.Finish", "cannot finish "+build.Name(run))
	}
	if m.metrics != nil {
		m.metrics.RecordBuildFinished(string(status))
	}
	return nil
}

func mergeEnv(layers ...map[string]string) build.Env {
	env := build.Env{}
	for _, layer := range layers {
		for k, v := range layer {
			env[k] = v
		}
	}
	return env
}

func orderedParameters(values map[string]string, order []string) *build.Parameters {
	params := build.NewParameters()
	for _, name := range order {
		if v, ok := values[name]; ok {
			params.AddIfAbsent(name, v)
		}
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		params.AddIfAbsent(name, values[name])
	}
	return params
}
