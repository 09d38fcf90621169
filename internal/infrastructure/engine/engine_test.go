package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relicta-tech/buildline/internal/application/propagation"
	"github.com/relicta-tech/buildline/internal/domain/build"
	apperrors "github.com/relicta-tech/buildline/internal/errors"
	"github.com/relicta-tech/buildline/internal/observability"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var promoter = build.Actor{Name: "alice", Roles: []string{build.RolePromoter}}

func paymentsJob() JobSpec {
	return JobSpec{
		Job: build.Job{Name: "payments", Environments: []string{"SIT", "UAT", "PROD"}, Parameterized: true},
		SCMs: []SCM{{
			URL:      "git@gitlab.example.com:team/payments.git",
			Branches: []string{"${BRANCH}"},
			Kind:     "git",
		}},
	}
}

func newEngine(opts ...Option) *Memory {
	return NewMemory(append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func TestLifecycle(t *testing.T) {
	l, err := newLifecycle()
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, l.status())

	require.NoError(t, l.send(EventStart))
	assert.Equal(t, StatusRunning, l.status())
	assert.ErrorIs(t, l.send(EventStart), ErrInvalidTransition)

	require.NoError(t, l.send(EventSucceed))
	assert.Equal(t, StatusSucceeded, l.status())
	assert.ErrorIs(t, l.send(EventFail), ErrInvalidTransition)
}

func TestFinishedLifecycle(t *testing.T) {
	for _, status := range []Status{StatusQueued, StatusSucceeded, StatusFailed, StatusAborted} {
		t.Run(string(status), func(t *testing.T) {
			l, err := finishedLifecycle(status)
			require.NoError(t, err)
			assert.Equal(t, status, l.status())
		})
	}
}

func TestMemory_ImportAndRuns(t *testing.T) {
	m := newEngine()
	m.PutJob(paymentsJob())

	for _, n := range []int{2, 1, 3} {
		ok, err := m.ImportRun("payments", RunSpec{Number: n, Parameters: map[string]string{"ENVIRONMENT": "SIT"}})
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := m.ImportRun("payments", RunSpec{Number: 2})
	require.NoError(t, err)
	assert.False(t, ok, "duplicate numbers are skipped")

	runs, err := m.Runs(context.Background(), "payments")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{runs[0].Number(), runs[1].Number(), runs[2].Number()})
	assert.False(t, runs[0].IsBuilding())

	env, err := runs[0].Environment()
	require.NoError(t, err)
	assert.Equal(t, "3", env.Get(build.EnvBuildNumber))
	assert.Equal(t, "SIT", env.Get(build.ParamEnvironment))
	assert.Equal(t, "job/payments/3/", runs[0].URL())

	_, err = m.ImportRun("missing", RunSpec{Number: 1})
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
	_, err = m.ImportRun("payments", RunSpec{Number: 0})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestMemory_ImportKeepsParameterOrder(t *testing.T) {
	m := newEngine()
	m.PutJob(paymentsJob())
	_, err := m.ImportRun("payments", RunSpec{
		Number:         1,
		Parameters:     map[string]string{"B": "2", "A": "1", "C": "3"},
		ParameterOrder: []string{"C", "B"},
	})
	require.NoError(t, err)

	run, err := m.Run("payments", 1)
	require.NoError(t, err)
	params, ok := run.Parameters()
	require.True(t, ok)
	names := make([]string, 0, 3)
	for _, p := range params.All() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"C", "B", "A"}, names)
}

func TestMemory_Schedule(t *testing.T) {
	metrics := observability.NewMetrics("test")
	m := newEngine(WithMetrics(metrics))
	m.PutJob(paymentsJob())
	_, err := m.ImportRun("payments", RunSpec{Number: 7})
	require.NoError(t, err)

	req := build.ScheduleRequest{
		Job:        "payments",
		Parameters: build.NewParameters(build.Parameter{Name: "ENVIRONMENT", Value: "UAT"}),
		Causes:     []build.Cause{{Kind: build.CauseUser, UserID: "alice"}},
	}
	item, err := m.Schedule(build.WithActor(context.Background(), promoter), req)
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, "payments", item.Job)

	run, err := m.Run("payments", 8)
	require.NoError(t, err)
	assert.Equal(t, item.ID, run.QueueID())
	assert.True(t, run.IsBuilding())
	assert.Equal(t, StatusQueued, run.Status())
	assert.Equal(t, "UAT", build.EnvironmentOf(run))
	assert.Equal(t, req.Causes, run.Causes())
	assert.Equal(t, int64(1), metrics.Snapshot().QueuedBuilds)

	req.Parameters.Set("ENVIRONMENT", "PROD")
	assert.Equal(t, "UAT", build.EnvironmentOf(run), "scheduled parameters are copied")

	queued := <-m.Queue()
	assert.Same(t, run, queued)
}

func TestMemory_ScheduleErrors(t *testing.T) {
	m := newEngine(WithQueueSize(1))
	m.PutJob(paymentsJob())

	_, err := m.Schedule(context.Background(), build.ScheduleRequest{Job: "payments"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindPermission), "anonymous may not build")

	ctx := build.WithActor(context.Background(), promoter)
	_, err = m.Schedule(ctx, build.ScheduleRequest{Job: "nope"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	_, err = m.Schedule(ctx, build.ScheduleRequest{Job: "payments"})
	require.NoError(t, err)
	_, err = m.Schedule(ctx, build.ScheduleRequest{Job: "payments"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindScheduling))
	assert.True(t, apperrors.IsRecoverable(err))

	runs, _ := m.Runs(context.Background(), "payments")
	assert.Len(t, runs, 1, "rejected requests leave no build behind")
}

func TestRoleAuthorizer(t *testing.T) {
	a := RoleAuthorizer{Restricted: map[string]bool{"prod-deploy": true}}
	admin := build.Actor{Name: "root", Roles: []string{build.RoleAdmin}}
	viewer := build.Actor{Name: "v", Roles: []string{build.RoleViewer}}

	assert.NoError(t, a.CanBuild(admin, "prod-deploy"))
	assert.NoError(t, a.CanBuild(promoter, "payments"))
	assert.Error(t, a.CanBuild(promoter, "prod-deploy"))
	assert.True(t, apperrors.IsKind(a.CanBuild(viewer, "payments"), apperrors.KindPermission))
	assert.NoError(t, AllowAll{}.CanBuild(build.Anonymous, "prod-deploy"))
}

func TestMemory_Users(t *testing.T) {
	m := newEngine()
	m.SetUsers(map[string]string{"jdoe": "Jane Doe"})

	name, ok := m.FullName("jdoe")
	assert.True(t, ok)
	assert.Equal(t, "Jane Doe", name)
	_, ok = m.FullName("ghost")
	assert.False(t, ok)
}

type fakeReader struct{ commit string }

func (f fakeReader) LastCommit(context.Context, string) (string, error) {
	return f.commit, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []build.Event
}

func (p *recordingPublisher) Publish(_ context.Context, events ...build.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func TestExecutor_RecordsSourceState(t *testing.T) {
	m := newEngine()
	m.PutJob(paymentsJob())
	pub := &recordingPublisher{}
	reader := fakeReader{commit: "3f2a9c1"}
	exec := NewExecutor(m, propagation.New(reader, propagation.WithLogger(quietLogger())), t.TempDir(),
		WithEventPublisher(pub), WithRevisionReader(reader), WithExecutorLogger(quietLogger()))

	params := build.NewParameters(
		build.Parameter{Name: "ENVIRONMENT", Value: "SIT"},
		build.Parameter{Name: "BRANCH", Value: "origin/release/2.0"},
	)
	_, err := m.Schedule(build.WithActor(context.Background(), promoter), build.ScheduleRequest{Job: "payments", Parameters: params})
	require.NoError(t, err)

	status := exec.Execute(context.Background(), <-m.Queue())

	assert.Equal(t, StatusSucceeded, status)
	run, err := m.Run("payments", 1)
	require.NoError(t, err)
	assert.False(t, run.IsBuilding())
	assert.Equal(t, "release/2.0", build.Param(run, "PAYMENTS_BRANCH"))
	assert.Equal(t, "3f2a9c1", build.Param(run, "PAYMENTS_GIT_COMMIT"))
	checkouts, _ := run.Checkouts()
	assert.Len(t, checkouts, 1)
	require.Len(t, run.Revisions(), 1)
	assert.Equal(t, "release/2.0", run.Revisions()[0].Branch)

	require.Len(t, pub.events, 2)
	assert.Equal(t, build.EventBuildStarted, pub.events[0].Kind)
	assert.Equal(t, build.EventBuildFinished, pub.events[1].Kind)
	assert.Equal(t, string(StatusSucceeded), pub.events[1].Status)
}

type failingHooks struct{ saved int }

func (h *failingHooks) OnInitialize(context.Context, build.Run) {}
func (h *failingHooks) OnCheckout(context.Context, build.Run, build.Checkout, string) error {
	return apperrors.Git("test", "exit status 128")
}
func (h *failingHooks) OnSave(context.Context, build.Run) { h.saved++ }

func TestExecutor_CheckoutFailureFailsBuild(t *testing.T) {
	m := newEngine()
	m.PutJob(paymentsJob())
	hooks := &failingHooks{}
	pub := &recordingPublisher{}
	exec := NewExecutor(m, hooks, t.TempDir(), WithEventPublisher(pub), WithExecutorLogger(quietLogger()))

	_, err := m.Schedule(build.WithActor(context.Background(), promoter), build.ScheduleRequest{Job: "payments"})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, exec.Execute(context.Background(), <-m.Queue()))
	assert.Equal(t, 1, hooks.saved)
	assert.Contains(t, pub.events[1].Error, "exit status 128")
}

func TestExecutor_RunStopsWithContext(t *testing.T) {
	m := newEngine()
	exec := NewExecutor(m, &failingHooks{}, t.TempDir(), WithExecutorLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, exec.Run(ctx), context.Canceled)
}

type flakyScheduler struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (f *flakyScheduler) Schedule(_ context.Context, req build.ScheduleRequest) (build.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return build.QueueItem{}, err
	}
	return build.QueueItem{ID: "q-1", Job: req.Job}, nil
}

func fastResilience() ResilienceConfig {
	cfg := DefaultResilienceConfig()
	cfg.RetryInitialWait = time.Millisecond
	cfg.RetryMaxWait = 2 * time.Millisecond
	return cfg
}

func TestResilientScheduler_RetriesRecoverable(t *testing.T) {
	busy := apperrors.Scheduling("test", "queue busy")
	next := &flakyScheduler{errs: []error{busy, busy}}
	s := NewResilientScheduler(next, fastResilience())

	item, err := s.Schedule(context.Background(), build.ScheduleRequest{Job: "payments"})

	require.NoError(t, err)
	assert.Equal(t, "q-1", item.ID)
	assert.Equal(t, 3, next.calls)
	assert.Equal(t, "closed", s.State())
}

func TestResilientScheduler_PermissionIsNotRetried(t *testing.T) {
	next := &flakyScheduler{errs: []error{apperrors.Permission("test", "denied")}}
	s := NewResilientScheduler(next, fastResilience())

	_, err := s.Schedule(context.Background(), build.ScheduleRequest{Job: "payments"})

	assert.True(t, apperrors.IsKind(err, apperrors.KindPermission))
	assert.Equal(t, 1, next.calls)
}

func TestResilientScheduler_BreakerOpens(t *testing.T) {
	cfg := fastResilience()
	cfg.RetryAttempts = 1
	cfg.CircuitBreakerThreshold = 2
	busy := apperrors.Scheduling("test", "engine down")
	next := &flakyScheduler{errs: []error{busy, busy, busy, busy}}
	s := NewResilientScheduler(next, cfg)

	for range 3 {
		_, err := s.Schedule(context.Background(), build.ScheduleRequest{Job: "payments"})
		assert.True(t, apperrors.IsKind(err, apperrors.KindScheduling))
	}
	assert.Equal(t, 2, next.calls, "an open breaker rejects without calling the engine")
	assert.Equal(t, "open", s.State())
}

func TestResilientScheduler_WithoutPolicies(t *testing.T) {
	next := &flakyScheduler{errs: []error{errors.New("boom")}}
	s := NewResilientScheduler(next, ResilienceConfig{})
	defer func() { _ = s.Close() }()

	_, err := s.Schedule(context.Background(), build.ScheduleRequest{Job: "payments"})
	assert.Error(t, err)
	assert.Equal(t, "disabled", s.State())
}
