// Package promotion re-triggers a build in one or more downstream
// environments while recording where it came from.
package promotion

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/relicta-tech/buildline/internal/domain/build"
	"github.com/relicta-tech/buildline/internal/observability"
)

// Validation messages returned to callers.
const (
	MsgEmptyEnvironment  = "invalid env, can't be empty"
	MsgUnsupportedEnvFmt = "invalid env, not support env %s"
	MsgNotParameterized  = "invalid job, job must be parameterized build"
)

// Scheduler submits build requests to the execution engine. Permission checks
// happen inside Schedule.
type Scheduler interface {
	Schedule(ctx context.Context, req build.ScheduleRequest) (build.QueueItem, error)
}

// EnvironmentSource returns the declared ENVIRONMENT choices of a job.
type EnvironmentSource interface {
	Environments(ctx context.Context, job string) ([]string, error)
}

// Failure is a submission that the engine rejected.
type Failure struct {
	Environment string
	Err         error
}

// Submission is a submission the engine accepted.
type Submission struct {
	Environment string
	QueueID     string
}

// Result is the outcome of a promotion request.
type Result struct {
	Success bool
	// Environments are the environments whose builds were scheduled.
	Environments []string
	Message      string
	Scheduled    []Submission
	Failures     []Failure
}

func rejected(message string) Result {
	return Result{Success: false, Environments: []string{}, Message: message}
}

// Service validates promotion requests and schedules the promoted builds.
type Service struct {
	scheduler    Scheduler
	environments EnvironmentSource
	publisher    build.EventPublisher
	metrics      *observability.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithEventPublisher publishes promotion events to p.
func WithEventPublisher(p build.EventPublisher) ServiceOption {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithMetrics records promotion counters on m.
func WithMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a promotion service.
func NewService(scheduler Scheduler, environments EnvironmentSource, opts ...ServiceOption) *Service {
	s := &Service{
		scheduler:    scheduler,
		environments: environments,
		logger:       slog.Default().With("service", "promotion"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SplitEnvironments splits a comma-separated list, trimming entries and
// dropping blanks.
func SplitEnvironments(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Promote promotes run to every environment in the comma-separated envParam.
//
// Validation failures schedule nothing and come back as an unsuccessful
// Result. Once validation passes, each environment is submitted on its own;
// a rejected submission is reported in Result.Failures and does not stop the
// others.
func (s *Service) Promote(ctx context.Context, run build.Run, envParam string) Result {
	ctx, span := observability.StartSpan(ctx, "promotion.Promote",
		observability.AttrJobName, run.JobName(),
		observability.AttrBuildNumber, run.Number())
	defer span.End()

	result, ok := s.validate(ctx, run, envParam)
	if s.metrics != nil {
		s.metrics.RecordPromotionRequest(!ok)
	}
	if !ok {
		span.SetStatus(observability.SpanStatusError, result.Message)
		s.logger.Info("promotion rejected",
			"job", run.JobName(),
			"build", run.Number(),
			"env", envParam,
			"reason", result.Message)
		return result
	}

	targets := result.Environments
	params, _ := run.Parameters()
	causes := CopyCauses(run.Causes(), build.ActorFrom(ctx))
	fromEnv, fromVersion := s.origin(run)

	result.Environments = make([]string, 0, len(targets))
	for _, target := range targets {
		req := build.ScheduleRequest{
			Job: run.JobName(),
			Parameters: params.Merge(
				build.Parameter{Name: build.ParamEnvironment, Value: target},
				build.Parameter{Name: build.ParamPromoteFromEnvironment, Value: fromEnv},
				build.Parameter{Name: build.ParamPromoteFromVersion, Value: fromVersion},
			),
			Causes: slices.Clone(causes),
		}

		item, err := s.scheduler.Schedule(ctx, req)
		if s.metrics != nil {
			s.metrics.RecordSubmission(err == nil)
		}
		if err != nil {
			s.logger.Error("failed to schedule promoted build",
				"job", run.JobName(),
				"build", run.Number(),
				"environment", target,
				"error", err)
			result.Failures = append(result.Failures, Failure{Environment: target, Err: err})
			s.publish(ctx, build.Event{
				Kind:        build.EventPromotionFailed,
				Job:         run.JobName(),
				Build:       run.Number(),
				Environment: target,
				Actor:       build.ActorFrom(ctx).Name,
				Error:       err.Error(),
			})
			continue
		}

		s.logger.Info("promoted build scheduled",
			"job", run.JobName(),
			"build", run.Number(),
			"environment", target,
			"queue_id", item.ID)
		result.Environments = append(result.Environments, target)
		result.Scheduled = append(result.Scheduled, Submission{Environment: target, QueueID: item.ID})
		s.publish(ctx, build.Event{
			Kind:        build.EventPromotionScheduled,
			Job:         run.JobName(),
			Build:       run.Number(),
			Environment: target,
			QueueID:     item.ID,
			Actor:       build.ActorFrom(ctx).Name,
		})
	}

	if len(result.Failures) > 0 {
		result.Success = false
		result.Message = fmt.Sprintf("failed to schedule %d of %d environments", len(result.Failures), len(targets))
		span.SetStatus(observability.SpanStatusError, result.Message)
		return result
	}
	result.Success = true
	span.SetStatus(observability.SpanStatusOK, "")
	return result
}

// validate checks the request in order: non-empty list, supported
// environments, parameterized build. On success the returned Result carries
// the requested environments.
func (s *Service) validate(ctx context.Context, run build.Run, envParam string) (Result, bool) {
	targets := SplitEnvironments(envParam)
	if len(targets) == 0 {
		return rejected(MsgEmptyEnvironment), false
	}

	supported, err := s.environments.Environments(ctx, run.JobName())
	if err != nil {
		s.logger.Error("failed to load environments", "job", run.JobName(), "error", err)
		supported = nil
	}
	allowed := make(map[string]struct{}, len(supported))
	for _, e := range supported {
		allowed[e] = struct{}{}
	}
	for _, target := range targets {
		if _, ok := allowed[target]; !ok {
			return rejected(fmt.Sprintf(MsgUnsupportedEnvFmt, target)), false
		}
	}

	if params, ok := run.Parameters(); !ok || params == nil {
		return rejected(MsgNotParameterized), false
	}

	return Result{Environments: targets}, true
}

// origin returns the source environment and build number recorded on the
// promoted builds. The build number comes from BUILD_NUMBER when the
// environment provides it.
func (s *Service) origin(run build.Run) (environment, version string) {
	env, err := run.Environment()
	if err != nil {
		s.logger.Error("failed to resolve environment of promoted build",
			"job", run.JobName(),
			"build", run.Number(),
			"error", err)
		env = build.Env{}
	}

	environment, ok := env.Lookup(build.ParamEnvironment)
	if !ok {
		environment = build.EnvironmentOf(run)
	}
	version = env.Get(build.EnvBuildNumber)
	if version == "" {
		version = strconv.Itoa(run.Number())
	}
	return environment, version
}

func (s *Service) publish(ctx context.Context, event build.Event) {
	if s.publisher == nil {
		return
	}
	event.Timestamp = s.now()
	if err := s.publisher.Publish(ctx, event); err != nil {
		observability.SpanFromContext(ctx).SetAttribute("publish.error", err.Error())
		s.logger.Warn("failed to publish promotion event",
			"kind", event.Kind,
			"error", err)
	}
}

// CopyCauses copies causes forward for a promoted build. User causes collapse
// into a single cause for actor, placed where the first one was; one is
// appended when there was none.
func CopyCauses(causes []build.Cause, actor build.Actor) []build.Cause {
	userCause := build.Cause{
		Kind:        build.CauseUser,
		UserID:      actor.Name,
		Description: "Started by user " + actor.Name,
	}

	out := make([]build.Cause, 0, len(causes)+1)
	hasUser := false
	for _, c := range causes {
		if c.Kind != build.CauseUser {
			out = append(out, c)
			continue
		}
		if !hasUser {
			out = append(out, userCause)
			hasUser = true
		}
	}
	if !hasUser {
		out = append(out, userCause)
	}
	return out
}
