// Package observability provides metrics and tracing for buildline.
package observability

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics provides application metrics collection.
// It exposes Prometheus-compatible metrics at the /metrics endpoint.
type Metrics struct {
	mu sync.RWMutex

	// Promotion counters
	promotionsRequested atomic.Int64
	promotionsRejected  atomic.Int64
	submissionsOK       atomic.Int64
	submissionsFailed   atomic.Int64

	// Build counters, keyed by final status
	buildsStarted  atomic.Int64
	buildsFinished map[string]*atomic.Int64

	// Query and git counters
	queriesTotal    atomic.Int64
	gitCommands     atomic.Int64
	gitErrors       atomic.Int64
	queryLatencySum atomic.Int64

	// Gauges
	queuedBuilds     atomic.Int64
	websocketClients atomic.Int64

	// Command invocations
	commandInvocations map[string]*atomic.Int64

	version   string
	startTime time.Time
}

// knownStatuses and knownCommands are pre-initialized to keep the hot path
// free of write locks.
var (
	knownStatuses = []string{"succeeded", "failed", "aborted"}
	knownCommands = []string{"serve", "runs", "promote", "envs", "version"}
)

// NewMetrics creates a new Metrics instance.
func NewMetrics(version string) *Metrics {
	finished := make(map[string]*atomic.Int64, len(knownStatuses))
	for _, s := range knownStatuses {
		finished[s] = &atomic.Int64{}
	}
	commands := make(map[string]*atomic.Int64, len(knownCommands))
	for _, c := range knownCommands {
		commands[c] = &atomic.Int64{}
	}
	return &Metrics{
		buildsFinished:     finished,
		commandInvocations: commands,
		version:            version,
		startTime:          time.Now(),
	}
}

// RecordPromotionRequest records a promotion request. rejected is true when
// validation failed and nothing was scheduled.
func (m *Metrics) RecordPromotionRequest(rejected bool) {
	m.promotionsRequested.Add(1)
	if rejected {
		m.promotionsRejected.Add(1)
	}
}

// RecordSubmission records one per-environment schedule submission.
func (m *Metrics) RecordSubmission(success bool) {
	if success {
		m.submissionsOK.Add(1)
		return
	}
	m.submissionsFailed.Add(1)
}

// RecordBuildStarted records a build leaving the queue.
func (m *Metrics) RecordBuildStarted() {
	m.buildsStarted.Add(1)
}

// RecordBuildFinished records a build reaching a final status.
func (m *Metrics) RecordBuildFinished(status string) {
	counter(&m.mu, m.buildsFinished, status).Add(1)
}

// RecordQuery records a history query and its duration.
func (m *Metrics) RecordQuery(duration time.Duration) {
	m.queriesTotal.Add(1)
	m.queryLatencySum.Add(duration.Milliseconds())
}

// RecordGitCommand records a version-control command.
func (m *Metrics) RecordGitCommand(success bool) {
	m.gitCommands.Add(1)
	if !success {
		m.gitErrors.Add(1)
	}
}

// RecordCommandInvocation records a CLI command invocation.
func (m *Metrics) RecordCommandInvocation(command string) {
	counter(&m.mu, m.commandInvocations, command).Add(1)
}

// SetQueuedBuilds sets the number of queued builds.
func (m *Metrics) SetQueuedBuilds(n int64) {
	m.queuedBuilds.Store(n)
}

// IncrementWebsocketClients increments the connected client gauge.
func (m *Metrics) IncrementWebsocketClients() {
	m.websocketClients.Add(1)
}

// DecrementWebsocketClients decrements the connected client gauge.
func (m *Metrics) DecrementWebsocketClients() {
	m.websocketClients.Add(-1)
}

// counter returns the counter for key, creating it under the write lock when
// it is not pre-initialized.
func counter(mu *sync.RWMutex, counters map[string]*atomic.Int64, key string) *atomic.Int64 {
	mu.RLock()
	c := counters[key]
	mu.RUnlock()
	if c != nil {
		return c
	}

	mu.Lock()
	defer mu.Unlock()
	if counters[key] == nil {
		counters[key] = &atomic.Int64{}
	}
	return counters[key]
}

// Handler returns an HTTP handler for the /metrics endpoint.
// The output is Prometheus-compatible text format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder

		sb.WriteString("# HELP buildline_info Build information\n")
		sb.WriteString("# TYPE buildline_info gauge\n")
		sb.WriteString(fmt.Sprintf("buildline_info{version=%q} 1\n\n", m.version))

		sb.WriteString("# HELP buildline_uptime_seconds Uptime in seconds\n")
		sb.WriteString("# TYPE buildline_uptime_seconds gauge\n")
		sb.WriteString(fmt.Sprintf("buildline_uptime_seconds %.2f\n\n", time.Since(m.startTime).Seconds()))

		writeCounter(&sb, "buildline_promotions_total", "Promotion requests received", m.promotionsRequested.Load())
		writeCounter(&sb, "buildline_promotions_rejected_total", "Promotion requests rejected by validation", m.promotionsRejected.Load())

		sb.WriteString("# HELP buildline_promotion_submissions_total Per-environment schedule submissions\n")
		sb.WriteString("# TYPE buildline_promotion_submissions_total counter\n")
		sb.WriteString(fmt.Sprintf("buildline_promotion_submissions_total{result=\"scheduled\"} %d\n", m.submissionsOK.Load()))
		sb.WriteString(fmt.Sprintf("buildline_promotion_submissions_total{result=\"failed\"} %d\n\n", m.submissionsFailed.Load()))

		writeCounter(&sb, "buildline_builds_started_total", "Builds started by the engine", m.buildsStarted.Load())

		sb.WriteString("# HELP buildline_builds_finished_total Builds finished by status\n")
		sb.WriteString("# TYPE buildline_builds_finished_total counter\n")
		m.writeLabeled(&sb, "buildline_builds_finished_total", "status", m.buildsFinished)

		writeCounter(&sb, "buildline_queries_total", "History queries served", m.queriesTotal.Load())
		sb.WriteString("# HELP buildline_query_duration_milliseconds History query duration\n")
		sb.WriteString("# TYPE buildline_query_duration_milliseconds summary\n")
		sb.WriteString(fmt.Sprintf("buildline_query_duration_milliseconds_count %d\n", m.queriesTotal.Load()))
		sb.WriteString(fmt.Sprintf("buildline_query_duration_milliseconds_sum %d\n\n", m.queryLatencySum.Load()))

		writeCounter(&sb, "buildline_git_commands_total", "Version-control commands run", m.gitCommands.Load())
		writeCounter(&sb, "buildline_git_errors_total", "Version-control commands that failed", m.gitErrors.Load())

		sb.WriteString("# HELP buildline_queued_builds Builds waiting in the queue\n")
		sb.WriteString("# TYPE buildline_queued_builds gauge\n")
		sb.WriteString(fmt.Sprintf("buildline_queued_builds %d\n\n", m.queuedBuilds.Load()))

		sb.WriteString("# HELP buildline_websocket_clients Connected websocket clients\n")
		sb.WriteString("# TYPE buildline_websocket_clients gauge\n")
		sb.WriteString(fmt.Sprintf("buildline_websocket_clients %d\n\n", m.websocketClients.Load()))

		sb.WriteString("# HELP buildline_command_invocations_total CLI command invocations\n")
		sb.WriteString("# TYPE buildline_command_invocations_total counter\n")
		m.writeLabeled(&sb, "buildline_command_invocations_total", "command", m.commandInvocations)

		_, _ = w.Write([]byte(sb.String()))
	})
}

func writeCounter(sb *strings.Builder, name, help string, value int64) {
	sb.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	sb.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
	sb.WriteString(fmt.Sprintf("%s %d\n\n", name, value))
}

func (m *Metrics) writeLabeled(sb *strings.Builder, name, label string, counters map[string]*atomic.Int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("%s{%s=%q} %d\n", name, label, k, counters[k].Load()))
	}
	sb.WriteString("\n")
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	finished := make(map[string]int64, len(m.buildsFinished))
	for s, c := range m.buildsFinished {
		finished[s] = c.Load()
	}
	commands := make(map[string]int64, len(m.commandInvocations))
	for cmd, c := range m.commandInvocations {
		commands[cmd] = c.Load()
	}

	return MetricsSnapshot{
		PromotionsRequested: m.promotionsRequested.Load(),
		PromotionsRejected:  m.promotionsRejected.Load(),
		SubmissionsOK:       m.submissionsOK.Load(),
		SubmissionsFailed:   m.submissionsFailed.Load(),
		BuildsStarted:       m.buildsStarted.Load(),
		BuildsFinished:      finished,
		Queries:             m.queriesTotal.Load(),
		GitCommands:         m.gitCommands.Load(),
		GitErrors:           m.gitErrors.Load(),
		QueuedBuilds:        m.queuedBuilds.Load(),
		WebsocketClients:    m.websocketClients.Load(),
		CommandInvocations:  commands,
		Uptime:              time.Since(m.startTime),
	}
}

// MetricsSnapshot represents a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	PromotionsRequested int64
	PromotionsRejected  int64
	SubmissionsOK       int64
	SubmissionsFailed   int64
	BuildsStarted       int64
	BuildsFinished      map[string]int64
	Queries             int64
	GitCommands         int64
	GitErrors           int64
	QueuedBuilds        int64
	WebsocketClients    int64
	CommandInvocations  map[string]int64
	Uptime              time.Duration
}

var (
	globalMetrics     *Metrics
	globalMetricsOnce sync.Once
	initOnce          sync.Once
	initialized       bool
)

// Global returns the global metrics instance, initializing it with an
// "unknown" version if InitGlobal was not called first.
func Global() *Metrics {
	globalMetricsOnce.Do(func() {
		if !initialized {
			globalMetrics = NewMetrics("unknown")
		}
	})
	return globalMetrics
}

// InitGlobal initializes the global metrics instance with version info.
// Call it before any call to Global.
func InitGlobal(version string) *Metrics {
	initOnce.Do(func() {
		initialized = true
		globalMetrics = NewMetrics(version)
	})
	globalMetricsOnce.Do(func() {})
	return globalMetrics
}
