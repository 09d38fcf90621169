package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relicta-tech/buildline/internal/application/history"
	"github.com/relicta-tech/buildline/internal/application/promotion"
	"github.com/relicta-tech/buildline/internal/config"
	"github.com/relicta-tech/buildline/internal/domain/build"
	"github.com/relicta-tech/buildline/internal/domain/lineage"
	"github.com/relicta-tech/buildline/internal/httpserver/dto"
	"github.com/relicta-tech/buildline/internal/httpserver/handlers"
	httpws "github.com/relicta-tech/buildline/internal/httpserver/websocket"
	"github.com/relicta-tech/buildline/internal/infrastructure/engine"
	"github.com/relicta-tech/buildline/internal/observability"
)

const (
	adminKey  = "admin-key-0123456789"
	viewerKey = "viewer-key-0123456789"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	server  *Server
	engine  *engine.Memory
	metrics *observability.Metrics
}

func newFixture(t *testing.T, mutate func(*config.ServerConfig)) *fixture {
	t.Helper()

	m := engine.NewMemory(engine.WithLogger(quietLogger()))
	m.PutJob(engine.JobSpec{
		Job: build.Job{Name: "payments", Environments: []string{"SIT", "UAT", "PROD"}, Parameterized: true},
	})
	checkout := build.Checkout{
		URL:      "git@gitlab.example.com:team/payments.git",
		Branches: []string{"*/release/2.0"},
		Kind:     "git",
	}
	withCommit := checkout
	withCommit.Commits = []build.Commit{{
		ID:         "819bb72310f3675848d7fd5dc833aadd4a57db72",
		AuthorName: "Jane Doe",
		Message:    "Fix rounding",
		Timestamp:  1709286000,
	}}
	runs := []engine.RunSpec{
		{Number: 10, Parameters: map[string]string{"ENVIRONMENT": "SIT"}, Checkouts: []build.Checkout{withCommit}},
		{Number: 11, Parameters: map[string]string{
			"ENVIRONMENT":              "UAT",
			"PROMOTE_FROM_ENVIRONMENT": "SIT",
			"PROMOTE_FROM_VERSION":     "10",
		}, Checkouts: []build.Checkout{checkout}},
	}
	for _, spec := range runs {
		if _, err := m.ImportRun("payments", spec); err != nil {
			t.Fatalf("ImportRun(%d) error = %v", spec.Number, err)
		}
	}

	metrics := observability.NewMetrics("test")
	filter := lineage.NewExclusionFilter()
	historySvc := history.NewService(m,
		lineage.NewAggregator(filter, lineage.WithAggregatorLogger(quietLogger())),
		lineage.NewBranchResolver(filter, quietLogger()),
		history.WithLogger(quietLogger()))

	cfg := config.DefaultConfig().Server
	cfg.RateLimitPerMinute = 0
	cfg.Auth.APIKeys = []config.APIKeyConfig{
		{Key: adminKey, UserID: "root", Roles: []string{"admin"}},
		{Key: viewerKey, UserID: "guest"},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	hub := httpws.NewHub(nil, httpws.WithLogger(quietLogger()), httpws.WithMetrics(metrics))
	promotionSvc := promotion.NewService(m, m,
		promotion.WithLogger(quietLogger()),
		promotion.WithEventPublisher(httpws.NewEventBroadcaster(hub)))

	server := NewServer(ServerDeps{
		Config: cfg,
		Handlers: &handlers.Context{
			History:   historySvc,
			Promotion: promotionSvc,
			Version:   "1.2.3",
		},
		Hub:     hub,
		Metrics: metrics,
		Logger:  quietLogger(),
	})
	return &fixture{server: server, engine: m, metrics: metrics}
}

func (f *fixture) do(t *testing.T, method, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{"/health", "/api/v1/health"} {
		rec := f.do(t, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, rec.Code)
		}
		health := decode[handlers.HealthResponse](t, rec)
		if health.Status != "healthy" || health.Version != "1.2.3" {
			t.Errorf("%s: unexpected health response %+v", path, health)
		}
	}
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, nil)

	if rec := f.do(t, http.MethodGet, "/api/v1/jobs", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key: expected 401, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/jobs", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+viewerKey)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("bearer token: expected 200, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs?api_key="+viewerKey, "")
	if rec.Code != http.StatusOK {
		t.Errorf("query key: expected 200, got %d", rec.Code)
	}

	open := newFixture(t, func(c *config.ServerConfig) { c.Auth.Mode = config.AuthModeNone })
	if rec := open.do(t, http.MethodGet, "/api/v1/jobs", ""); rec.Code != http.StatusOK {
		t.Errorf("auth disabled: expected 200, got %d", rec.Code)
	}
}

func TestListJobsAndEnvironments(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs", viewerKey)
	jobs := decode[map[string][]dto.JobDTO](t, rec)["jobs"]
	if len(jobs) != 1 || jobs[0].Name != "payments" || !jobs[0].Parameterized {
		t.Errorf("unexpected jobs %+v", jobs)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/payments/env", viewerKey)
	envs := decode[dto.EnvironmentsDTO](t, rec)
	if strings.Join(envs.Environments, ",") != "SIT,UAT,PROD" {
		t.Errorf("Environments = %v, want SIT,UAT,PROD in order", envs.Environments)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/unknown/env", viewerKey)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown job: expected 404, got %d", rec.Code)
	}
}

func TestListRuns(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/payments/runs", viewerKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	page := decode[dto.JobRunsDTO](t, rec)
	if page.RunCount != 2 || len(page.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %+v", page)
	}

	promoted := page.Runs[0]
	if promoted.Number != 11 || promoted.Environment != "UAT" || promoted.PromoteFromVersion != "10" {
		t.Errorf("unexpected promoted run %+v", promoted)
	}
	if promoted.ChangeSet == nil || promoted.ChangeSet.CommitCount != 1 {
		t.Fatalf("promoted run should carry the change set of build 10, got %+v", promoted.ChangeSet)
	}
	if promoted.AttributedTo != 10 {
		t.Errorf("AttributedTo = %d, want 10", promoted.AttributedTo)
	}
	commit := promoted.ChangeSet.Commits[0]
	if commit.Author != "Jane Doe" || commit.Timestamp != 1709286000000 {
		t.Errorf("unexpected commit %+v", commit)
	}
	if commit.CommitURL != "http://gitlab.example.com/team/payments/commit/819bb72310f3675848d7fd5dc833aadd4a57db72" {
		t.Errorf("CommitURL = %q", commit.CommitURL)
	}
	if promoted.Branch != "release/2.0" {
		t.Errorf("Branch = %q, want release/2.0", promoted.Branch)
	}
	if promoted.Parameters != nil {
		t.Error("parameters are only reported for full-stage queries")
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/payments/runs?since=%2311&fullStages=true", viewerKey)
	page = decode[dto.JobRunsDTO](t, rec)
	if len(page.Runs) != 1 || page.Runs[0].Parameters["ENVIRONMENT"] != "UAT" {
		t.Errorf("since=#11 with full stages: unexpected page %+v", page)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/missing/runs", viewerKey)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown job: expected 404, got %d", rec.Code)
	}
	if body := decode[dto.ErrorResponse](t, rec); body.Error == "" {
		t.Error("error response should carry a message")
	}
}

func TestGetRun(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/payments/runs/10", viewerKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	run := decode[dto.RunDTO](t, rec)
	if run.Number != 10 || run.Status != "finished" || len(run.ChangeSets) != 1 {
		t.Errorf("unexpected run %+v", run)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/jobs/payments/runs/99", viewerKey); rec.Code != http.StatusNotFound {
		t.Errorf("unknown build: expected 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/jobs/payments/runs/abc", viewerKey); rec.Code != http.StatusBadRequest {
		t.Errorf("bad number: expected 400, got %d", rec.Code)
	}
}

func TestPromote(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		key         string
		wantStatus  int
		wantSuccess bool
		wantMessage string
		wantQueued  int
	}{
		{"schedules each environment", "/api/v1/jobs/payments/runs/10/promote?env=UAT,%20PROD", adminKey, http.StatusOK, true, "", 2},
		{"empty env", "/api/v1/jobs/payments/runs/10/promote?env=", adminKey, http.StatusOK, false, promotion.MsgEmptyEnvironment, 0},
		{"unsupported env", "/api/v1/jobs/payments/runs/10/promote?env=QA", adminKey, http.StatusOK, false, "invalid env, not support env QA", 0},
		{"engine rejects viewer", "/api/v1/jobs/payments/runs/10/promote?env=UAT", viewerKey, http.StatusOK, false, "failed to schedule 1 of 1 environments", 0},
		{"unknown build", "/api/v1/jobs/payments/runs/42/promote?env=UAT", adminKey, http.StatusNotFound, false, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			rec := f.do(t, http.MethodPost, tt.path, tt.key)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if rec.Code != http.StatusOK {
				return
			}
			resp := decode[dto.PromoteResponse](t, rec)
			if resp.Success != tt.wantSuccess {
				t.Errorf("Success = %v, want %v (%s)", resp.Success, tt.wantSuccess, resp.Message)
			}
			if resp.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", resp.Message, tt.wantMessage)
			}
			if len(resp.Scheduled) != tt.wantQueued {
				t.Errorf("Scheduled = %v, want %d", resp.Scheduled, tt.wantQueued)
			}
			if resp.Environments == nil {
				t.Error("environments must be a list, never null")
			}
		})
	}
}

func TestPromote_RecordsLineageOnNewBuild(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/v1/jobs/payments/runs/10/promote?env=UAT", adminKey)
	if resp := decode[dto.PromoteResponse](t, rec); !resp.Success {
		t.Fatalf("promotion failed: %+v", resp)
	}

	run, err := f.engine.Run("payments", 12)
	if err != nil {
		t.Fatalf("promoted build not created: %v", err)
	}
	params, _ := run.Parameters()
	if params.Get(build.ParamEnvironment) != "UAT" ||
		params.Get(build.ParamPromoteFromEnvironment) != "SIT" ||
		params.Get(build.ParamPromoteFromVersion) != "10" {
		t.Errorf("unexpected parameters on promoted build: %v", params.Map())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/api/v1/jobs/payments/runs/10/promote?env=UAT", adminKey)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "buildline_") {
		t.Errorf("metrics output missing buildline_ series:\n%s", rec.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(c *config.ServerConfig) { c.RateLimitPerMinute = 1 })
	defer func() { _ = f.server.Shutdown(context.Background()) }()

	if rec := f.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}
}

func TestWebSocketStreamsPromotionEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.server.Hub().Run(ctx)

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?api_key=" + viewerKey
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for f.server.Hub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.metrics.Snapshot().WebsocketClients; got != 1 {
		t.Errorf("WebsocketClients = %d, want 1", got)
	}

	f.do(t, http.MethodPost, "/api/v1/jobs/payments/runs/10/promote?env=UAT", adminKey)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Type    string      `json:"type"`
		Payload build.Event `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Type != string(build.EventPromotionScheduled) {
		t.Errorf("Type = %q, want %q", msg.Type, build.EventPromotionScheduled)
	}
	if msg.Payload.Environment != "UAT" || msg.Payload.Actor != "root" || msg.Payload.QueueID == "" {
		t.Errorf("unexpected payload %+v", msg.Payload)
	}
}

func TestSecurityHeaders(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs", adminKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
	for header, value := range want {
		if got := rec.Header().Get(header); got != value {
			t.Errorf("%s: expected %q, got %q", header, value, got)
		}
	}
	if !strings.Contains(rec.Header().Get("Content-Security-Policy"), "default-src 'none'") {
		t.Errorf("unexpected CSP %q", rec.Header().Get("Content-Security-Policy"))
	}

	health := f.do(t, http.MethodGet, "/health", "")
	if health.Header().Get("Cache-Control") != "" {
		t.Error("health responses may be cached")
	}
}
