package lineage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relicta-tech/buildline/internal/domain/build"
	"github.com/relicta-tech/buildline/internal/domain/build/buildtest"
	apperrors "github.com/relicta-tech/buildline/internal/errors"
)

const (
	paymentsURL = "git@gitlab.example.com:team/payments.git"
	ledgerURL   = "git@gitlab.example.com:team/ledger.git"
	configURL   = "git@gitlab.example.com:ops/jenkins-project-config.git"
	scriptsURL  = "https://gitlab.example.com/ops/k8s-scripts.git"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAggregator(opts ...AggregatorOption) *Aggregator {
	opts = append([]AggregatorOption{WithAggregatorLogger(quietLogger())}, opts...)
	return NewAggregator(NewExclusionFilter(), opts...)
}

type staticBrowser struct {
	base string
	err  error
}

func (b staticBrowser) CommitLink(c build.Commit) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	return b.base + "/commit/" + c.ID, nil
}

func TestExclusionFilter(t *testing.T) {
	f := NewExclusionFilter()

	tests := []struct {
		url  string
		want bool
	}{
		{"", true},
		{paymentsURL, false},
		{configURL, true},
		{scriptsURL, true},
		{"https://gitlab.example.com/team/k8s-scripts-extra", true},
		{"https://gitlab.example.com/team/k8s", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			first := f.IsExcluded(tt.url)
			assert.Equal(t, tt.want, first)
			for i := 0; i < 3; i++ {
				assert.Equal(t, first, f.IsExcluded(tt.url), "repeated calls must agree")
			}
		})
	}
}

func TestExclusionFilter_CustomPatterns(t *testing.T) {
	f := NewExclusionFilter(" /vendor-mirror ", "")
	assert.True(t, f.IsExcluded("https://h/x/vendor-mirror.git"))
	assert.False(t, f.IsExcluded(configURL))
	assert.Equal(t, []string{"/vendor-mirror"}, f.Patterns())

	assert.Equal(t, DefaultExcludePatterns, NewExclusionFilter("  ").Patterns())
}

func TestCheckoutsOf_SoftFails(t *testing.T) {
	run := buildtest.New(3, nil)
	run.CheckoutErr = errors.New("record has no checkouts field")

	assert.Empty(t, CheckoutsOf(run, quietLogger()))
	assert.Nil(t, CheckoutsOf(nil, quietLogger()))
}

// errorCapture keeps the "error" attribute of every record logged.
type errorCapture struct {
	mu   sync.Mutex
	errs []error
}

func (h *errorCapture) Enabled(context.Context, slog.Level) bool { return true }
func (h *errorCapture) WithAttrs([]slog.Attr) slog.Handler       { return h }
func (h *errorCapture) WithGroup(string) slog.Handler            { return h }

func (h *errorCapture) Handle(_ context.Context, r slog.Record) error {
	r.Attrs(func(a slog.Attr) bool {
		if err, ok := a.Value.Any().(error); ok && a.Key == "error" {
			h.mu.Lock()
			h.errs = append(h.errs, err)
			h.mu.Unlock()
		}
		return true
	})
	return nil
}

func TestReadFailuresAreLoggedAsIntrospectionErrors(t *testing.T) {
	capture := &errorCapture{}
	logger := slog.New(capture)

	run := buildtest.New(3, nil)
	run.CheckoutErr = errors.New("record has no checkouts field")
	assert.Empty(t, CheckoutsOf(run, logger))

	envRun := buildtest.New(4, nil).WithCheckouts(buildtest.Checkout(paymentsURL, "${BRANCH}"))
	envRun.EnvErr = errors.New("no environment")
	_, ok := NewBranchResolver(NewExclusionFilter(), logger).BranchOf(envRun)
	assert.False(t, ok)

	require.Len(t, capture.errs, 2)
	for _, err := range capture.errs {
		assert.Equal(t, apperrors.KindIntrospection, apperrors.GetKind(err))
	}
	assert.ErrorIs(t, capture.errs[0], run.CheckoutErr)
	assert.ErrorIs(t, capture.errs[1], envRun.EnvErr)
}

func TestBranchResolver(t *testing.T) {
	r := NewBranchResolver(NewExclusionFilter(), quietLogger())

	tests := []struct {
		name   string
		run    *buildtest.Run
		want   string
		wantOK bool
	}{
		{
			name:   "parameterized braces",
			run:    buildtest.New(1, map[string]string{"BRANCH_NAME": "release/2.0"}).WithCheckouts(buildtest.Checkout(paymentsURL, "${BRANCH_NAME}")),
			want:   "release/2.0",
			wantOK: true,
		},
		{
			name:   "parameterized bare",
			run:    buildtest.New(1, map[string]string{"BRANCH": "develop"}).WithCheckouts(buildtest.Checkout(paymentsURL, "$BRANCH")),
			want:   "develop",
			wantOK: true,
		},
		{
			name:   "wildcard literal",
			run:    buildtest.New(1, nil).WithCheckouts(buildtest.Checkout(paymentsURL, "*/main")),
			want:   "main",
			wantOK: true,
		},
		{
			name: "missing variable is absent",
			run:  buildtest.New(1, nil).WithCheckouts(buildtest.Checkout(paymentsURL, "${MISSING}")),
		},
		{
			name:   "excluded checkout skipped",
			run:    buildtest.New(1, nil).WithCheckouts(buildtest.Checkout(configURL, "master"), buildtest.Checkout(paymentsURL, "*/feature/x")),
			want:   "feature/x",
			wantOK: true,
		},
		{
			name: "script fallback",
			run: &buildtest.Run{
				Num:    1,
				Script: "checkout([$class: 'GitSCM', branches: [[name: '*/hotfix']], userRemoteConfigs: []])",
			},
			want:   "hotfix",
			wantOK: true,
		},
		{
			name: "first checkout without spec falls back to script",
			run: &buildtest.Run{
				Num: 1,
				Repos: []build.Checkout{
					{URL: paymentsURL, Kind: "git"},
					buildtest.Checkout(ledgerURL, "*/develop"),
				},
				Script: "checkout([$class: 'GitSCM', branches: [[name: '*/hotfix']]])",
			},
			want:   "hotfix",
			wantOK: true,
		},
		{
			name: "first checkout without spec and no script is absent",
			run: buildtest.New(1, nil).WithCheckouts(
				build.Checkout{URL: paymentsURL, Kind: "git"},
				buildtest.Checkout(ledgerURL, "*/develop"),
			),
		},
		{
			name: "nothing to go on",
			run:  buildtest.New(1, nil),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.BranchOf(tt.run)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBranchResolver_EnvironmentFailureIsAbsent(t *testing.T) {
	r := NewBranchResolver(NewExclusionFilter(), quietLogger())
	run := buildtest.New(1, nil).WithCheckouts(buildtest.Checkout(paymentsURL, "${BRANCH}"))
	run.EnvErr = errors.New("no environment")

	_, ok := r.BranchOf(run)
	assert.False(t, ok)
}

func TestBranchForChangeSet(t *testing.T) {
	r := NewBranchResolver(NewExclusionFilter(), quietLogger())
	source := buildtest.New(10, nil).WithCheckouts(
		buildtest.Checkout(paymentsURL, "*/main"),
		buildtest.Checkout(ledgerURL, "${LEDGER_BRANCH}"),
	)
	current := buildtest.New(11, map[string]string{"LEDGER_BRANCH": "release/3"})

	got, ok := r.BranchForChangeSet(current, source, build.ChangeSet{SourceURL: ledgerURL})
	require.True(t, ok)
	assert.Equal(t, "release/3", got)

	_, ok = r.BranchForChangeSet(current, source, build.ChangeSet{SourceURL: "git@h:other.git"})
	assert.False(t, ok)
}

func TestVariableName(t *testing.T) {
	name, ok := VariableName("${BRANCH_NAME}")
	assert.True(t, ok)
	assert.Equal(t, "BRANCH_NAME", name)

	_, ok = VariableName("${A}-${B}")
	assert.False(t, ok)
	_, ok = VariableName("main")
	assert.False(t, ok)
}

func TestAggregator_ChangeSetsOf(t *testing.T) {
	run := buildtest.New(7, nil).WithCheckouts(
		buildtest.Checkout(paymentsURL, "main", buildtest.Commit("aaa1111", 1600000000)),
		buildtest.Checkout(configURL, "main", buildtest.Commit("bbb2222", 1600000100)),
		buildtest.Checkout(ledgerURL, "main"),
		buildtest.Checkout(ledgerURL, "main", buildtest.Commit("ccc3333", 1600000200000)),
	)

	sets := newAggregator().ChangeSetsOf(run)

	require.Len(t, sets, 2)
	assert.Equal(t, paymentsURL, sets[0].SourceURL)
	assert.Equal(t, ledgerURL, sets[1].SourceURL)
	assert.Equal(t, "job/X/7/changes", sets[0].ConsoleURL)

	c := sets[0].Commits[0]
	assert.Equal(t, int64(1600000000000), c.Timestamp)
	assert.Equal(t, "http://gitlab.example.com/team/payments/commit/aaa1111", c.URL)
	assert.Equal(t, "job/X/7/changes#aaa1111", c.ConsoleURL)
	assert.Equal(t, int64(1600000200000), sets[1].Commits[0].Timestamp)
}

func TestAggregator_BrowserDecidesExclusion(t *testing.T) {
	commit := buildtest.Commit("aaa1111", 1600000000)

	excluded := buildtest.Checkout(paymentsURL, "main", commit)
	excluded.Browser = staticBrowser{base: "https://gitlab.example.com/ops/k8s-scripts"}

	failing := buildtest.Checkout(configURL, "main", commit)
	failing.Browser = staticBrowser{err: fmt.Errorf("browser offline")}

	noURL := buildtest.Checkout("", "main", commit)

	sets := newAggregator().ChangeSetsOf(buildtest.New(1, nil).WithCheckouts(excluded, failing, noURL))

	require.Len(t, sets, 2, "unresolvable URLs keep the change set")
	assert.Equal(t, configURL, sets[0].SourceURL)
	assert.Empty(t, sets[0].Commits[0].URL)
	assert.Empty(t, sets[1].Commits[0].URL)
}

func TestAggregator_AuthorResolution(t *testing.T) {
	users := UserLookupFunc(func(id string) (string, bool) {
		if id == "jdoe" {
			return "Jane Doe", true
		}
		return "", false
	})

	commits := []build.Commit{
		{ID: "1", AuthorID: "jdoe", Committer: "jane", AuthorName: "J"},
		{ID: "2", AuthorID: "ghost", Committer: "ghost-committer", AuthorName: "G"},
		{ID: "3", AuthorID: "ghost", AuthorName: "author-only"},
		{ID: "4"},
	}
	run := buildtest.New(1, nil).WithCheckouts(buildtest.Checkout(paymentsURL, "main", commits...))

	tests := []struct {
		name string
		agg  *Aggregator
		want []string
	}{
		{"with lookup", newAggregator(WithUserLookup(users)), []string{"Jane Doe", "ghost-committer", "author-only", ""}},
		{"lookup disabled", newAggregator(WithUserLookup(users), WithAuthorResolution(false)), []string{"jane", "ghost-committer", "author-only", ""}},
		{"no directory", newAggregator(), []string{"jdoe", "ghost", "ghost", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sets := tt.agg.ChangeSetsOf(run)
			require.Len(t, sets, 1)
			var got []string
			for _, c := range sets[0].Commits {
				got = append(got, c.Author)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSynthesizeCommitLink(t *testing.T) {
	tests := []struct {
		remote string
		want   string
		ok     bool
	}{
		{"git@gitlab.example.com:team/payments.git", "http://gitlab.example.com/team/payments/commit/abc", true},
		{"ssh://git@gitlab.example.com:2222/team/payments", "http://gitlab.example.com/2222/team/payments/commit/abc", true},
		{"https://gitlab.example.com/team/payments.git", "", false},
		{"git@gitlab.example.com", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			got, ok := SynthesizeCommitLink(tt.remote, "abc")
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// spySource records which builds were asked for change sets.
type spySource struct {
	inner   ChangeSetSource
	queried []int
}

func (s *spySource) ChangeSetsOf(run build.Run) []build.ChangeSet {
	s.queried = append(s.queried, run.Number())
	return s.inner.ChangeSetsOf(run)
}

func newWalker() (*Walker, *spySource) {
	spy := &spySource{inner: newAggregator()}
	return NewWalker(spy, quietLogger()), spy
}

func TestWalker_PromotionFallback(t *testing.T) {
	r10 := buildtest.New(10, map[string]string{"ENVIRONMENT": "SIT"}).
		WithCheckouts(buildtest.Checkout(paymentsURL, "main", buildtest.Commit("c1", 1600000000)))
	r11 := buildtest.New(11, map[string]string{
		"ENVIRONMENT":              "UAT",
		"PROMOTE_FROM_ENVIRONMENT": "SIT",
		"PROMOTE_FROM_VERSION":     "10",
	})
	runs := []build.Run{r11, r10}

	w, _ := newWalker()
	got, ok := w.EffectiveChangeSet(runs, 0)

	require.True(t, ok)
	assert.Equal(t, 10, got.Run.Number())
	assert.Equal(t, 10, got.ChangeSet.Build)
	require.Len(t, got.ChangeSet.Commits, 1)
	assert.Equal(t, "c1", got.ChangeSet.Commits[0].ID)
}

func TestWalker_MissingOriginFallsBackToOwnChanges(t *testing.T) {
	r5 := buildtest.New(5, map[string]string{"ENVIRONMENT": "UAT", "PROMOTE_FROM_VERSION": "3"}).
		WithCheckouts(buildtest.Checkout(paymentsURL, "main", buildtest.Commit("own", 1600000000)))

	w, _ := newWalker()
	got, ok := w.EffectiveChangeSet([]build.Run{r5}, 0)

	require.True(t, ok)
	assert.Equal(t, "own", got.ChangeSet.Commits[0].ID)
}

func TestWalker_UnparseableMarkerIgnored(t *testing.T) {
	r5 := buildtest.New(5, map[string]string{"PROMOTE_FROM_VERSION": "abc"})

	w, spy := newWalker()
	_, ok := w.EffectiveChangeSet([]build.Run{r5}, 0)

	assert.False(t, ok)
	assert.Equal(t, []int{5}, spy.queried)
}

func TestWalker_OnlyConsultsSelfAndOlderSameEnvironment(t *testing.T) {
	runs := []build.Run{
		buildtest.New(20, map[string]string{"ENVIRONMENT": "SIT"}).
			WithCheckouts(buildtest.Checkout(paymentsURL, "main", buildtest.Commit("newer", 1600000300))),
		buildtest.New(19, map[string]string{"ENVIRONMENT": "UAT"}),
		buildtest.New(18, map[string]string{"ENVIRONMENT": "UAT"}).
			WithCheckouts(buildtest.Checkout(paymentsURL, "main", buildtest.Commit("uat-other", 1600000200))),
		buildtest.New(17, map[string]string{"ENVIRONMENT": "SIT"}),
		buildtest.New(16, map[string]string{"ENVIRONMENT": "SIT"}).
			WithCheckouts(buildtest.Checkout(paymentsURL, "main", buildtest.Commit("sit-old", 1600000100))),
	}

	w, spy := newWalker()
	got, ok := w.EffectiveChangeSet(runs, 3)

	require.True(t, ok)
	assert.Equal(t, 16, got.Run.Number())
	assert.Equal(t, "sit-old", got.ChangeSet.Commits[0].ID)
	assert.Equal(t, []int{17, 16}, spy.queried)
}

func TestWalker_UsesOlderBuildsOwnChanges(t *testing.T) {
	runs := []build.Run{
		buildtest.New(3, map[string]string{"ENVIRONMENT": "SIT"}),
		buildtest.New(2, map[string]string{"ENVIRONMENT": "SIT"}),
		buildtest.New(1, map[string]string{"ENVIRONMENT": "SIT"}).
			WithCheckouts(buildtest.Checkout(paymentsURL, "main", buildtest.Commit("first", 1600000000))),
	}

	w, _ := newWalker()
	got, ok := w.EffectiveChangeSet(runs, 0)

	require.True(t, ok)
	assert.Equal(t, 1, got.Run.Number())
}

func TestWalker_BuildingWithoutChangesIsAbsent(t *testing.T) {
	running := buildtest.New(2, map[string]string{"ENVIRONMENT": "SIT"})
	running.Building = true
	older := buildtest.New(1, map[string]string{"ENVIRONMENT": "SIT"}).
		WithCheckouts(buildtest.Checkout(paymentsURL, "main", buildtest.Commit("c", 1600000000)))

	w, spy := newWalker()
	_, ok := w.EffectiveChangeSet([]build.Run{running, older}, 0)

	assert.False(t, ok)
	assert.Equal(t, []int{2}, spy.queried)
}

func TestWalker_CycleTerminates(t *testing.T) {
	a := buildtest.New(2, map[string]string{"PROMOTE_FROM_VERSION": "1"})
	b := buildtest.New(1, map[string]string{"PROMOTE_FROM_VERSION": "2"})

	w, _ := newWalker()
	_, ok := w.EffectiveChangeSet([]build.Run{a, b}, 0)

	assert.False(t, ok)
}

func TestWalker_OutOfRange(t *testing.T) {
	w, _ := newWalker()
	_, ok := w.EffectiveChangeSet(nil, 0)
	assert.False(t, ok)
}

func TestLatest(t *testing.T) {
	cs := func(id string, ts int64, committerTime string) build.ChangeSet {
		return build.ChangeSet{SourceURL: id, Commits: []build.CommitView{
			{ID: "first", Timestamp: 1},
			{ID: id, Timestamp: ts, CommitterTime: committerTime},
		}}
	}

	tests := []struct {
		name string
		sets []build.ChangeSet
		want string
	}{
		{"greatest last timestamp", []build.ChangeSet{cs("a", 100, ""), cs("b", 300, ""), cs("c", 200, "")}, "b"},
		{"tie keeps first", []build.ChangeSet{cs("a", 100, ""), cs("b", 100, "")}, "a"},
		{"unknown never beats valid", []build.ChangeSet{cs("a", -1, "2099"), cs("b", 5, "2000")}, "b"},
		{"committer time when none valid", []build.ChangeSet{cs("a", -1, "2020-01-01"), cs("b", -1, "2021-01-01")}, "b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Latest(tt.sets).SourceURL)
		})
	}
}

func TestShortBranch(t *testing.T) {
	tests := map[string]string{
		"main":                          "main",
		"refs/heads/main":               "main",
		"refs/remotes/origin/release/2": "release/2",
		"origin/feature/x":              "feature/x",
	}
	for in, want := range tests {
		assert.Equal(t, want, ShortBranch(in), in)
	}
}

func TestResolveBranchSpec(t *testing.T) {
	env := build.Env{"BRANCH_NAME": "release/2.0", "EMPTY": ""}

	got, ok := ResolveBranchSpec("${BRANCH_NAME}", env)
	assert.True(t, ok)
	assert.Equal(t, "release/2.0", got)

	_, ok = ResolveBranchSpec("${EMPTY}", env)
	assert.False(t, ok)

	got, ok = ResolveBranchSpec(" */develop ", env)
	assert.True(t, ok)
	assert.Equal(t, "develop", got)
}
