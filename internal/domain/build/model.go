// Package build provides the domain types shared by the lineage engine, the
// promotion workflow and the execution-engine adapters: jobs, builds, checkouts,
// commits, causes and the parameter record that carries promotion lineage.
package build

import (
	"strings"
)

// Parameter and environment keys that carry promotion lineage. These names are
// part of the persisted build history and must not change.
const (
	ParamEnvironment            = "ENVIRONMENT"
	ParamPromoteFromEnvironment = "PROMOTE_FROM_ENVIRONMENT"
	ParamPromoteFromVersion     = "PROMOTE_FROM_VERSION"
	ParamGitBranch              = "GIT_BRANCH"

	EnvBuildNumber  = "BUILD_NUMBER"
	EnvJobName      = "JOB_NAME"
	EnvGitlabBranch = "gitlabBranch"
)

const (
	branchParamSuffix = "_BRANCH"
	commitParamSuffix = "_GIT_COMMIT"
)

// BranchParam returns the parameter key holding the branch of a repository.
func BranchParam(repo string) string {
	return strings.ToUpper(repo) + branchParamSuffix
}

// CommitParam returns the parameter key holding the short commit of a repository.
func CommitParam(repo string) string {
	return strings.ToUpper(repo) + commitParamSuffix
}

// Job is a named, parameterized build definition.
type Job struct {
	Name string
	// Environments are the declared ENVIRONMENT choices, in order.
	Environments []string
	// Parameterized reports whether builds of this job carry parameters.
	Parameterized bool
}

// HasEnvironment reports whether env is one of the job's declared environments.
func (j Job) HasEnvironment(env string) bool {
	for _, e := range j.Environments {
		if e == env {
			return true
		}
	}
	return false
}

// LinkBuilder produces a web link for a commit of a repository.
type LinkBuilder interface {
	CommitLink(commit Commit) (string, error)
}

// Checkout is one source-control materialization inside a build.
type Checkout struct {
	// Name is the configured repository name; empty means "derive from URL".
	Name string
	// URL is the remote URL.
	URL string
	// Branches are the configured branch specs, literal or parameterized.
	Branches []string
	// RelativeDir is the configured checkout subdirectory within the workspace.
	RelativeDir string
	// Kind is the repository kind tag, e.g. "git".
	Kind string
	// Commits is the commit log recorded for this checkout.
	Commits []Commit
	// Browser builds commit links; nil when no browser is configured.
	Browser LinkBuilder
}

// RepositoryName returns the explicit name, or the last path segment of the
// remote URL without a trailing ".git". Returns "" when neither is usable.
func (c Checkout) RepositoryName() string {
	if c.Name != "" {
		return c.Name
	}
	return ProjectName(c.URL)
}

// ProjectName extracts the repository name from a remote URL.
func ProjectName(url string) string {
	p := strings.LastIndex(url, "/")
	if p <= 0 {
		return ""
	}
	return strings.TrimSuffix(url[p+1:], ".git")
}

// Commit is one entry of a checkout's commit log.
type Commit struct {
	ID string
	// AuthorID is the build-system identity recorded for the author.
	AuthorID string
	// Committer is the committer identity from the commit record, if any.
	Committer string
	// AuthorName is the author identity from the commit record, if any.
	AuthorName string
	Message    string
	// Timestamp is the raw epoch value; see NormalizeTimestamp.
	Timestamp int64
	// CommitterTime is the raw committer time string, used when no timestamp is valid.
	CommitterTime string
}

// CauseKind classifies why a build was started.
type CauseKind string

// Known cause kinds.
const (
	CauseUser      CauseKind = "user"
	CauseUpstream  CauseKind = "upstream"
	CausePromotion CauseKind = "promotion"
	CauseTimer     CauseKind = "timer"
	CauseSCM       CauseKind = "scm"
)

// Cause records why a build was started.
type Cause struct {
	Kind        CauseKind `json:"kind" yaml:"kind"`
	UserID      string    `json:"user_id,omitempty" yaml:"user_id"`
	Description string    `json:"description,omitempty" yaml:"description"`
}

// Revision is the version-control integration's record of the commit a build
// ran against for one remote branch.
type Revision struct {
	Number     int
	CommitHash string
	Repo       string
	Branch     string
}
