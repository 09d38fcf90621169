package build

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrNotParameterized is returned by adapters for builds of a job that has no parameters.
var ErrNotParameterized = errors.New("build is not parameterized")

// Env is the environment variable snapshot of a build.
type Env map[string]string

// Get returns the value of key, or "" when unset.
func (e Env) Get(key string) string {
	return e[key]
}

// Lookup returns the value of key and whether it is set.
func (e Env) Lookup(key string) (string, bool) {
	v, ok := e[key]
	return v, ok
}

// Run is the typed view of one build exposed by the execution engine. The
// lineage engine reads builds only through this contract.
type Run interface {
	// Number is the per-job sequence number.
	Number() int
	// JobName is the name of the owning job.
	JobName() string
	// Parameters returns the parameter set; ok is false for non-parameterized builds.
	Parameters() (params *Parameters, ok bool)
	// Environment returns the environment snapshot. It may fail to resolve.
	Environment() (Env, error)
	// Checkouts returns the checkouts performed, in order. It may fail to resolve.
	Checkouts() ([]Checkout, error)
	// Causes returns the causal chain, in order.
	Causes() []Cause
	// IsBuilding reports whether the build is still in progress.
	IsBuilding() bool
	// PipelineScript returns the raw pipeline script, or "" when unavailable.
	PipelineScript() string
	// Revisions returns the revisions recorded by the version-control integration.
	Revisions() []Revision
	// URL is the build's console URL, ending in "/".
	URL() string
}

// Name returns the display name of a build, e.g. "#12".
func Name(r Run) string {
	return "#" + strconv.Itoa(r.Number())
}

// Param returns a parameter value of r, or "" when r has no such parameter.
func Param(r Run, name string) string {
	params, ok := r.Parameters()
	if !ok || params == nil {
		return ""
	}
	return params.Get(name)
}

// EnvironmentOf returns the ENVIRONMENT parameter of r.
func EnvironmentOf(r Run) string {
	return Param(r, ParamEnvironment)
}

// PromotedFrom returns the build number r was promoted from. ok is false when
// the marker is missing or not a number.
func PromotedFrom(r Run) (number int, ok bool) {
	raw := strings.TrimSpace(Param(r, ParamPromoteFromVersion))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

var revisionPattern = regexp.MustCompile(`Build #(\d+) of Revision ([0-9a-z]+) \((.*)\)`)

const remotesPrefix = "refs/remotes/"

// ParseRevision parses a build-data line such as
// "Build #12 of Revision 3f2a9c1d (refs/remotes/origin/release/2.0)".
// The branch keeps any slashes after the remote name.
func ParseRevision(line string) (Revision, bool) {
	m := revisionPattern.FindStringSubmatch(line)
	if m == nil {
		return Revision{}, false
	}
	number, err := strconv.Atoi(m[1])
	if err != nil {
		return Revision{}, false
	}
	ref := strings.TrimPrefix(m[3], remotesPrefix)
	repo, branch, found := strings.Cut(ref, "/")
	if !found || repo == "" || branch == "" {
		return Revision{}, false
	}
	return Revision{Number: number, CommitHash: m[2], Repo: repo, Branch: branch}, true
}

// ParseRevisions parses every recognizable line and skips the rest.
func ParseRevisions(lines []string) []Revision {
	revisions := make([]Revision, 0, len(lines))
	for _, line := range lines {
		if rev, ok := ParseRevision(line); ok {
			revisions = append(revisions, rev)
		}
	}
	return revisions
}

// ShortHash returns the first 7 characters of a commit hash.
func ShortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
