package catalog

import (
	"fmt"
	"strings"

	"github.com/relicta-tech/buildline/internal/domain/build"
)

// Browser is a repository web front end that links to commits.
type Browser struct {
	// Kind is gitlab, github, gitea or bitbucket.
	Kind string `yaml:"kind"`
	// URL is the repository's web address.
	URL string `yaml:"url"`
}

var commitPaths = map[string]string{
	"gitlab":    "/-/commit/",
	"github":    "/commit/",
	"gitea":     "/commit/",
	"bitbucket": "/commits/",
}

// CommitLink implements build.LinkBuilder.
func (b Browser) CommitLink(commit build.Commit) (string, error) {
	path, ok := commitPaths[strings.ToLower(b.Kind)]
	if !ok {
		return "", fmt.Errorf("unsupported repository browser %q", b.Kind)
	}
	if b.URL == "" {
		return "", fmt.Errorf("repository browser %q has no url", b.Kind)
	}
	if commit.ID == "" {
		return "", fmt.Errorf("commit has no id")
	}
	return strings.TrimSuffix(b.URL, "/") + path + commit.ID, nil
}

func linkBuilder(b *Browser) build.LinkBuilder {
	if b == nil {
		return nil
	}
	return *b
}
