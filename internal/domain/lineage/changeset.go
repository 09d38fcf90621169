package lineage

import (
	"log/slog"
	"strings"

	"github.com/relicta-tech/buildline/internal/domain/build"
)

// UserLookup resolves a build-system user id to a display name.
type UserLookup interface {
	FullName(id string) (string, bool)
}

// UserLookupFunc adapts a function to UserLookup.
type UserLookupFunc func(id string) (string, bool)

// FullName implements UserLookup.
func (f UserLookupFunc) FullName(id string) (string, bool) {
	return f(id)
}

// Aggregator builds the filtered change sets of a build.
type Aggregator struct {
	filter         *ExclusionFilter
	users          UserLookup
	resolveAuthors bool
	logger         *slog.Logger
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithUserLookup sets the user directory used to resolve commit authors.
func WithUserLookup(users UserLookup) AggregatorOption {
	return func(a *Aggregator) {
		a.users = users
	}
}

// WithAuthorResolution enables or disables the user lookup step. When
// disabled, authors come from the commit record only.
func WithAuthorResolution(enabled bool) AggregatorOption {
	return func(a *Aggregator) {
		a.resolveAuthors = enabled
	}
}

// WithAggregatorLogger sets the logger.
func WithAggregatorLogger(logger *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// NewAggregator creates an Aggregator over filter.
func NewAggregator(filter *ExclusionFilter, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		filter:         filter,
		resolveAuthors: true,
		logger:         slog.Default().With("component", "lineage"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ChangeSetsOf returns the non-empty, non-excluded change sets of run in
// checkout order.
func (a *Aggregator) ChangeSetsOf(run build.Run) []build.ChangeSet {
	if run == nil {
		return nil
	}
	checkouts := CheckoutsOf(run, a.logger)
	sets := make([]build.ChangeSet, 0, len(checkouts))
	for _, c := range checkouts {
		if len(c.Commits) == 0 || a.isExcluded(c) {
			continue
		}
		sets = append(sets, a.changeSet(run, c))
	}
	return sets
}

// isExcluded resolves the URL a change set is judged by: the browser link of
// its first commit, else the checkout URL. A change set whose URL cannot be
// resolved is kept.
func (a *Aggregator) isExcluded(c build.Checkout) bool {
	url := c.URL
	if c.Browser != nil {
		link, err := c.Browser.CommitLink(c.Commits[0])
		if err != nil {
			a.logger.Warn("failed to build change set link",
				"repository", c.URL,
				"error", err)
			return false
		}
		url = link
	}
	if url == "" {
		return false
	}
	return a.filter.IsExcluded(url)
}

func (a *Aggregator) changeSet(run build.Run, c build.Checkout) build.ChangeSet {
	cs := build.ChangeSet{
		Kind:       c.Kind,
		SourceURL:  c.URL,
		Build:      run.Number(),
		ConsoleURL: run.URL() + "changes",
		Commits:    make([]build.CommitView, 0, len(c.Commits)),
	}
	for _, commit := range c.Commits {
		cs.Commits = append(cs.Commits, build.CommitView{
			ID:            commit.ID,
			URL:           a.commitLink(c, commit),
			Author:        a.authorOf(commit),
			Message:       commit.Message,
			Timestamp:     build.NormalizeTimestamp(commit.Timestamp),
			CommitterTime: commit.CommitterTime,
			ConsoleURL:    cs.ConsoleURL + "#" + commit.ID,
		})
	}
	return cs
}

// authorOf resolves the display identity: user lookup, then committer, then
// author. A commit without any identity gets a blank author.
func (a *Aggregator) authorOf(commit build.Commit) string {
	if a.resolveAuthors && commit.AuthorID != "" {
		if a.users == nil {
			return commit.AuthorID
		}
		if name, ok := a.users.FullName(commit.AuthorID); ok && name != "" {
			return name
		}
	}
	if commit.Committer != "" {
		return commit.Committer
	}
	return commit.AuthorName
}

func (a *Aggregator) commitLink(c build.Checkout, commit build.Commit) string {
	if c.Browser != nil {
		link, err := c.Browser.CommitLink(commit)
		if err != nil {
			a.logger.Debug("failed to build commit link", "commit", commit.ID, "error", err)
			return ""
		}
		return link
	}
	link, _ := SynthesizeCommitLink(c.URL, commit.ID)
	return link
}

// SynthesizeCommitLink builds http://<host>/<path>/commit/<id> from an
// SSH-style remote such as git@host:group/repo.git. Other URL shapes yield
// no link.
func SynthesizeCommitLink(remote, commitID string) (string, bool) {
	at := strings.Index(remote, "@")
	if at < 0 {
		return "", false
	}
	colon := strings.Index(remote[at:], ":")
	if colon < 0 {
		return "", false
	}
	host := remote[at+1 : at+colon]
	path := strings.TrimSuffix(remote[at+colon+1:], ".git")
	if host == "" || path == "" {
		return "", false
	}
	return "http://" + host + "/" + path + "/commit/" + commitID, true
}
