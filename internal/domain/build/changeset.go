package build

// CommitView is one commit of a change set, ready for display.
type CommitView struct {
	ID string
	// URL is the web link for the commit, or "" when none could be produced.
	URL string
	// Author is the resolved display identity, possibly blank.
	Author  string
	Message string
	// Timestamp is in epoch milliseconds, or -1 when unknown.
	Timestamp     int64
	CommitterTime string
	ConsoleURL    string
}

// ChangeSet is the filtered, ordered list of commits of one checkout.
type ChangeSet struct {
	// Kind is the repository kind tag of the checkout.
	Kind string
	// SourceURL is the remote URL of the checkout the commits came from.
	SourceURL string
	// Build is the number of the build the change set belongs to.
	Build      int
	ConsoleURL string
	Commits    []CommitView
}

// IsEmpty reports whether the change set has no commits.
func (cs ChangeSet) IsEmpty() bool {
	return len(cs.Commits) == 0
}

// Last returns the last commit of the change set.
func (cs ChangeSet) Last() (CommitView, bool) {
	if len(cs.Commits) == 0 {
		return CommitView{}, false
	}
	return cs.Commits[len(cs.Commits)-1], true
}
