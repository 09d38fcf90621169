package catalog

import (
	"log/slog"
	"strings"

	"github.com/relicta-tech/buildline/internal/domain/build"
	"github.com/relicta-tech/buildline/internal/infrastructure/engine"
)

// Restricted returns the jobs that only admins may build.
func (c *Catalog) Restricted() map[string]bool {
	restricted := make(map[string]bool)
	for _, job := range c.Jobs {
		if job.Restricted {
			restricted[job.Name] = true
		}
	}
	return restricted
}

// Apply loads the catalog into m. Job definitions are replaced; builds whose
// numbers m already holds are left alone, so applying a changed catalog only
// imports new builds. It returns how many builds were imported.
func (c *Catalog) Apply(m *engine.Memory, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m.SetUsers(c.Users)

	imported := 0
	for _, job := range c.Jobs {
		m.PutJob(jobSpec(job))
		for _, b := range job.Builds {
			ok, err := m.ImportRun(job.Name, runSpec(b))
			if err != nil {
				return imported, err
			}
			if ok {
				imported++
			}
		}
	}
	logger.Info("catalog applied",
		"jobs", len(c.Jobs),
		"imported_builds", imported)
	return imported, nil
}

func jobSpec(job Job) engine.JobSpec {
	spec := engine.JobSpec{
		Job: build.Job{
			Name:          job.Name,
			Environments:  job.Environments,
			Parameterized: job.IsParameterized(),
		},
		Script: job.Script,
		Env:    job.Env,
	}
	for _, scm := range job.SCM {
		spec.SCMs = append(spec.SCMs, engine.SCM{
			Name:        scm.Name,
			URL:         scm.URL,
			Branches:    scm.Branches,
			RelativeDir: scm.RelativeDir,
			Kind:        kindOf(scm),
			Browser:     linkBuilder(scm.Browser),
		})
	}
	return spec
}

func runSpec(b Build) engine.RunSpec {
	spec := engine.RunSpec{
		Number:         b.Number,
		Parameters:     make(map[string]string, len(b.Parameters)),
		ParameterOrder: make([]string, 0, len(b.Parameters)),
		Env:            b.Env,
		Causes:         b.Causes,
		Revisions:      build.ParseRevisions(b.Revisions),
		Status:         engine.Status(b.Status),
		Timestamp:      b.Timestamp,
	}
	for _, p := range b.Parameters {
		spec.Parameters[p.Name] = p.Value
		spec.ParameterOrder = append(spec.ParameterOrder, p.Name)
	}
	for _, co := range b.Checkouts {
		checkout := build.Checkout{
			Name:        co.Name,
			URL:         co.URL,
			Branches:    co.Branches,
			RelativeDir: co.RelativeDir,
			Kind:        kindOf(co.SCM),
			Browser:     linkBuilder(co.Browser),
		}
		for _, commit := range co.Commits {
			checkout.Commits = append(checkout.Commits, build.Commit{
				ID:            commit.ID,
				AuthorID:      commit.Author,
				Committer:     commit.Committer,
				AuthorName:    commit.AuthorName,
				Message:       commit.Message,
				Timestamp:     commitTimestamp(commit),
				CommitterTime: commit.CommitterTime,
			})
		}
		spec.Checkouts = append(spec.Checkouts, checkout)
	}
	return spec
}

// commitTimestamp returns the raw timestamp, or build.UnknownTimestamp when
// the catalog leaves it out.
func commitTimestamp(c Commit) int64 {
	if c.Timestamp == nil {
		return build.UnknownTimestamp
	}
	return *c.Timestamp
}

func kindOf(scm SCM) string {
	if scm.Kind != "" {
		return strings.ToLower(scm.Kind)
	}
	return "git"
}
