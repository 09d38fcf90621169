// Package catalog loads job definitions and recorded build histories from a
// YAML file into the in-memory engine.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relicta-tech/buildline/internal/domain/build"
	apperrors "github.com/relicta-tech/buildline/internal/errors"
)

// Catalog is the file format.
type Catalog struct {
	// Users maps build-system user ids to full names.
	Users map[string]string `yaml:"users"`
	Jobs  []Job             `yaml:"jobs"`
}

// Job is a job definition with its recorded builds.
type Job struct {
	Name          string            `yaml:"name"`
	Parameterized *bool             `yaml:"parameterized"`
	Environments  []string          `yaml:"environments"`
	Restricted    bool              `yaml:"restricted"`
	Script        string            `yaml:"script"`
	Env           map[string]string `yaml:"env"`
	SCM           []SCM             `yaml:"scm"`
	Builds        []Build           `yaml:"builds"`
}

// IsParameterized reports whether builds carry parameters. Jobs are
// parameterized unless they say otherwise.
func (j Job) IsParameterized() bool {
	return j.Parameterized == nil || *j.Parameterized
}

// SCM is a source checkout.
type SCM struct {
	Name        string   `yaml:"name"`
	URL         string   `yaml:"url"`
	Branches    []string `yaml:"branches"`
	RelativeDir string   `yaml:"relative_dir"`
	Kind        string   `yaml:"kind"`
	Browser     *Browser `yaml:"browser"`
}

// Build is a recorded build.
type Build struct {
	Number     int               `yaml:"number"`
	Status     string            `yaml:"status"`
	Timestamp  time.Time         `yaml:"timestamp"`
	Parameters []build.Parameter `yaml:"parameters"`
	Env        map[string]string `yaml:"env"`
	Causes     []build.Cause     `yaml:"causes"`
	// Revisions are build-data lines such as
	// "Build #12 of Revision 3f2a9c1 (refs/remotes/origin/main)".
	Revisions []string   `yaml:"revisions"`
	Checkouts []Checkout `yaml:"checkouts"`
}

// Checkout is a checkout performed by a recorded build.
type Checkout struct {
	SCM     `yaml:",inline"`
	Commits []Commit `yaml:"commits"`
}

// Commit is a commit log entry.
type Commit struct {
	ID            string `yaml:"id"`
	Author        string `yaml:"author"`
	Committer     string `yaml:"committer"`
	AuthorName    string `yaml:"author_name"`
	Message       string `yaml:"message"`
	Timestamp     *int64 `yaml:"timestamp"`
	CommitterTime string `yaml:"committer_time"`
}

var validStatuses = map[string]bool{
	"": true, "queued": true, "running": true, "succeeded": true, "failed": true, "aborted": true,
}

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	const op = "catalog.Load"

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from configuration
	if err != nil {
		return nil, apperrors.IOWrap(err, op, "failed to read catalog "+path)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, apperrors.ConfigWrap(err, op, "invalid catalog "+path)
	}
	return c, nil
}

// Parse decodes and validates catalog YAML. Unknown fields are rejected.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks job names and build numbers.
func (c *Catalog) Validate() error {
	var problems []string
	seen := make(map[string]bool, len(c.Jobs))
	for i, job := range c.Jobs {
		name := strings.TrimSpace(job.Name)
		if name == "" {
			problems = append(problems, fmt.Sprintf("jobs[%d]: name is required", i))
			continue
		}
		if seen[name] {
			problems = append(problems, fmt.Sprintf("jobs[%d]: duplicate job %q", i, name))
		}
		seen[name] = true

		for j, scm := range job.SCM {
			if scm.URL == "" {
				problems = append(problems, fmt.Sprintf("%s.scm[%d]: url is required", name, j))
			}
		}

		numbers := make(map[int]bool, len(job.Builds))
		for j, b := range job.Builds {
			if b.Number < 1 {
				problems = append(problems, fmt.Sprintf("%s.builds[%d]: number must be positive", name, j))
			} else if numbers[b.Number] {
				problems = append(problems, fmt.Sprintf("%s.builds[%d]: duplicate number %d", name, j, b.Number))
			}
			numbers[b.Number] = true
			if !validStatuses[b.Status] {
				problems = append(problems, fmt.Sprintf("%s.builds[%d]: unknown status %q", name, j, b.Status))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
