// Package dto provides data transfer objects for the buildline API.
package dto

import (
	"github.com/relicta-tech/buildline/internal/application/history"
	"github.com/relicta-tech/buildline/internal/application/promotion"
	"github.com/relicta-tech/buildline/internal/domain/build"
	apperrors "github.com/relicta-tech/buildline/internal/errors"
	"github.com/relicta-tech/buildline/internal/security"
)

// ErrorResponse is an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// JobDTO is the API representation of a job.
type JobDTO struct {
	Name          string   `json:"name"`
	Environments  []string `json:"environments"`
	Parameterized bool     `json:"parameterized"`
}

// JobRunsDTO is the response of the runs query.
type JobRunsDTO struct {
	Name     string   `json:"name"`
	RunCount int      `json:"run_count"`
	Runs     []RunDTO `json:"runs"`
}

// RunDTO is one build with its lineage.
type RunDTO struct {
	JobName                string            `json:"job_name"`
	Number                 int               `json:"number"`
	Name                   string            `json:"name"`
	Status                 string            `json:"status"`
	Environment            string            `json:"environment"`
	PromoteFromEnvironment string            `json:"promote_from_environment"`
	PromoteFromVersion     string            `json:"promote_from_version"`
	Branch                 string            `json:"branch"`
	ChangeSet              *ChangeSetDTO     `json:"change_set"`
	AttributedTo           int               `json:"attributed_to,omitempty"`
	ChangeSets             []ChangeSetDTO    `json:"change_sets"`
	Parameters             map[string]string `json:"parameters,omitempty"`
}

// ChangeSetDTO is a change set.
type ChangeSetDTO struct {
	Kind        string      `json:"kind"`
	CommitCount int         `json:"commit_count"`
	Commits     []CommitDTO `json:"commits"`
	ConsoleURL  string      `json:"console_url,omitempty"`
}

// CommitDTO is one commit of a change set.
type CommitDTO struct {
	CommitID   string `json:"commit_id"`
	CommitURL  string `json:"commit_url,omitempty"`
	Author     string `json:"author"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
	ConsoleURL string `json:"console_url,omitempty"`
}

// EnvironmentsDTO lists the environments of a job.
type EnvironmentsDTO struct {
	Job          string   `json:"job"`
	Environments []string `json:"environments"`
}

// PromoteResponse is the outcome of a promotion request.
type PromoteResponse struct {
	Success      bool         `json:"success"`
	Environments []string     `json:"environments"`
	Message      string       `json:"message"`
	Scheduled    []QueuedDTO  `json:"scheduled,omitempty"`
	Failures     []FailureDTO `json:"failures,omitempty"`
}

// QueuedDTO is an accepted submission.
type QueuedDTO struct {
	Environment string `json:"environment"`
	QueueID     string `json:"queue_id"`
}

// FailureDTO is a rejected submission.
type FailureDTO struct {
	Environment string `json:"environment"`
	Error       string `json:"error"`
}

// FromJob converts a job.
func FromJob(job build.Job) JobDTO {
	envs := job.Environments
	if envs == nil {
		envs = []string{}
	}
	return JobDTO{Name: job.Name, Environments: envs, Parameterized: job.Parameterized}
}

// FromRunView converts a history view.
func FromRunView(v history.RunView) RunDTO {
	d := RunDTO{
		JobName:                v.JobName,
		Number:                 v.Number,
		Name:                   v.Name,
		Status:                 "finished",
		Environment:            v.Environment,
		PromoteFromEnvironment: v.PromoteFromEnvironment,
		PromoteFromVersion:     v.PromoteFromVersion,
		Branch:                 v.Branch,
		AttributedTo:           v.AttributedTo,
		ChangeSets:             make([]ChangeSetDTO, 0, len(v.ChangeSets)),
		Parameters:             security.MaskParameters(v.Parameters),
	}
	if v.Building {
		d.Status = "building"
	}
	if v.ChangeSet != nil {
		cs := FromChangeSet(*v.ChangeSet)
		d.ChangeSet = &cs
	}
	for _, cs := range v.ChangeSets {
		d.ChangeSets = append(d.ChangeSets, FromChangeSet(cs))
	}
	return d
}

// FromChangeSet converts a change set.
func FromChangeSet(cs build.ChangeSet) ChangeSetDTO {
	d := ChangeSetDTO{
		Kind:        cs.Kind,
		CommitCount: len(cs.Commits),
		Commits:     make([]CommitDTO, 0, len(cs.Commits)),
		ConsoleURL:  cs.ConsoleURL,
	}
	for _, c := range cs.Commits {
		d.Commits = append(d.Commits, CommitDTO{
			CommitID:   c.ID,
			CommitURL:  c.URL,
			Author:     c.Author,
			Message:    c.Message,
			Timestamp:  c.Timestamp,
			ConsoleURL: c.ConsoleURL,
		})
	}
	return d
}

// FromResult converts a promotion result.
func FromResult(r promotion.Result) PromoteResponse {
	d := PromoteResponse{
		Success:      r.Success,
		Environments: r.Environments,
		Message:      r.Message,
	}
	if d.Environments == nil {
		d.Environments = []string{}
	}
	for _, s := range r.Scheduled {
		d.Scheduled = append(d.Scheduled, QueuedDTO{Environment: s.Environment, QueueID: s.QueueID})
	}
	for _, f := range r.Failures {
		d.Failures = append(d.Failures, FailureDTO{Environment: f.Environment, Error: apperrors.RedactSensitive(f.Err.Error())})
	}
	return d
}
