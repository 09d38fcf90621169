package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/buildline/internal/domain/build"
	"github.com/relicta-tech/buildline/internal/httpserver/dto"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs and their environments",
	Long: `List the jobs of the catalog with the environments each job may be
promoted to.

Examples:
  buildline jobs
  buildline jobs --json`,
	Args: cobra.NoArgs,
	RunE: runJobs,
}

var envsCmd = &cobra.Command{
	Use:   "envs <job>",
	Short: "List the environments a job's builds may be promoted to",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnvs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(envsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	jobs, err := app.History().Jobs(cmd.Context())
	if err != nil {
		return err
	}
	return writeJobs(cmd.OutOrStdout(), jobs)
}

func writeJobs(w io.Writer, jobs []build.Job) error {
	if IsJSONOutput() {
		out := make([]dto.JobDTO, 0, len(jobs))
		for _, job := range jobs {
			out = append(out, dto.FromJob(job))
		}
		return printJSONOutput(w, map[string]any{"jobs": out})
	}

	if len(jobs) == 0 {
		printWarning(w, "No jobs in the catalog")
		return nil
	}
	printTitle(w, "Jobs")
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		envs := strings.Join(job.Environments, ", ")
		if !job.Parameterized {
			envs = "not parameterized"
		}
		rows = append(rows, []string{job.Name, envs})
	}
	writeTable(w, []string{"JOB", "ENVIRONMENTS"}, rows)
	return nil
}

func runEnvs(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	job := args[0]
	envs, err := app.History().Environments(cmd.Context(), job)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if IsJSONOutput() {
		if envs == nil {
			envs = []string{}
		}
		return printJSONOutput(w, dto.EnvironmentsDTO{Job: job, Environments: envs})
	}
	if len(envs) == 0 {
		printWarning(w, fmt.Sprintf("%s has no environments", job))
		return nil
	}
	for _, env := range envs {
		fmt.Fprintln(w, env)
	}
	return nil
}
