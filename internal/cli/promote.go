package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/buildline/internal/application/promotion"
	"github.com/relicta-tech/buildline/internal/container"
	"github.com/relicta-tech/buildline/internal/domain/build"
	"github.com/relicta-tech/buildline/internal/httpserver/dto"
	"github.com/relicta-tech/buildline/internal/infrastructure/engine"
)

var (
	promoteEnv     string
	promoteExecute bool
)

var promoteCmd = &cobra.Command{
	Use:   "promote <job> <number>",
	Short: "Promote a build to one or more environments",
	Long: `Queue one new build of the job per target environment, carrying the
parameters of the promoted build.

Each new build records where it was promoted from, so its change set is
attributed to the build that introduced the commits.

The command runs against the catalog in a local engine. Use --execute to
run the queued builds' checkouts before exiting; use 'buildline serve' to
promote against a long-running engine.

Examples:
  buildline promote payments 41 --env UAT
  buildline promote payments 41 --env UAT,PROD --execute`,
	Args: cobra.ExactArgs(2),
	RunE: runPromote,
}

func init() {
	rootCmd.AddCommand(promoteCmd)

	promoteCmd.Flags().StringVarP(&promoteEnv, "env", "e", "", "comma-separated target environments")
	promoteCmd.Flags().BoolVar(&promoteExecute, "execute", false, "run the queued builds before exiting")
}

func runPromote(cmd *cobra.Command, args []string) error {
	number, err := strconv.Atoi(strings.TrimPrefix(args[1], "#"))
	if err != nil || number < 1 {
		return fmt.Errorf("invalid build number %q", args[1])
	}

	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := build.WithActor(cmd.Context(), cliActor)
	run, err := app.History().Find(ctx, args[0], number)
	if err != nil {
		return err
	}

	result := app.Promotion().Promote(ctx, run, promoteEnv)
	var executed []executedBuild
	if promoteExecute && len(result.Scheduled) > 0 {
		executed = executeQueued(ctx, app)
	}

	if err := writePromotion(cmd.OutOrStdout(), args[0], number, result, executed); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("promotion failed: %s", result.Message)
	}
	return nil
}

type executedBuild struct {
	Job       string             `json:"job"`
	Number    int                `json:"number"`
	Status    string             `json:"status"`
	Revisions []executedRevision `json:"revisions,omitempty"`
}

type executedRevision struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

// executeQueued runs every build waiting in the engine queue.
func executeQueued(ctx context.Context, app *container.App) []executedBuild {
	var executed []executedBuild
	for {
		select {
		case run := <-app.Engine().Queue():
			status := app.Executor().Execute(ctx, run)
			e := executedBuild{Job: run.JobName(), Number: run.Number(), Status: string(status)}
			for _, r := range run.Revisions() {
				e.Revisions = append(e.Revisions, executedRevision{Repo: r.Repo, Branch: r.Branch, Commit: r.CommitHash})
			}
			executed = append(executed, e)
		default:
			return executed
		}
	}
}

func writePromotion(w io.Writer, job string, number int, result promotion.Result, executed []executedBuild) error {
	if IsJSONOutput() {
		return printJSONOutput(w, struct {
			dto.PromoteResponse
			Executed []executedBuild `json:"executed,omitempty"`
		}{dto.FromResult(result), executed})
	}

	for _, s := range result.Scheduled {
		printSuccess(w, fmt.Sprintf("%s #%d queued for %s (%s)", job, number, s.Environment, s.QueueID))
	}
	for _, f := range result.Failures {
		printError(w, fmt.Sprintf("%s: %v", f.Environment, f.Err))
	}
	if !result.Success && len(result.Failures) == 0 {
		printError(w, result.Message)
	}
	for _, e := range executed {
		line := fmt.Sprintf("%s #%d %s", e.Job, e.Number, e.Status)
		if e.Status == string(engine.StatusSucceeded) {
			printSuccess(w, line)
		} else {
			printWarning(w, line)
		}
		for _, r := range e.Revisions {
			printSubtle(w, fmt.Sprintf("    %s %s %s", r.Repo, r.Branch, r.Commit))
		}
	}
	return nil
}
