package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/buildline/internal/application/history"
	"github.com/relicta-tech/buildline/internal/domain/build"
	"github.com/relicta-tech/buildline/internal/httpserver/dto"
	"github.com/relicta-tech/buildline/internal/security"
)

var (
	runsSince      string
	runsFullStages bool
)

var runsCmd = &cobra.Command{
	Use:   "runs <job>",
	Short: "Show the build history of a job with attributed change sets",
	Long: `Show the newest builds of a job, one page at a time.

Each build lists the change set it carries. For a build promoted from
another environment the change set is taken from the build that first
introduced the commits, shown in the FROM BUILD column.

Examples:
  # Newest page of builds
  buildline runs payments

  # Stop after build #40
  buildline runs payments --since 40

  # Include parameters of every build
  buildline runs payments --full-stages --json`,
	Args: cobra.ExactArgs(1),
	RunE: runRuns,
}

var showCmd = &cobra.Command{
	Use:   "show <job> <number>",
	Short: "Show one build with its commits and parameters",
	Args:  cobra.ExactArgs(2),
	RunE:  runShow,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(showCmd)

	runsCmd.Flags().StringVar(&runsSince, "since", "", "end the page after this build (\"#12\" or \"12\")")
	runsCmd.Flags().BoolVar(&runsFullStages, "full-stages", false, "include build parameters")
}

func runRuns(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	views, err := app.History().Runs(cmd.Context(), history.Query{
		Job:        args[0],
		Since:      runsSince,
		FullStages: runsFullStages,
	})
	if err != nil {
		return err
	}
	return writeRuns(security.NewMaskedWriter(cmd.OutOrStdout()), args[0], views)
}

func writeRuns(w io.Writer, job string, views []history.RunView) error {
	if IsJSONOutput() {
		out := dto.JobRunsDTO{Name: job, RunCount: len(views), Runs: make([]dto.RunDTO, 0, len(views))}
		for _, v := range views {
			out.Runs = append(out.Runs, dto.FromRunView(v))
		}
		return printJSONOutput(w, out)
	}

	if len(views) == 0 {
		printWarning(w, fmt.Sprintf("%s has no builds", job))
		return nil
	}

	printTitle(w, fmt.Sprintf("%s: %d builds", job, len(views)))
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			v.Name,
			orDash(v.Environment),
			promotedFrom(v),
			orDash(v.Branch),
			statusLabel(v.Building),
			changeSummary(v),
			attributedBuild(v),
		})
	}
	writeTable(w, []string{"BUILD", "ENV", "PROMOTED FROM", "BRANCH", "STATUS", "CHANGES", "FROM BUILD"}, rows)
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	number, err := strconv.Atoi(strings.TrimPrefix(args[1], "#"))
	if err != nil || number < 1 {
		return fmt.Errorf("invalid build number %q", args[1])
	}

	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	view, err := app.History().Run(cmd.Context(), args[0], number)
	if err != nil {
		return err
	}
	return writeRun(security.NewMaskedWriter(cmd.OutOrStdout()), view)
}

func writeRun(w io.Writer, v history.RunView) error {
	if IsJSONOutput() {
		return printJSONOutput(w, dto.FromRunView(v))
	}

	printTitle(w, fmt.Sprintf("%s %s", v.JobName, v.Name))
	fmt.Fprintf(w, "  Status:        %s\n", statusLabel(v.Building))
	fmt.Fprintf(w, "  Environment:   %s\n", orDash(v.Environment))
	fmt.Fprintf(w, "  Promoted from: %s\n", promotedFrom(v))
	fmt.Fprintf(w, "  Branch:        %s\n", orDash(v.Branch))

	fmt.Fprintln(w)
	if v.ChangeSet == nil {
		printSubtle(w, "No changes")
	} else {
		title := "Changes"
		if v.AttributedTo != 0 && v.AttributedTo != v.Number {
			title = fmt.Sprintf("Changes (introduced by #%d)", v.AttributedTo)
		}
		fmt.Fprintln(w, styles.Bold.Render(title))
		writeCommits(w, v.ChangeSet.Commits)
	}

	if len(v.ChangeSets) > 1 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, styles.Bold.Render("All checkouts"))
		for _, cs := range v.ChangeSets {
			fmt.Fprintf(w, "  %s (%d commits)\n", orDash(cs.SourceURL), len(cs.Commits))
		}
	}

	if len(v.Parameters) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, styles.Bold.Render("Parameters"))
		params := security.MaskParameters(v.Parameters)
		for _, name := range slices.Sorted(maps.Keys(params)) {
			fmt.Fprintf(w, "  %s=%s\n", name, params[name])
		}
	}
	return nil
}

func writeCommits(w io.Writer, commits []build.CommitView) {
	for _, c := range commits {
		id := c.ID
		if len(id) > 8 {
			id = id[:8]
		}
		when := ""
		if c.Timestamp >= 0 {
			when = time.UnixMilli(c.Timestamp).UTC().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "  %s %s %s\n", styles.Info.Render(id), firstLine(c.Message), styles.Subtle.Render(strings.TrimSpace(c.Author+" "+when)))
		if c.URL != "" {
			printSubtle(w, "    "+c.URL)
		}
	}
}

func promotedFrom(v history.RunView) string {
	if v.PromoteFromEnvironment == "" {
		return "-"
	}
	if v.PromoteFromVersion == "" {
		return v.PromoteFromEnvironment
	}
	return fmt.Sprintf("%s #%s", v.PromoteFromEnvironment, v.PromoteFromVersion)
}

func changeSummary(v history.RunView) string {
	if v.ChangeSet == nil {
		return "-"
	}
	n := len(v.ChangeSet.Commits)
	if n == 1 {
		return "1 commit"
	}
	return fmt.Sprintf("%d commits", n)
}

func attributedBuild(v history.RunView) string {
	if v.ChangeSet == nil || v.AttributedTo == 0 {
		return "-"
	}
	return "#" + strconv.Itoa(v.AttributedTo)
}

func statusLabel(building bool) string {
	if building {
		return styles.Warning.Render("building")
	}
	return styles.Success.Render("finished")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
