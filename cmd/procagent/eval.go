package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/procagent/internal/agent"
	"github.com/MrWong99/procagent/internal/app"
	"github.com/MrWong99/procagent/internal/eval"
	"github.com/MrWong99/procagent/internal/tool"
	"github.com/MrWong99/procagent/pkg/types"
)

// errRegressions makes the command exit non-zero when a baseline case broke.
var errRegressions = errors.New("cases regressed against the baseline")

func newEvalCmd(c *cli) *cobra.Command {
	var (
		casesPath    string
		baselinePath string
		outputPath   string
		tenant       string
		parallel     int
		caseTimeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Score the agent against a file of scripted questions",
		Example: `  procagent eval --cases cases.yaml
  procagent eval --cases cases.yaml --baseline evaluation_results.json --output run2.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			suite, err := eval.LoadSuiteFile(casesPath)
			if err != nil {
				return err
			}
			var baseline *eval.Report
			if baselinePath != "" {
				if baseline, err = eval.ReadReportFile(baselinePath); err != nil {
					return err
				}
			}
			if tenant == "" {
				tenant = suite.Tenant
			}
			tenant = c.tenantOr(tenant)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := c.newApp(ctx, true)
			if err != nil {
				return err
			}
			defer application.Shutdown(context.Background())

			runner := eval.NewRunner(agentChatter(application, tenant),
				eval.WithParallelism(parallel),
				eval.WithCaseTimeout(caseTimeout),
			)
			rep, err := runner.Run(ctx, suite.Cases)
			if err != nil {
				return err
			}
			rep.GeneratedAt = time.Now().UTC()

			out := cmd.OutOrStdout()
			if err := printReport(out, rep); err != nil {
				return err
			}
			if outputPath != "" && outputPath != "-" {
				if err := eval.WriteReportFile(outputPath, rep); err != nil {
					return err
				}
				fmt.Fprintf(out, "\nresults written to %s\n", outputPath)
			}
			if baseline == nil {
				return nil
			}
			cmp := eval.Compare(baseline, rep)
			printComparison(out, cmp)
			if cmp.HasRegressions() {
				return errRegressions
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&casesPath, "cases", "", "YAML file with the cases to run")
	cmd.Flags().StringVar(&baselinePath, "baseline", "", "results JSON of an earlier run to compare against")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "evaluation_results.json", `where to write the results JSON ("-" to skip)`)
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant (default: the cases file's tenant, then database.default_tenant)")
	cmd.Flags().IntVar(&parallel, "parallel", 1, "cases run at once")
	cmd.Flags().DurationVar(&caseTimeout, "case-timeout", 2*time.Minute, "time limit per case (0 for none)")
	_ = cmd.MarkFlagRequired("cases")
	return cmd
}

// agentChatter builds a fresh agent per case and reports its tool dispatches.
func agentChatter(a *app.App, tenant string) eval.NewChatter {
	return func(ctx context.Context, onTool func(string)) (eval.Chatter, error) {
		ag, err := a.NewAgentWith(ctx, tenant, agent.WithToolObserver(func(call types.ToolCall, _ tool.Result) {
			onTool(call.Name)
		}))
		if errors.Is(err, app.ErrNoProvider) {
			return nil, errors.New("eval needs an llm provider; set llm.name and llm.model in the config")
		}
		if err != nil {
			return nil, err
		}
		return ag, nil
	}
}

func printReport(w io.Writer, rep *eval.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CASE\tRESULT\tTIME\tTOOLS\tNOTES")
	for _, r := range rep.Results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2fs\t%s\t%s\n", r.ID, status, r.ResponseSeconds, strings.Join(r.ToolsCalled, ","), r.Notes)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d cases: %d passed, %d failed (%.1f%%), avg %.2fs\n",
		rep.Total, rep.Passed, rep.Failed, rep.PassRate, rep.AverageResponseSeconds)
	return nil
}

func printComparison(w io.Writer, c eval.Comparison) {
	fmt.Fprintf(w, "\nagainst baseline: %d regressed, %d improved, %d unchanged\n",
		len(c.Regressions), len(c.Improvements), c.Unchanged)
	for _, line := range []struct {
		label string
		ids   []string
	}{
		{"regressed", c.Regressions},
		{"improved", c.Improvements},
		{"new", c.Added},
		{"missing", c.Removed},
	} {
		if len(line.ids) > 0 {
			fmt.Fprintf(w, "  %s: %s\n", line.label, strings.Join(line.ids, ", "))
		}
	}
}
