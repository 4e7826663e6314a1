package main

import (
	"encoding/json"
	"io"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/health-report/internal/model"
	"github.com/sells-group/health-report/internal/pipeline"
)

var (
	runTopic           string
	runDays            int
	runMetricsTextfile string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the workflow once and write a report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		topic := runTopic
		if topic == "" {
			topic = cfg.News.DefaultTopic
		}

		report, err := env.Pipeline.Run(ctx, pipeline.Request{Topic: topic, LookbackDays: runDays})
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		if runMetricsTextfile != "" {
			if err := prometheus.WriteToTextfile(runMetricsTextfile, env.Registry); err != nil {
				zap.L().Warn("writing metrics textfile", zap.String("path", runMetricsTextfile), zap.Error(err))
			}
		}

		if err := printReport(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		return runExitError(report)
	},
}

// printReport writes the run report as indented JSON.
func printReport(w io.Writer, report *model.RunReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// runExitError turns a failed run into a non-zero exit. A partially failed
// run still produced its report and exits cleanly.
func runExitError(report *model.RunReport) error {
	if report.Status != model.RunStatusFailed {
		return nil
	}
	return eris.Errorf("run %s failed with %d error(s)", report.RunID, len(report.Errors))
}

func init() {
	runCmd.Flags().StringVar(&runTopic, "topic", "", "news topic (default from config)")
	runCmd.Flags().IntVar(&runDays, "days", 0, "lookback window in days; 0 keeps the last 12 calendar months")
	runCmd.Flags().StringVar(&runMetricsTextfile, "metrics-textfile", "", "write prometheus metrics to this file after the run")
	rootCmd.AddCommand(runCmd)
}
