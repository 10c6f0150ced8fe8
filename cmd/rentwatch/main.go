package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rentwatch/internal/app"
	"rentwatch/internal/pipeline"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "rentwatch",
	Short: "Watch rental groups and forward matching posts to Telegram",
	Long: `rentwatch collects posts from the configured sources, drops the ones it
has already seen, classifies the rest against your criteria and sends the
matches to a Telegram chat.

Run without a subcommand to start the continuous loop.`,
	SilenceUsage: true,
	RunE:         runLoop,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run cycles continuously with config hot reload",
	RunE:  runLoop,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single cycle and exit",
	RunE:  runOnce,
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Check storage, classifier, Telegram and schedule without running a cycle",
	RunE:  runSelfTest,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show item counts per lifecycle state",
	RunE:  runStats,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete completed items older than --older-than (default: storage.retention)",
	RunE:  runPrune,
}

var (
	sendTest  bool
	olderThan time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json or yaml)")
	testCmd.Flags().BoolVar(&sendTest, "send", false, "also send a test message")
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age of completed items to delete")

	rootCmd.AddCommand(runCmd, onceCmd, testCmd, statsCmd, pruneCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func open() (*app.App, error) {
	return app.New(cfgPath)
}

func runLoop(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := open()
	if err != nil {
		return err
	}
	runErr := a.Run(ctx)
	reason := app.StopSignal
	if runErr != nil {
		reason = app.StopFatalError
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := a.Close(closeCtx, reason); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func runOnce(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := open()
	if err != nil {
		return err
	}
	defer a.Close(context.Background(), app.StopCompleted)

	rep, err := a.Once(ctx)
	printReport(cmd, rep)
	return err
}

func runSelfTest(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := open()
	if err != nil {
		return err
	}
	defer a.Close(context.Background(), app.StopCompleted)

	checks := a.SelfTest(ctx, sendTest)
	out := cmd.OutOrStdout()
	for _, c := range checks {
		mark := "ok  "
		if !c.OK {
			mark = "FAIL"
		}
		fmt.Fprintf(out, "[%s] %-13s %s\n", mark, c.Name, c.Detail)
	}
	if !app.Passed(checks) {
		return fmt.Errorf("self-test failed")
	}
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	a, err := open()
	if err != nil {
		return err
	}
	defer a.Close(context.Background(), app.StopCompleted)

	st, err := a.Stats(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "total       %d\n", st.Total)
	fmt.Fprintf(out, "new         %d\n", st.New)
	fmt.Fprintf(out, "analyzed    %d\n", st.Analyzed)
	fmt.Fprintf(out, "notified    %d\n", st.Notified)
	fmt.Fprintf(out, "suppressed  %d\n", st.Suppressed)
	return nil
}

func runPrune(cmd *cobra.Command, _ []string) error {
	a, err := open()
	if err != nil {
		return err
	}
	defer a.Close(context.Background(), app.StopCompleted)

	n, err := a.Prune(cmd.Context(), olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d completed items\n", n)
	return nil
}

func printReport(cmd *cobra.Command, rep pipeline.Report) {
	out := cmd.OutOrStdout()
	for _, s := range append([]pipeline.SourceReport{rep.Resumed}, rep.Sources...) {
		if s.Source == pipeline.ResumeSource && s.New+s.Notified+s.Suppressed+s.Pending == 0 {
			continue
		}
		status := "ok"
		if s.Err != nil {
			status = s.Err.Error()
		}
		fmt.Fprintf(out, "%-20s fetched=%d new=%d known=%d notified=%d suppressed=%d pending=%d fallback=%d  %s\n",
			s.Source, s.Fetched, s.New, s.Known, s.Notified, s.Suppressed, s.Pending, s.Fallback, status)
	}
	t := rep.Totals()
	fmt.Fprintf(out, "cycle took %s: %d new, %d notified, %d suppressed, %d pending; backlog %d\n",
		rep.Took.Round(time.Millisecond), t.New, t.Notified, t.Suppressed, t.Pending, rep.Backlog)
}
