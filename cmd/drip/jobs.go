package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var jobsDeadLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Delivery job commands",
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job queue statistics",
	RunE:  runJobsStats,
}

var jobsDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead delivery jobs",
	RunE:  runJobsDead,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <mailing_id>",
	Short: "Retry a dead delivery job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRetry,
}

func init() {
	jobsDeadCmd.Flags().IntVar(&jobsDeadLimit, "limit", 50, "Maximum number of jobs to show")

	jobsCmd.AddCommand(jobsStatsCmd, jobsDeadCmd, jobsRetryCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobsStats(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	stats, err := application.Jobs().Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get job stats: %w", err)
	}

	fmt.Println("Job Queue Statistics")
	fmt.Println("====================")
	fmt.Printf("Total:     %d\n", stats.Total)
	fmt.Printf("Pending:   %d\n", stats.Pending)
	fmt.Printf("Running:   %d\n", stats.Running)
	fmt.Printf("Deferred:  %d\n", stats.Deferred)
	fmt.Printf("Dead:      %d\n", stats.Dead)
	if !stats.OldestAt.IsZero() {
		fmt.Printf("Oldest:    %s\n", stats.OldestAt.Format(time.RFC3339))
	}

	return nil
}

func runJobsDead(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	dead, err := application.Jobs().ListDead(cmd.Context(), jobsDeadLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead jobs: %w", err)
	}

	if len(dead) == 0 {
		fmt.Println("Dead letter queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MAILING\tATTEMPTS\tUPDATED\tERROR")
	fmt.Fprintln(w, "-------\t--------\t-------\t-----")

	for _, job := range dead {
		lastErr := job.LastError
		if len(lastErr) > 60 {
			lastErr = lastErr[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			job.MailingID,
			job.Attempts,
			job.UpdatedAt.Format("2006-01-02 15:04"),
			lastErr,
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d jobs\n", len(dead))

	return nil
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	if err := application.Jobs().RetryDead(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}

	fmt.Printf("Job %s scheduled for retry\n", args[0])
	return nil
}
