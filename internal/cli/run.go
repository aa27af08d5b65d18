package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Flowplane/internal/client"
)

var runHeaders = []string{"ID", "STATE", "QUEUE", "SCHEDULED", "CREATED"}

func runRow(r *client.RunResponse) []string {
	queue := r.WorkQueueName
	if queue == "" {
		queue = "(tags)"
	}
	return []string{
		r.ID, r.State, queue,
		formatTime(&r.ScheduledStartTime),
		formatTime(&r.CreatedAt),
	}
}

// formatTime выводит время в локальной зоне, "-" для nil.
func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
	}

	cmd.AddCommand(
		newRunListCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newRunListCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var deploymentID string
	var state string
	var queue string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFn()
			out := outputFn()

			runs, err := c.ListRuns(client.ListRunsOpts{
				DeploymentID: deploymentID,
				State:        state,
				WorkQueue:    queue,
				Limit:        limit,
			})
			if err != nil {
				return err
			}

			rows := make([][]string, len(runs))
			for i := range runs {
				rows[i] = runRow(&runs[i])
			}

			out.Print(runHeaders, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&deploymentID, "deployment-id", "", "Filter by deployment ID")
	cmd.Flags().StringVar(&state, "state", "", "Filter by state (SCHEDULED, LATE, PENDING, RUNNING, ...)")
	cmd.Flags().StringVar(&queue, "queue", "", "Filter by work queue")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of runs")

	return cmd
}

func newRunShowCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFn()
			out := outputFn()

			run, err := c.GetRun(args[0])
			if err != nil {
				return err
			}

			headers := []string{"ID", "STATE", "REASON", "QUEUE", "SCHEDULED", "STARTED", "FINISHED"}
			rows := [][]string{{
				run.ID, run.State, run.StateReason, run.WorkQueueName,
				formatTime(&run.ScheduledStartTime),
				formatTime(run.StartedAt),
				formatTime(run.FinishedAt),
			}}

			out.Print(headers, rows, run)
			return nil
		},
	}
}

func newRunCancelCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFn()
			out := outputFn()

			run, err := c.CancelRun(args[0], reason)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run cancelled: %s", run.ID))
			out.Print(runHeaders, [][]string{runRow(run)}, run)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason")

	return cmd
}
