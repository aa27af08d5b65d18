package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/Flowplane/internal/client"
)

var queueHeaders = []string{"NAME", "PAUSED", "TAG_FILTER", "CONCURRENCY", "CREATED"}

func queueRow(q *client.WorkQueueResponse) []string {
	concurrency := "-"
	if q.ConcurrencyLimit != nil {
		concurrency = strconv.Itoa(*q.ConcurrencyLimit)
	}
	tagFilter := "-"
	if len(q.TagFilter) > 0 {
		tagFilter = strings.Join(q.TagFilter, ",")
	}
	return []string{
		q.Name, strconv.FormatBool(q.IsPaused), tagFilter,
		concurrency, formatTime(&q.CreatedAt),
	}
}

// NewQueueCmd создаёт группу команд для управления work queues.
func NewQueueCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage work queues",
	}

	cmd.AddCommand(
		newQueueListCmd(clientFn, outputFn),
		newQueueCreateCmd(clientFn, outputFn),
		newQueueShowCmd(clientFn, outputFn),
		newQueuePauseCmd(clientFn, outputFn, true),
		newQueuePauseCmd(clientFn, outputFn, false),
		newQueueDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

func newQueueListCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List work queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFn()
			out := outputFn()

			queues, err := c.ListWorkQueues()
			if err != nil {
				return err
			}

			rows := make([][]string, len(queues))
			for i := range queues {
				rows[i] = queueRow(&queues[i])
			}

			out.Print(queueHeaders, rows, queues)
			return nil
		},
	}
}

func newQueueCreateCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var description string
	var tagFilter []string
	var concurrency int

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a work queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFn()
			out := outputFn()

			req := client.WorkQueueRequest{
				Name:        args[0],
				Description: description,
				TagFilter:   tagFilter,
			}
			if cmd.Flags().Changed("concurrency") {
				req.ConcurrencyLimit = &concurrency
			}

			q, err := c.CreateWorkQueue(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Work queue created: %s", q.Name))
			out.Print(queueHeaders, [][]string{queueRow(q)}, q)
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "Queue description")
	cmd.Flags().StringSliceVar(&tagFilter, "tag", nil, "Legacy tag filter (repeatable)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Maximum concurrent runs")

	return cmd
}

func newQueueShowCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show work queue details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFn()
			out := outputFn()

			q, err := c.GetWorkQueue(args[0])
			if err != nil {
				return err
			}

			out.Print(queueHeaders, [][]string{queueRow(q)}, q)
			return nil
		},
	}
}

func newQueuePauseCmd(clientFn func() *client.Client, outputFn func() *Output, pause bool) *cobra.Command {
	use, short := "pause NAME", "Pause a work queue (polls are refused)"
	if !pause {
		use, short = "resume NAME", "Resume a paused work queue"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFn()
			out := outputFn()

			if err := c.SetWorkQueuePaused(args[0], pause); err != nil {
				return err
			}

			if pause {
				out.Success(fmt.Sprintf("Work queue paused: %s", args[0]))
			} else {
				out.Success(fmt.Sprintf("Work queue resumed: %s", args[0]))
			}
			return nil
		},
	}
}

func newQueueDeleteCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a work queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFn()
			out := outputFn()

			if err := c.DeleteWorkQueue(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Work queue deleted: %s", args[0]))
			return nil
		},
	}
}
