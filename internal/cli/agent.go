package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/Flowplane/internal/client"
)

// NewAgentCmd создаёт группу команд для просмотра агентов.
func NewAgentCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect agents",
	}

	cmd.AddCommand(newAgentListCmd(clientFn, outputFn))

	return cmd
}

func newAgentListCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFn()
			out := outputFn()

			agents, err := c.ListAgents()
			if err != nil {
				return err
			}

			headers := []string{"AGENT_ID", "QUEUES", "LAST_SEEN"}
			rows := make([][]string, len(agents))
			for i, a := range agents {
				rows[i] = []string{
					a.AgentID,
					strings.Join(a.WorkQueues, ","),
					formatTime(&a.LastSeenAt),
				}
			}

			out.Print(headers, rows, agents)
			return nil
		},
	}
}
