package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/Flowplane/internal/client"
	"github.com/shaiso/Flowplane/internal/definition"
)

// NewDeploymentCmd создаёт группу команд для управления deployments.
func NewDeploymentCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployment",
		Short: "Manage deployments",
	}

	cmd.AddCommand(
		newDeploymentListCmd(clientFn, outputFn),
		newDeploymentApplyCmd(clientFn, outputFn),
		newDeploymentShowCmd(clientFn, outputFn),
		newDeploymentDeleteCmd(clientFn, outputFn),
		newDeploymentRunCmd(clientFn, outputFn),
		newDeploymentSetScheduleCmd(clientFn, outputFn),
	)

	return cmd
}

func deploymentRow(d *client.DeploymentResponse) []string {
	schedule := "-"
	if d.Schedule != nil && !d.Schedule.IsZero() {
		schedule = string(d.Schedule.Kind)
	}
	queue := d.WorkQueueName
	if queue == "" {
		queue = "(tags)"
	}
	return []string{
		d.ID, d.FlowName, d.Name, schedule,
		strconv.FormatBool(d.IsScheduleActive), queue,
	}
}

var deploymentHeaders = []string{"ID", "FLOW", "NAME", "SCHEDULE", "ACTIVE", "QUEUE"}

func newDeploymentListCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var flowID string
	var workQueue string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFn()
			out := outputFn()

			deployments, err := c.ListDeployments(client.ListDeploymentsOpts{
				FlowID:    flowID,
				WorkQueue: workQueue,
				Limit:     limit,
			})
			if err != nil {
				return err
			}

			rows := make([][]string, len(deployments))
			for i := range deployments {
				rows[i] = deploymentRow(&deployments[i])
			}

			out.Print(deploymentHeaders, rows, deployments)
			return nil
		},
	}

	cmd.Flags().StringVar(&flowID, "flow-id", "", "Filter by flow ID")
	cmd.Flags().StringVar(&workQueue, "queue", "", "Filter by work queue")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of deployments")

	return cmd
}

func newDeploymentApplyCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "apply FILE",
		Short: "Create or update a deployment from a definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFn()
			out := outputFn()

			doc, err := definition.LoadFile(args[0])
			if err != nil {
				return err
			}

			d, err := c.ApplyDeployment(client.UpsertDeploymentRequest{
				FlowName:         doc.FlowName,
				Name:             doc.Name,
				Description:      doc.Description,
				Tags:             doc.Tags,
				Parameters:       doc.Parameters,
				ParameterSchema:  doc.ParameterSchema,
				Schedule:         doc.Schedule,
				IsScheduleActive: doc.IsScheduleActive,
				WorkQueueName:    doc.WorkQueueName,
				StorageRef:       doc.StorageRef,
				InfraTemplate:    doc.InfraTemplate,
				InfraOverrides:   doc.InfraOverrides,
			})
			if err != nil {
				return err
			}

			if save {
				// Обновляем сгенерированную секцию файла серверным состоянием
				doc.ParameterSchema = d.ParameterSchema
				doc.StorageRef = d.StorageRef
				doc.InfraTemplate = d.InfraTemplate
				if err := definition.WriteFile(args[0], doc); err != nil {
					return err
				}
			}

			out.Success(fmt.Sprintf("Deployment applied: %s/%s (%s)", d.FlowName, d.Name, d.ID))
			out.Print(deploymentHeaders, [][]string{deploymentRow(d)}, d)
			return nil
		},
	}

	cmd.Flags().BoolVar(&save, "save", false, "Write server-generated fields back to FILE")

	return cmd
}

func newDeploymentShowCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var flowName string
	var name string

	cmd := &cobra.Command{
		Use:   "show [ID]",
		Short: "Show deployment details",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFn()
			out := outputFn()

			var d *client.DeploymentResponse
			var err error
			switch {
			case len(args) == 1:
				d, err = c.GetDeployment(args[0])
			case flowName != "" && name != "":
				d, err = c.GetDeploymentByName(flowName, name)
			default:
				return fmt.Errorf("either ID or --flow with --name is required")
			}
			if err != nil {
				return err
			}

			out.Print(deploymentHeaders, [][]string{deploymentRow(d)}, d)
			return nil
		},
	}

	cmd.Flags().StringVar(&flowName, "flow", "", "Flow name")
	cmd.Flags().StringVar(&name, "name", "", "Deployment name")

	return cmd
}

func newDeploymentDeleteCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a deployment and cancel its scheduled runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFn()
			out := outputFn()

			if err := c.DeleteDeployment(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Deployment deleted: %s", args[0]))
			return nil
		},
	}
}

func newDeploymentRunCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "run ID",
		Short: "Trigger an ad-hoc run of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFn()
			out := outputFn()

			overrides, err := parseParams(params)
			if err != nil {
				return err
			}

			run, err := c.CreateRun(args[0], client.CreateRunRequest{
				Parameters: overrides,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run created: %s", run.ID))
			out.Print(runHeaders, [][]string{runRow(run)}, run)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&params, "param", nil, "Parameter override key=value (repeatable)")

	return cmd
}

func newDeploymentSetScheduleCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "set-schedule ID on|off",
		Short: "Enable or disable deployment schedule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFn()
			out := outputFn()

			var active bool
			switch args[1] {
			case "on":
				active = true
			case "off":
				active = false
			default:
				return fmt.Errorf("second argument must be on or off, got %q", args[1])
			}

			d, err := c.SetScheduleActive(args[0], active)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Schedule %s for %s/%s", args[1], d.FlowName, d.Name))
			out.Print(deploymentHeaders, [][]string{deploymentRow(d)}, d)
			return nil
		},
	}
}

// parseParams разбирает флаги --param key=value в map параметров.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", pair)
		}
		params[key] = value
	}
	return params, nil
}
