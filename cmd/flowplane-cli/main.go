// Flowplane CLI — инструмент командной строки для управления
// deployments, work queues и runs через HTTP API.
//
// Использование:
//
//	flowplane [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	deployment  Управление deployments
//	queue       Управление work queues
//	run         Управление runs
//	agent       Просмотр агентов
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Flowplane/internal/cli"
	"github.com/shaiso/Flowplane/internal/client"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "flowplane",
		Short:         "Flowplane CLI — orchestration control plane tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8080", "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *client.Client { return client.New(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewDeploymentCmd(clientFn, outputFn),
		cli.NewQueueCmd(clientFn, outputFn),
		cli.NewRunCmd(clientFn, outputFn),
		cli.NewAgentCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
