package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createSendCmdCommand(globalFlags),
		createDumpBufferCommand(globalFlags),
		createDownloadCommand(globalFlags),
		createTransferCommand(globalFlags),
		createCheckRemoteCommand(globalFlags),
		createJobsCommand(globalFlags),
		createConfigCommand(globalFlags),
		createPortsCommand(),
		createStatusCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "fielddaq",
		Short: "Field data-acquisition daemon",
		Long: `fielddaq polls field instruments on a wall-clock schedule, writes
interval data files, zips completed files and ships them to a remote archive.

Examples:
  fielddaq serve --config=fielddaq.toml          # run the daemon
  fielddaq send-cmd --instrument=49i --cmd="o3"  # talk to one instrument
  fielddaq transfer                              # one transfer pass now
  fielddaq status --api-url=http://station:8080/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML or YAML config file")
	return root
}
