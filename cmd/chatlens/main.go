package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatlens/cmd/chatlens/cmds"
)

var rootCmd = &cobra.Command{
	Use:   "chatlens",
	Short: "Follow analytics chat sessions and their query context",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromCobra(cmd)
	},
}

func main() {
	if err := clay.InitGlazed("chatlens", rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	replayCmd, err := cmds.NewReplayCommand()
	cobra.CheckErr(err)
	command, err := cli.BuildCobraCommand(replayCmd)
	cobra.CheckErr(err)
	rootCmd.AddCommand(command)

	listenCmd, err := cmds.NewListenCommand()
	cobra.CheckErr(err)
	command, err = cli.BuildCobraCommand(listenCmd)
	cobra.CheckErr(err)
	rootCmd.AddCommand(command)

	cmds.AddContextCommands(rootCmd)

	cobra.CheckErr(rootCmd.Execute())
}
