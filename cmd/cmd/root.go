package cmd

import (
	"github.com/ostafen/firmwalk/internal/env"
	"github.com/spf13/cobra"
)

func Execute() error {
	return NewRootCommand().Execute()
}

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     env.AppName,
		Short:   env.AppName + " - firmware analysis and extraction tool",
		Version: env.Version,
	}

	rootCmd.PersistentFlags().String("config", "", "config file (.toml or .yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-file", "", "append JSON logs to this file")

	rootCmd.AddCommand(
		DefineScanCommand(),
		DefineRulesCommand(),
		DefineReportCommand(),
	)

	return rootCmd
}
