package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "duckling-engine",
		Short: "Task lifecycle engine for autonomous code-change agents",
		Long: `duckling-engine runs the task lifecycle engine: it schedules pending
tasks through a coding assistant, pre-commit checks, and a pull request,
then tracks that PR's reviews until it is merged or closed.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "Path to a config file (default: $HOME/.duckling.yaml)")
	root.PersistentFlags().String("db", "duckling.db", "Path to the engine's storage file (not read: the engine runs on an in-memory store)")
	root.PersistentFlags().String("log-level", "info", "Log level (debug|info|warn|error)")

	_ = viper.BindPFlag("db", root.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))
	viper.SetEnvPrefix("duckling")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cobra.OnInitialize(func() {
		if cfgFile, _ := root.PersistentFlags().GetString("config"); cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.SetConfigName(".duckling")
			viper.SetConfigType("yaml")
			viper.AddConfigPath("$HOME")
			viper.AddConfigPath(".")
		}
		_ = viper.ReadInConfig()
	})

	root.AddCommand(newServeCommand())
	root.AddCommand(newRegisterRepoCommand())
	root.AddCommand(newCreateTaskCommand())
	root.AddCommand(newCancelTaskCommand())
	root.AddCommand(newRetryTaskCommand())
	return root
}
