package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	config  string
	envFile string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "postflow",
		Short:         "Scheduled multi-platform social publishing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(f.envFile, cmd.Flags().Changed("env-file"))
		},
	}
	cmd.PersistentFlags().StringVar(&f.config, "config", "./postflow.yaml", "config file (YAML or JSON)")
	cmd.PersistentFlags().StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before the config is read")

	cmd.AddCommand(
		newServeCmd(f),
		newSweepCmd(f),
		newItemCmd(f),
		newCancelCmd(f),
	)
	return cmd
}

// loadEnv loads a dotenv file without overriding the process environment. A
// missing default file is fine; a missing explicit one is not.
func loadEnv(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && !explicit {
		return nil
	}
	return godotenv.Load(path)
}
