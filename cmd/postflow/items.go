package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"postflow/internal/app"
	"postflow/internal/scheduler"
)

// withApp builds the app without starting background services.
func withApp(f *rootFlags, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.New(f.config)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, app.StopCommand)
	}()
	return fn(context.Background(), a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSweepCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Recover stuck items and run one due sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(f, func(ctx context.Context, a *app.App) error {
				recovered, swept, err := a.SweepOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, struct {
					Recovery scheduler.SweepReport `json:"recovery"`
					Sweep    scheduler.SweepReport `json:"sweep"`
				}{recovered, swept})
			})
		},
	}
}

func newItemCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "item <user> <item-id>",
		Short: "Print a scheduled item with its publish history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(f, func(ctx context.Context, a *app.App) error {
				it, err := a.Scheduler().Item(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd, it)
			})
		},
	}
}

func newCancelCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <user> <item-id>",
		Short: "Cancel a pending item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(f, func(ctx context.Context, a *app.App) error {
				ok, err := a.Scheduler().Cancel(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled: %t\n", ok)
				return nil
			})
		},
	}
}
