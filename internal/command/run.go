package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/d60-Lab/linkpilot/internal/app"
)

// NewRunCmd 在前台同步执行一次任务，和调度器共用同一份闸门与计数
func NewRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "run <job>",
		Short:     "Run one job immediately and print its status",
		Long:      "Run one job synchronously. Jobs: " + strings.Join(app.JobIDs, ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: app.JobIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			status, err := a.Scheduler.RunSync(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], status)
			return nil
		},
	}
}
