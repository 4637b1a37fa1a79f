package command

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/d60-Lab/linkpilot/pkg/logger"
)

func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the control surface until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close(context.Background())
				_ = logger.Sync()
			}()
			return a.Serve(ctx)
		},
	}
}
