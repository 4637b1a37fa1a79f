// Package command linkpilot 命令行：serve（默认）、run、migrate、doctor。
package command

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/d60-Lab/linkpilot/config"
	"github.com/d60-Lab/linkpilot/internal/app"
	"github.com/d60-Lab/linkpilot/pkg/logger"
)

const AppName = "linkpilot"

// Version 构建时用 -ldflags 覆盖
var Version = "dev"

func NewRootCmd(version string) *cobra.Command {
	serve := NewServeCmd()
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "LinkedIn automation agent with quotas, approvals and retries",
		SilenceUsage:  true,
		SilenceErrors: true,
		// 不带子命令时等同于 serve
		RunE: serve.RunE,
	}
	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", "", "config file (default ./config.yaml, or $LINKPILOT_CONFIG)")

	cmd.AddCommand(
		serve,
		NewRunCmd(),
		NewMigrateCmd(),
		NewDoctorCmd(),
	)
	return cmd
}

// Execute 入口
func Execute() error {
	return NewRootCmd(Version).Execute()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildApp(ctx context.Context, cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.Options{})
}
