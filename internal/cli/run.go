package cli

import (
	"context"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"edgerelay/internal/app"
	"edgerelay/pkg/state"
	"edgerelay/pkg/state/logger"
	"edgerelay/pkg/state/shutdown"
)

const shutdownTimeout = 20 * time.Second

func newRoleCommand(g *globalFlags, info BuildInfo, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := app.ParseRole(use)
			if err != nil {
				return err
			}
			return runRole(cmd, g, info, role)
		},
	}
}

func runRole(cmd *cobra.Command, g *globalFlags, info BuildInfo, role app.Role) error {
	eff, err := g.loadConfig(cmd)
	if err != nil {
		shutdown.Abort("invalid configuration", err, "")
		return err
	}
	cfg := eff.Config

	var extra []string
	for _, name := range cfg.ServiceNames() {
		svc := cfg.Services[name]
		if role.Ingest() {
			extra = append(extra, svc.InputDir)
		}
		if role.Harvest() {
			extra = append(extra, svc.ResultDir)
		}
	}
	paths, err := state.Init(eff.Workspace, extra...)
	if err != nil {
		shutdown.Abort("failed to ensure workspace directories under "+eff.Workspace, err, "")
		return err
	}

	logDir := paths.Log
	if cfg.Logging.File != nil && !*cfg.Logging.File {
		logDir = ""
	}
	logger.Init(cfg.Logging.Level, logDir, "edgerelay-"+string(role))
	defer logger.Sync()
	logger.Info("effective_config_loaded", "source", eff.Source, "addr", eff.Addr, "workspace", eff.Workspace, "role", string(role))
	logger.Info("system_logical_cores", "logical_cores", runtime.NumCPU())

	a, err := app.New(eff, role, paths, info.String())
	if err != nil {
		shutdown.Abort("failed to initialize app", err, paths.Crash)
		return err
	}

	ctx, cancel := shutdown.SetupSignalHandler(cmd.Context())
	defer cancel()
	if err := a.Run(ctx); err != nil {
		shutdown.Abort("app run failed", err, paths.Crash)
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return a.Shutdown(shutdownCtx)
}
