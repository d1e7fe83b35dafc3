// Package cli holds the edgerelay command tree.
package cli

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"edgerelay/pkg/config"
)

// BuildInfo is stamped by the linker.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

func (b BuildInfo) String() string {
	s := b.Version
	if b.Commit != "" && b.Commit != "none" {
		s += " (" + b.Commit + ")"
	}
	if b.BuildDate != "" && b.BuildDate != "unknown" {
		s += " @ " + b.BuildDate
	}
	return s
}

type globalFlags struct {
	config    string
	workspace string
	addr      string
	envFile   string
}

// NewRootCommand assembles the command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "edgerelay",
		Short: "Edge inference batch lifecycle manager",
		Long: `edgerelay receives task units from producers, groups them into batches
that backends consume in arrival order, and ships inference results back
while reporting completions to the scheduler.

Roles:
  run      ingest and harvest in one process
  serve    ingest only (http intake, batch promotion)
  harvest  harvest only (result delivery, completion, metrics)

Configuration sources, lowest to highest precedence: defaults, config file,
EDGERELAY_* environment, flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// a missing .env is fine
			_ = godotenv.Load(g.envFile)
			return nil
		},
	}
	root.Version = info.String()

	pf := root.PersistentFlags()
	pf.StringVarP(&g.config, "config", "c", "config.yaml", "path to config file (env EDGERELAY_CONFIG)")
	pf.StringVar(&g.workspace, "workspace", "", "workspace root directory")
	pf.StringVar(&g.addr, "addr", "", "http listen address host:port")
	pf.StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before configuration")

	root.AddCommand(
		newRoleCommand(g, info, "run", "Run ingest and harvest in one process"),
		newRoleCommand(g, info, "serve", "Run the ingest role"),
		newRoleCommand(g, info, "harvest", "Run the harvest role"),
		newConfigCommand(g),
	)
	return root
}

// flags maps the cobra flags onto config.Flags.
func (g *globalFlags) flags(cmd *cobra.Command) config.Flags {
	pf := cmd.Flags()
	return config.Flags{
		Addr:      g.addr,
		Workspace: g.workspace,
		Config:    g.config,
		Set: map[string]bool{
			"config":    pf.Changed("config"),
			"workspace": pf.Changed("workspace"),
			"addr":      pf.Changed("addr"),
		},
	}
}

// loadConfig layers file, env and flags, then applies defaults and
// validates.
func (g *globalFlags) loadConfig(cmd *cobra.Command) (config.EffectiveConfigResult, error) {
	flags := g.flags(cmd)
	fileCfg, found, err := config.ParseConfigFile(flags)
	if err != nil {
		return config.EffectiveConfigResult{}, err
	}
	eff, err := config.LoadEffectiveConfig(flags, fileCfg, found)
	if err != nil {
		return eff, err
	}
	if err := config.ValidateConfig(&eff); err != nil {
		return eff, err
	}
	return eff, nil
}
