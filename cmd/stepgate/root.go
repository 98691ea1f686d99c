package main

import (
	"github.com/spf13/cobra"
)

// cliFlags are the command line overrides, applied only when set.
type cliFlags struct {
	baseURL      string
	logLevel     string
	listenAddr   string
	dbPath       string
	workflowsDir string
	pipelinesDir string
	skillsDir    string
	noWatch      bool
	stdio        bool
}

// app carries the resolved configuration to the subcommands.
type app struct {
	cfg   Config
	flags cliFlags
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "stepgate",
		Short: "Approval-gated pipelines and step workflows for coding agents",
		Long: `stepgate runs a local daemon that enforces step workflows on agent CLI
sessions through hooks, and runs approval-gated pipelines exposed over HTTP
and MCP.

Configuration is layered: defaults, ~/.stepgate/settings.json, STEPGATE_*
environment variables, then command line flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.resolve(cmd)
		},
	}
	root.SetVersionTemplate(`{{printf "stepgate version %s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.baseURL, "base-url", "", "daemon base URL (derived from listen-addr if empty)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newApproveCmd(a),
		newRejectCmd(a),
		newStatusCmd(a),
		newDiagramCmd(a),
		newVersionCmd(),
	)
	return root
}

// resolve loads the layered config and applies the flags that were set.
func (a *app) resolve(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	set := cmd.Flags().Changed
	overrides := []struct {
		name string
		dst  *string
		val  string
	}{
		{"base-url", &cfg.BaseURL, a.flags.baseURL},
		{"log-level", &cfg.LogLevel, a.flags.logLevel},
		{"listen-addr", &cfg.ListenAddr, a.flags.listenAddr},
		{"db-path", &cfg.DBPath, a.flags.dbPath},
		{"workflows-dir", &cfg.WorkflowsDir, a.flags.workflowsDir},
		{"pipelines-dir", &cfg.PipelinesDir, a.flags.pipelinesDir},
		{"skills-dir", &cfg.SkillsDir, a.flags.skillsDir},
	}
	for _, o := range overrides {
		if set(o.name) {
			*o.dst = o.val
		}
	}
	if set("no-watch") && a.flags.noWatch {
		cfg.Watch = false
	}
	cfg.finalize()
	a.cfg = cfg
	return nil
}
