// Package cmd wires the orchestrate CLI: the orchestrator run itself plus
// the small operator tools around the shared communications document.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/orchestrate/internal/config"
	"github.com/zjrosen/orchestrate/internal/log"
)

var (
	version  = "dev"
	cfgFile  string
	commFile string
	debug    bool
	cfg      config.Config
)

var rootCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Plan-driven orchestration of headless coding agents",
	Long: `Orchestrate runs a fleet of headless coding agents against a project
plan: it claims tasks, supervises agent processes through their lifecycle,
routes CI events, and mediates agent-to-agent requests through a shared
communications document.`,
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if commFile != "" {
			cfg.CommFile = commFile
		}
		if debug || os.Getenv("ORCHESTRATE_DEBUG") != "" {
			log.InitWithWriter(os.Stderr)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .orchestrate/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&commFile, "comm-file", "f", "",
		"communications document path (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"log debug output to stderr")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
