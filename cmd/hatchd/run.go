package main

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/usehatch/hatch/internal/agent"
)

var devMode bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon",
	Long:  `Starts the daemon: connects to the relay, registers adapters, and serves client requests until interrupted.`,
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().BoolVar(&devMode, "dev", false, "Connect to the local dev relay")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	a, err := agent.New(devMode)
	if err != nil {
		return err
	}
	return a.Start()
}
