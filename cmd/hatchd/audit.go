package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/usehatch/hatch/internal/audit"
	"github.com/usehatch/hatch/internal/config"
)

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent security events",
	RunE:  runAudit,
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of events to show")
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(false)
	if err != nil {
		return err
	}

	sink, err := audit.NewSQLiteSink(cfg.AuditDBPath)
	if err != nil {
		return fmt.Errorf("failed to open audit database: %w", err)
	}
	defer sink.Close()

	events, err := sink.Recent(auditLimit)
	if err != nil {
		return err
	}

	for _, ev := range events {
		session := ev.SessionID
		if session == "" {
			session = "-"
		}
		fmt.Printf("%s  %-8s %-22s session=%s %v\n",
			ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Level, ev.Type, session, ev.Detail)
	}
	return nil
}
