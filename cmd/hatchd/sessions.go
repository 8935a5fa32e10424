package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/usehatch/hatch/internal/config"
	ws "github.com/usehatch/hatch/internal/websocket"
)

var adminSessionID string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Session administration",
}

// sessionsResetCmd asks the running daemon, via the relay, to unblock a
// tracked session. Blocking never expires on its own; this is the only
// way out.
var sessionsResetCmd = &cobra.Command{
	Use:   "reset <session-id>",
	Short: "Reset a blocked session (requires system:admin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsReset,
}

func init() {
	sessionsResetCmd.Flags().StringVar(&adminSessionID, "admin-session", "", "Session ID holding system:admin")
	sessionsCmd.AddCommand(sessionsResetCmd)
}

func runSessionsReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(false)
	if err != nil {
		return err
	}

	token := cfg.GetToken(cfg.RelayURL)
	if token == "" {
		return fmt.Errorf("no auth token configured for relay %s", cfg.RelayURL)
	}

	client := ws.NewClient(cfg.RelayURL, token, cfg.DeviceID+"-cli", nil)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to reach relay: %w", err)
	}
	defer client.Close()

	payload, _ := json.Marshal(map[string]string{
		"session_id":       args[0],
		"admin_session_id": adminSessionID,
	})
	err = client.SendMessage(&ws.Message{
		UserID:     cfg.UserID,
		DeviceType: "cli",
		Type:       ws.MessageTypeResetSession,
		Payload:    payload,
	})
	if err != nil {
		return err
	}

	// Give the write a moment to flush before tearing the socket down.
	time.Sleep(200 * time.Millisecond)
	fmt.Printf("Reset requested for session %s\n", args[0])
	return nil
}
