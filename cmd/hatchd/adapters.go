package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/usehatch/hatch/internal/adapter"
	_ "github.com/usehatch/hatch/internal/adapter/adapters"
)

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "List compiled-in adapters and probe their tool binaries",
	RunE:  runAdapters,
}

func runAdapters(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	for _, name := range adapter.Builtins() {
		ad, err := adapter.NewBuiltin(name)
		if err != nil {
			continue
		}

		status := "available"
		if err := ad.Initialize(ctx, adapter.Config{Name: name, Enabled: true}); err != nil {
			status = fmt.Sprintf("unavailable (%v)", err)
		}

		fmt.Printf("%-12s v%-8s %v\n", ad.Name(), ad.Version(), ad.Capabilities())
		fmt.Printf("             %s\n", status)
	}
	return nil
}
