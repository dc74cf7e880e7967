package main

import (
	"fmt"
	"os"
	"time"

	"github.com/hookgate/hookgate"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// storeInspectE dumps the devices and sync tokens from the session store.
func storeInspectE(cmd *cobra.Command, args []string) error {
	config, err := hookgate.LoadConfig(hookgate.OptionsFilePath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := hookgate.OpenSessionStore(config.StorePath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()

	devices, err := store.Devices()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	tokens, err := store.SyncTokens()
	if err != nil {
		return fmt.Errorf("failed to list sync tokens: %w", err)
	}

	cmd.Println(headerStyle.Render("Devices"))
	if len(devices) == 0 {
		cmd.Println("  (none)")
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("User ID", "Device ID", "Created At")
		for _, d := range devices {
			table.Append([]string{d.UserID, d.DeviceID, d.CreatedAt.Format(time.RFC3339)})
		}
		if err := table.Render(); err != nil {
			return fmt.Errorf("failed to render table: %w", err)
		}
	}

	cmd.Println()
	cmd.Println(headerStyle.Render("Sync tokens"))
	if len(tokens) == 0 {
		cmd.Println("  (none)")
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("User ID", "Token", "Updated At")
		for _, t := range tokens {
			table.Append([]string{t.UserID, t.Token, t.UpdatedAt.Format(time.RFC3339)})
		}
		if err := table.Render(); err != nil {
			return fmt.Errorf("failed to render table: %w", err)
		}
	}

	return nil
}
