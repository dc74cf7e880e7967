package main

import (
	"fmt"
	"os"

	"github.com/hookgate/hookgate"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// tokensE lists the configured webhook tokens and their room bindings.
func tokensE(cmd *cobra.Command, args []string) error {
	config, err := hookgate.LoadConfig(hookgate.OptionsFilePath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if len(config.KnownTokens) == 0 {
		cmd.Println("No tokens configured.")
		cmd.Println("Set KNOWN_TOKENS to 'token,room,app_name' triples, one per line.")
		return nil
	}

	cmd.Println(headerStyle.Render("Configured webhook tokens"))
	cmd.Println()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Token", "Room", "App Name")

	for token, binding := range config.KnownTokens {
		table.Append([]string{token, binding.Room, binding.AppName})
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
