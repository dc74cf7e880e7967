package main

import (
	"fmt"

	"charm.land/glamour/v2"
	"github.com/hookgate/hookgate"
	"github.com/spf13/cobra"
)

// docsE renders the embedded usage documentation in the terminal.
func docsE(cmd *cobra.Command, args []string) error {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithEnvironmentConfig(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return fmt.Errorf("failed to create renderer: %w", err)
	}

	out, err := renderer.Render(hookgate.UsageMD)
	if err != nil {
		return fmt.Errorf("failed to render docs: %w", err)
	}

	cmd.Print(out)
	return nil
}
