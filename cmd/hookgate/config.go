package main

import (
	"fmt"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/hookgate/hookgate"
	"github.com/spf13/cobra"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
var maskedStyle = lipgloss.NewStyle().Faint(true)

// configE prints the resolved configuration. Secrets are masked.
func configE(cmd *cobra.Command, args []string) error {
	config, err := hookgate.LoadConfig(hookgate.OptionsFilePath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cmd.Println(headerStyle.Render("Resolved configuration"))
	cmd.Println()
	cmd.Printf("  webhook_port:     %d\n", config.WebhookPort)
	cmd.Printf("  matrix_server:    %s\n", config.MatrixServer)
	cmd.Printf("  matrix_userid:    %s\n", config.MatrixUserID)
	cmd.Printf("  matrix_password:  %s\n", maskedStyle.Render(mask(config.MatrixPassword)))
	cmd.Printf("  matrix_device:    %s\n", config.MatrixDevice)
	cmd.Printf("  matrix_sslverify: %t\n", config.MatrixSSLVerify)
	cmd.Printf("  admin_room:       %s\n", config.AdminRoom)
	cmd.Printf("  store_path:       %s\n", config.StorePath)
	cmd.Printf("  message_format:   %s\n", config.MessageFormat)
	cmd.Printf("  allow_unicode:    %t\n", config.AllowUnicode)
	cmd.Printf("  use_markdown:     %t\n", config.UseMarkdown)
	cmd.Printf("  display_app_name: %t\n", config.DisplayAppName)
	cmd.Printf("  known_tokens:     %d configured\n", len(config.KnownTokens))

	return nil
}

// mask hides all but a hint of the secret's presence.
func mask(secret string) string {
	if secret == "" {
		return "(not set)"
	}
	return strings.Repeat("*", 8)
}
