package main

import (
	"os"

	"github.com/hookgate/hookgate"
	"github.com/spf13/cobra"
)

// launchE is the container entrypoint: settings file, forced overrides, then
// one synchronous run of the wrapped program. It doubles as the root
// command's RunE, where the launch subcommand's flags are not registered,
// so the flag lookup has to tolerate their absence.
func launchE(cmd *cobra.Command, args []string) error {
	settingsPath := hookgate.SettingsFilePath
	if flag := cmd.Flags().Lookup("settings-file"); flag != nil && flag.Value.String() != "" {
		settingsPath = flag.Value.String()
	}

	exitCode, err := hookgate.Launch(settingsPath, args)
	if err != nil {
		return err
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}
