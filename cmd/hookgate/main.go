package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	. "github.com/streamingfast/cli"
	"github.com/streamingfast/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is set via ldflags at build time
var version = "dev"

var zlog, _ = logging.PackageLogger("hookgate", "github.com/hookgate/hookgate/cmd/main")

func init() {
	logging.InstantiateLoggers(logging.WithDefaultLevel(levelFromEnv()))
}

func main() {
	Run(
		"hookgate <command>",
		"Webhook to Matrix gateway",

		ConfigureVersion(version),
		ConfigureViper("HOOKGATE"),

		// Default command (no subcommand = launch)
		Execute(launchE),

		Command(launchE,
			"launch [-- command...]",
			"Container entrypoint: source the settings file, then run the wrapped program once",
			Description(`
				Runs the container entrypoint sequence:
				1. If data/options.env exists, source its KEY=value pairs into the environment
				2. Force HOOKGATE_LOG_LEVEL=debug and LOGIN_STORE_PATH=data/store
				3. Run the wrapped program and exit with its exit code

				The wrapped program runs exactly once. It is not restarted on failure and
				its exit code is propagated unchanged. Without a command, 'hookgate serve'
				is run.
			`),
			Flags(func(flags *pflag.FlagSet) {
				flags.String("settings-file", "", "Override the settings file path (default: data/options.env)")
			}),
		),

		Command(serveE,
			"serve",
			"Run the webhook server and the Matrix client",
			Description(`
				Starts the HTTP webhook server and the Matrix client side by side.
				Webhook posts to /post/{token} are formatted according to MESSAGE_FORMAT
				and delivered to the room bound to the token. The process runs until
				interrupted.
			`),
		),

		Command(configE,
			"config",
			"Print the resolved configuration with secrets masked",
		),

		Command(tokensE,
			"tokens",
			"List the configured webhook tokens and their room bindings",
		),

		Group("store", "Inspect the persistent session store",
			Command(storeInspectE,
				"inspect",
				"Show devices and sync tokens persisted in the session store",
			),
		),

		Command(docsE,
			"docs",
			"Render the usage documentation in the terminal",
		),

		OnCommandError(func(err error) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			zlog.Debug("command error", zap.Error(err))
			os.Exit(1)
		}),
	)
}

// levelFromEnv maps HOOKGATE_LOG_LEVEL to a zap level, defaulting to info.
func levelFromEnv() zapcore.Level {
	raw := os.Getenv("HOOKGATE_LOG_LEVEL")
	if raw == "" {
		return zap.InfoLevel
	}
	level, err := zapcore.ParseLevel(raw)
	if err != nil {
		return zap.InfoLevel
	}
	return level
}
