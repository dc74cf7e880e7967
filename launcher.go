package hookgate

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/subosito/gotenv"
	"go.uber.org/zap"
)

// SettingsFilePath is the optional env-format settings file the launcher
// sources before starting the wrapped program. The path is relative to the
// working directory, matching where the container image places it.
const SettingsFilePath = "data/options.env"

// Forced overrides applied after the settings file is loaded. These win over
// anything the file specified: when a settings file is in play the gateway
// runs with debug logging against a local store.
const (
	overrideLogLevelKey   = "HOOKGATE_LOG_LEVEL"
	overrideLogLevelValue = "debug"
	overrideStoreKey      = "LOGIN_STORE_PATH"
	overrideStoreValue    = "data/store"
)

// LoadSettingsFile sources the env file at path into the process environment
// if it exists, then forces the log-level and store-path overrides. Returns
// whether a file was loaded. A missing file is not an error; the environment
// is left untouched in that case.
func LoadSettingsFile(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			zlog.Debug("no settings file found, inheriting environment", zap.String("path", path))
			return false, nil
		}
		return false, fmt.Errorf("failed to stat settings file: %w", err)
	}

	// OverLoad gives the file precedence over pre-existing environment,
	// matching shell `source` semantics.
	if err := gotenv.OverLoad(path); err != nil {
		return false, fmt.Errorf("failed to load settings file %s: %w", path, err)
	}

	os.Setenv(overrideLogLevelKey, overrideLogLevelValue)
	os.Setenv(overrideStoreKey, overrideStoreValue)

	zlog.Info("loaded settings file",
		zap.String("path", path),
		zap.String(overrideLogLevelKey, overrideLogLevelValue),
		zap.String(overrideStoreKey, overrideStoreValue))

	return true, nil
}

// RunChild runs the wrapped program synchronously with stdio passed through
// and the current (possibly settings-augmented) environment. It blocks until
// the child exits, with no timeout, and returns the child's exit code. The
// error is non-nil only when the child could not be started at all.
func RunChild(name string, args []string) (int, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}

	return 0, fmt.Errorf("failed to start %s: %w", name, err)
}

// Launch implements the single-shot supervisor: optionally source the
// settings file, run the wrapped program exactly once, and surface its exit
// code unmodified. A non-zero exit is logged and never retried; crash-loop
// behavior is deliberately left to the container orchestrator.
//
// An empty argv launches the default wrapped program: this executable's own
// `serve` command.
func Launch(settingsPath string, argv []string) (int, error) {
	loaded, err := LoadSettingsFile(settingsPath)
	if err != nil {
		return 0, err
	}

	if len(argv) == 0 {
		self, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("failed to locate own executable: %w", err)
		}
		argv = []string{self, "serve"}
	}

	zlog.Info("starting wrapped program",
		zap.Strings("argv", argv),
		zap.Bool("settings_loaded", loaded))

	code, err := RunChild(argv[0], argv[1:])
	if err != nil {
		return 0, err
	}

	zlog.Info("wrapped program exited", zap.Int("exit_code", code))

	if code != 0 {
		zlog.Error("wrapped program crashed, not restarting", zap.Int("exit_code", code))
	}

	return code, nil
}
