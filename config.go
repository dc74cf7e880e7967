package hookgate

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonmerge"
	"go.uber.org/zap"
)

// OptionsFilePath is the optional JSON options file merged over built-in
// defaults before environment variables are applied.
const OptionsFilePath = "data/options.json"

// MessageFormat values accepted by the webhook server.
const (
	FormatRaw  = "raw"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// TokenBinding ties a webhook token to the Matrix room it posts to and the
// application name shown as the sender.
type TokenBinding struct {
	Room    string
	AppName string
}

// Config holds the gateway configuration, resolved once at startup.
//
// Precedence, lowest to highest: built-in defaults, the optional
// data/options.json file, environment variables.
type Config struct {
	// WebhookPort is the TCP port the webhook server listens on
	WebhookPort int

	// KnownTokens maps webhook tokens to their room/app bindings
	KnownTokens map[string]TokenBinding

	// MatrixServer is the homeserver base URL (e.g. https://matrix.example.org)
	MatrixServer string

	// MatrixUserID is the full Matrix user ID used for password login
	MatrixUserID string

	// MatrixPassword is the login password (only used on first login)
	MatrixPassword string

	// MatrixDevice is the device display name announced at login
	MatrixDevice string

	// MatrixSSLVerify controls TLS certificate verification toward the homeserver
	MatrixSSLVerify bool

	// AdminRoom receives the startup greeting and is always joined
	AdminRoom string

	// StorePath is the directory holding credentials and the session database
	StorePath string

	// MessageFormat is one of raw, json, yaml
	MessageFormat string

	// AllowUnicode keeps non-ASCII characters unescaped in formatted payloads
	AllowUnicode bool

	// UseMarkdown renders outgoing messages as org.matrix.custom.html
	UseMarkdown bool

	// DisplayAppName prefixes messages with the token's application name
	DisplayAppName bool
}

// defaultOptions returns the built-in option document. Keys intentionally
// match the environment variable names so the options file and the
// environment share one vocabulary.
func defaultOptions() map[string]any {
	return map[string]any{
		"WEBHOOK_PORT":      "8000",
		"KNOWN_TOKENS":      "",
		"MATRIX_SERVER":     "",
		"MATRIX_USERID":     "",
		"MATRIX_PASSWORD":   "",
		"MATRIX_DEVICE":     "hookgate",
		"MATRIX_SSLVERIFY":  "True",
		"MATRIX_ADMIN_ROOM": "",
		"LOGIN_STORE_PATH":  "data/store",
		"MESSAGE_FORMAT":    FormatRaw,
		"ALLOW_UNICODE":     "True",
		"USE_MARKDOWN":      "False",
		"DISPLAY_APP_NAME":  "True",
	}
}

// LoadConfig resolves the gateway configuration from defaults, the optional
// options file at optionsPath, and the process environment.
func LoadConfig(optionsPath string) (*Config, error) {
	options, err := loadOptions(optionsPath)
	if err != nil {
		return nil, err
	}

	resolve := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		if v, ok := options[key]; ok {
			return optionString(v)
		}
		return ""
	}

	port, err := strconv.Atoi(resolve("WEBHOOK_PORT"))
	if err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_PORT %q: %w", resolve("WEBHOOK_PORT"), err)
	}

	config := &Config{
		WebhookPort:     port,
		KnownTokens:     ParseKnownTokens(resolve("KNOWN_TOKENS")),
		MatrixServer:    resolve("MATRIX_SERVER"),
		MatrixUserID:    resolve("MATRIX_USERID"),
		MatrixPassword:  resolve("MATRIX_PASSWORD"),
		MatrixDevice:    resolve("MATRIX_DEVICE"),
		MatrixSSLVerify: parseBool(resolve("MATRIX_SSLVERIFY")),
		AdminRoom:       resolve("MATRIX_ADMIN_ROOM"),
		StorePath:       resolve("LOGIN_STORE_PATH"),
		MessageFormat:   resolve("MESSAGE_FORMAT"),
		AllowUnicode:    parseBool(resolve("ALLOW_UNICODE")),
		UseMarkdown:     parseBool(resolve("USE_MARKDOWN")),
		DisplayAppName:  parseBool(resolve("DISPLAY_APP_NAME")),
	}

	zlog.Debug("resolved gateway config",
		zap.Int("webhook_port", config.WebhookPort),
		zap.Int("known_tokens", len(config.KnownTokens)),
		zap.String("matrix_server", config.MatrixServer),
		zap.String("store_path", config.StorePath),
		zap.String("message_format", config.MessageFormat))

	return config, nil
}

// Validate checks that the config is complete enough to run the gateway.
func (c *Config) Validate() error {
	if len(c.KnownTokens) == 0 {
		return fmt.Errorf("no valid KNOWN_TOKENS configured")
	}
	if c.MatrixServer == "" {
		return fmt.Errorf("MATRIX_SERVER is not set")
	}
	if c.MatrixUserID == "" {
		return fmt.Errorf("MATRIX_USERID is not set")
	}
	if c.AdminRoom == "" {
		return fmt.Errorf("MATRIX_ADMIN_ROOM is not set")
	}
	switch c.MessageFormat {
	case FormatRaw, FormatJSON, FormatYAML:
	default:
		return fmt.Errorf("unknown MESSAGE_FORMAT %q (expected raw, json or yaml)", c.MessageFormat)
	}
	return nil
}

// KnownRooms returns the sorted set of rooms the gateway needs to join: the
// admin room plus every token's target room.
func (c *Config) KnownRooms() []string {
	seen := map[string]bool{}
	var rooms []string
	add := func(room string) {
		if room != "" && !seen[room] {
			seen[room] = true
			rooms = append(rooms, room)
		}
	}
	add(c.AdminRoom)
	for _, binding := range c.KnownTokens {
		add(binding.Room)
	}
	sort.Strings(rooms)
	return rooms
}

// loadOptions reads the optional JSON options file and merges it over the
// built-in defaults (RFC 7386 merge patch semantics). A missing file yields
// the defaults unchanged.
func loadOptions(path string) (map[string]any, error) {
	defaults := defaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			zlog.Debug("no options file found, using defaults", zap.String("path", path))
			return defaults, nil
		}
		return nil, fmt.Errorf("failed to read options file: %w", err)
	}

	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return nil, fmt.Errorf("failed to parse options file %s: %w", path, err)
	}

	merged, err := jsonmerge.Merge(defaults, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to merge options file %s: %w", path, err)
	}

	zlog.Debug("merged options file over defaults",
		zap.String("path", path),
		zap.Int("keys", len(patch)))

	return merged.Doc, nil
}

// ParseKnownTokens parses the KNOWN_TOKENS value: whitespace or newline
// separated entries of the form "token,room,app_name". Malformed or
// incomplete entries are logged and skipped.
func ParseKnownTokens(value string) map[string]TokenBinding {
	tokens := map[string]TokenBinding{}

	if strings.TrimSpace(value) == "" {
		return tokens
	}

	for _, raw := range strings.Fields(strings.ReplaceAll(value, "\n", " ")) {
		parts := strings.SplitN(raw, ",", 3)
		if len(parts) != 3 {
			zlog.Error("malformed KNOWN_TOKENS entry, expected 'token,room,app_name', skipping",
				zap.String("entry", raw))
			continue
		}

		token := strings.TrimSpace(parts[0])
		room := strings.TrimSpace(parts[1])
		appName := strings.TrimSpace(parts[2])
		if token == "" || room == "" || appName == "" {
			zlog.Error("incomplete KNOWN_TOKENS entry, skipping", zap.String("entry", raw))
			continue
		}

		tokens[token] = TokenBinding{Room: room, AppName: appName}
	}

	return tokens
}

// parseBool accepts the gateway's historical "True"/"False" literals as well
// as the usual boolean spellings.
func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// optionString renders an options-file value as a string so JSON numbers and
// booleans behave like their environment variable counterparts.
func optionString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		if val {
			return "True"
		}
		return "False"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
