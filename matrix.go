package hookgate

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yuin/goldmark"
	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// CredentialsFile is the file name under the login store directory where the
// access token is persisted after the first password login.
const CredentialsFile = "credentials.json"

// Credentials is the persisted login state, written on first login and
// restored on later runs.
type Credentials struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	AccessToken string `json:"access_token"`
}

// MatrixClient wraps a mautrix client for the configured homeserver. It
// persists credentials across runs and keeps its sync position in the
// session store.
type MatrixClient struct {
	config  *Config
	store   *SessionStore
	metrics *Metrics
	api     *mautrix.Client

	greeted atomic.Bool
}

// NewMatrixClient creates a client for the configured homeserver. The session
// store may be nil, in which case sync tokens are not persisted.
func NewMatrixClient(config *Config, store *SessionStore, metrics *Metrics) (*MatrixClient, error) {
	api, err := mautrix.NewClient(config.MatrixServer, "", "")
	if err != nil {
		return nil, fmt.Errorf("invalid homeserver URL %s: %w", config.MatrixServer, err)
	}

	if !config.MatrixSSLVerify {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		api.Client = &http.Client{Transport: transport, Timeout: 180 * time.Second}
		zlog.Warn("TLS certificate verification is disabled for the homeserver")
	}

	if store != nil {
		api.Store = &sessionSyncStore{store: store}
	}

	return &MatrixClient{
		config:  config,
		store:   store,
		metrics: metrics,
		api:     api,
	}, nil
}

// Run logs in, joins the known rooms and then syncs until ctx is cancelled.
func (c *MatrixClient) Run(ctx context.Context) error {
	if err := c.Login(ctx); err != nil {
		return err
	}

	for _, room := range c.config.KnownRooms() {
		if err := c.JoinRoom(ctx, room); err != nil {
			// Joining an already-joined or restricted room is not fatal.
			zlog.Warn("failed to join room", zap.String("room", room), zap.Error(err))
		}
	}

	syncer := c.api.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		zlog.Info("room message",
			zap.String("room", evt.RoomID.String()),
			zap.String("sender", evt.Sender.String()),
			zap.String("body", evt.Content.AsMessage().Body))
	})
	syncer.OnSync(c.onSynced)

	zlog.Info("the Matrix client is waiting for events")

	if err := c.api.SyncWithContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.countMatrixError()
		return fmt.Errorf("sync loop failed: %w", err)
	}
	return nil
}

// onSynced runs once per completed /sync response and sends the startup
// greeting to the admin room after the first one.
func (c *MatrixClient) onSynced(ctx context.Context, resp *mautrix.RespSync, since string) bool {
	if c.metrics != nil {
		c.metrics.SyncsTotal.Inc()
	}
	zlog.Debug("synced", zap.String("since", since))

	if c.greeted.CompareAndSwap(false, true) {
		greeting := fmt.Sprintf("Hi, I'm up and running from **%s**, waiting for webhooks!", c.config.MatrixDevice)
		if err := c.SendMessage(ctx, greeting, c.config.AdminRoom, "Webhook server"); err != nil {
			zlog.Warn("failed to send greeting to admin room", zap.Error(err))
		}
	}
	return true
}

// Login restores stored credentials when present, otherwise performs a
// password login and writes the credentials file for later runs.
func (c *MatrixClient) Login(ctx context.Context) error {
	credsPath := filepath.Join(c.config.StorePath, CredentialsFile)

	data, err := os.ReadFile(credsPath)
	if err == nil {
		var creds Credentials
		if err := json.Unmarshal(data, &creds); err != nil {
			return fmt.Errorf("failed to parse credentials file %s: %w", credsPath, err)
		}
		c.api.UserID = id.UserID(creds.UserID)
		c.api.DeviceID = id.DeviceID(creds.DeviceID)
		c.api.AccessToken = creds.AccessToken
		zlog.Info("logging in using stored credentials",
			zap.String("user_id", creds.UserID),
			zap.String("device_id", creds.DeviceID))
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read credentials file: %w", err)
	}

	zlog.Info("first time use, did not find credential file")
	return c.loginFirstTime(ctx, credsPath)
}

func (c *MatrixClient) loginFirstTime(ctx context.Context, credsPath string) error {
	if err := os.MkdirAll(c.config.StorePath, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	_, err := c.api.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: c.config.MatrixUserID,
		},
		Password:                 c.config.MatrixPassword,
		InitialDeviceDisplayName: c.config.MatrixDevice,
		StoreCredentials:         true,
	})
	if err != nil {
		c.countMatrixError()
		zlog.Error("failed to log in",
			zap.String("homeserver", c.config.MatrixServer),
			zap.String("user_id", c.config.MatrixUserID))
		return fmt.Errorf("login failed: %w", err)
	}

	creds := &Credentials{
		Homeserver:  c.config.MatrixServer,
		UserID:      c.api.UserID.String(),
		DeviceID:    c.api.DeviceID.String(),
		AccessToken: c.api.AccessToken,
	}

	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}
	if err := os.WriteFile(credsPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}

	if c.store != nil {
		if err := c.store.RecordDevice(creds.UserID, creds.DeviceID); err != nil {
			zlog.Warn("failed to record device in session store", zap.Error(err))
		}
	}

	zlog.Info("logged in, credentials stored",
		zap.String("store_path", c.config.StorePath),
		zap.String("device_id", creds.DeviceID))

	return nil
}

// JoinRoom joins a room by ID.
func (c *MatrixClient) JoinRoom(ctx context.Context, room string) error {
	if _, err := c.api.JoinRoomByID(ctx, id.RoomID(room)); err != nil {
		return fmt.Errorf("failed to join %s: %w", room, err)
	}
	return nil
}

// SendMessage delivers a text message to a room, attributed to sender when
// DISPLAY_APP_NAME is on, rendered to HTML when USE_MARKDOWN is on.
func (c *MatrixClient) SendMessage(ctx context.Context, message, room, sender string) error {
	body := c.messagePrefix(sender) + message

	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}

	if c.config.UseMarkdown {
		zlog.Debug("markdown formatting is turned on")
		html, err := renderMarkdown(body)
		if err != nil {
			return err
		}
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}

	if err := c.sendEvent(ctx, room, content); err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.MessagesSent.WithLabelValues("text").Inc()
	}
	return nil
}

// SendImage uploads the file to the homeserver's media store and posts an
// m.image event referencing it. The caption, when present, becomes the event
// body instead of the file name.
func (c *MatrixClient) SendImage(ctx context.Context, file []byte, filename, mimetype, room, sender, caption string) error {
	upload, err := c.api.UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes: file,
		ContentType:  mimetype,
		FileName:     filename,
	})
	if err != nil {
		c.countMatrixError()
		return fmt.Errorf("media upload failed: %w", err)
	}

	zlog.Debug("uploaded media",
		zap.String("filename", filename),
		zap.String("mimetype", mimetype),
		zap.Int("size", len(file)),
		zap.String("content_uri", upload.ContentURI.String()))

	body := filename
	if caption != "" {
		body = caption
	}

	content := &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    body,
		URL:     upload.ContentURI.CUString(),
		Info: &event.FileInfo{
			MimeType: mimetype,
			Size:     len(file),
		},
	}

	prefix := c.messagePrefix(sender)
	if c.config.UseMarkdown && (caption != "" || prefix != "") {
		if html, err := renderMarkdown(prefix + body); err == nil {
			content.Format = event.FormatHTML
			content.FormattedBody = html
		}
	}

	if err := c.sendEvent(ctx, room, content); err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.MessagesSent.WithLabelValues("image").Inc()
	}
	return nil
}

func (c *MatrixClient) sendEvent(ctx context.Context, room string, content *event.MessageEventContent) error {
	if _, err := c.api.SendMessageEvent(ctx, id.RoomID(room), event.EventMessage, content); err != nil {
		c.countMatrixError()
		return fmt.Errorf("failed to send message to %s: %w", room, err)
	}
	return nil
}

func (c *MatrixClient) messagePrefix(sender string) string {
	if c.config.DisplayAppName && sender != "" {
		return fmt.Sprintf("**%s** says:  \n", sender)
	}
	return ""
}

func (c *MatrixClient) countMatrixError() {
	if c.metrics != nil {
		c.metrics.MatrixErrors.Inc()
	}
}

// sessionSyncStore adapts SessionStore to the sync-position storage the
// mautrix client expects, so sync tokens survive restarts.
type sessionSyncStore struct {
	store *SessionStore
}

var _ mautrix.SyncStore = (*sessionSyncStore)(nil)

func (s *sessionSyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.store.SaveFilterID(string(userID), filterID)
}

func (s *sessionSyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.store.FilterID(string(userID))
}

func (s *sessionSyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, token string) error {
	return s.store.SaveSyncToken(string(userID), token)
}

func (s *sessionSyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.store.SyncToken(string(userID))
}

// renderMarkdown converts markdown to the HTML fragment Matrix clients expect
// in formatted_body.
func renderMarkdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
