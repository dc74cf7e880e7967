package hookgate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	text   string
	room   string
	sender string
}

type sentImage struct {
	filename string
	mimetype string
	room     string
	sender   string
	caption  string
	size     int
}

// fakeSender records deliveries instead of talking to a homeserver.
type fakeSender struct {
	messages []sentMessage
	images   []sentImage
	fail     bool
}

func (f *fakeSender) SendMessage(ctx context.Context, message, room, sender string) error {
	if f.fail {
		return fmt.Errorf("homeserver unavailable")
	}
	f.messages = append(f.messages, sentMessage{text: message, room: room, sender: sender})
	return nil
}

func (f *fakeSender) SendImage(ctx context.Context, file []byte, filename, mimetype, room, sender, caption string) error {
	if f.fail {
		return fmt.Errorf("homeserver unavailable")
	}
	f.images = append(f.images, sentImage{
		filename: filename,
		mimetype: mimetype,
		room:     room,
		sender:   sender,
		caption:  caption,
		size:     len(file),
	})
	return nil
}

func newTestServer(t *testing.T, config *Config) (*WebhookServer, *fakeSender) {
	t.Helper()
	if config.KnownTokens == nil {
		config.KnownTokens = map[string]TokenBinding{
			"abc123": {Room: "!room:example.org", AppName: "Grafana"},
		}
	}
	registry := prometheus.NewRegistry()
	sender := &fakeSender{}
	return NewWebhookServer(config, sender, NewMetrics(registry), registry), sender
}

func TestWebhookRoot(t *testing.T) {
	server, _ := newTestServer(t, &Config{MessageFormat: FormatRaw})

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.JSONEq(t, `{"success": true}`, rec.Body.String())
}

func TestWebhookHealth(t *testing.T) {
	server, _ := newTestServer(t, &Config{MessageFormat: FormatRaw})

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestWebhookUnknownToken(t *testing.T) {
	server, sender := newTestServer(t, &Config{MessageFormat: FormatRaw})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/post/nosuchtoken", strings.NewReader("hello"))
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error": "Token mismatch"}`, rec.Body.String())
	assert.Empty(t, sender.messages)
}

func TestWebhookTokenWithInvalidCharactersIsNotRouted(t *testing.T) {
	server, _ := newTestServer(t, &Config{MessageFormat: FormatRaw})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/post/abc-123!", strings.NewReader("hello"))
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookRawDelivery(t *testing.T) {
	server, sender := newTestServer(t, &Config{MessageFormat: FormatRaw})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/post/abc123", strings.NewReader("plain text alert"))
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sender.messages, 1)
	assert.Equal(t, "plain text alert", sender.messages[0].text)
	assert.Equal(t, "!room:example.org", sender.messages[0].room)
	assert.Equal(t, "Grafana", sender.messages[0].sender)
}

func TestWebhookJSONDelivery(t *testing.T) {
	server, sender := newTestServer(t, &Config{MessageFormat: FormatJSON, AllowUnicode: true})

	body := `{"alert": "disk full", "host": "db1"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/post/abc123", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sender.messages, 1)
	assert.Contains(t, sender.messages[0].text, `"alert": "disk full"`)
	assert.Contains(t, sender.messages[0].text, `"host": "db1"`)
}

func TestWebhookJSONMessageKeyShortCircuits(t *testing.T) {
	server, sender := newTestServer(t, &Config{MessageFormat: FormatJSON, AllowUnicode: true})

	body := `{"message": "just the text", "noise": "ignored"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/post/abc123", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sender.messages, 1)
	assert.Equal(t, "just the text", sender.messages[0].text)
}

func TestWebhookJSONUndecodableBodyForwardedRaw(t *testing.T) {
	server, sender := newTestServer(t, &Config{MessageFormat: FormatJSON, AllowUnicode: true})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/post/abc123", strings.NewReader("not json at all"))
	req.Header.Set("Content-Type", "application/json")
	server.Router().ServeHTTP(rec, req)

	// A body the configured format cannot decode is delivered as raw text.
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sender.messages, 1)
	assert.Equal(t, "not json at all", sender.messages[0].text)
}

func TestWebhookUnsupportedFormat(t *testing.T) {
	server, sender := newTestServer(t, &Config{MessageFormat: "xml"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/post/abc123", strings.NewReader(`{"a": 1}`))
	req.Header.Set("Content-Type", "application/json")
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Empty(t, sender.messages)
}

func TestWebhookDeliveryFailure(t *testing.T) {
	server, sender := newTestServer(t, &Config{MessageFormat: FormatRaw})
	sender.fail = true

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/post/abc123", strings.NewReader("hello"))
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookImageUpload(t *testing.T) {
	server, sender := newTestServer(t, &Config{MessageFormat: FormatRaw})

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("image", "graph.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("fake png bytes"))
	require.NoError(t, err)
	require.NoError(t, writer.WriteField("caption", "cpu graph"))
	require.NoError(t, writer.Close())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/post/abc123", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sender.images, 1)
	assert.Equal(t, "graph.png", sender.images[0].filename)
	assert.Equal(t, "cpu graph", sender.images[0].caption)
	assert.Equal(t, "!room:example.org", sender.images[0].room)
	assert.Equal(t, len("fake png bytes"), sender.images[0].size)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "image", body["sent_as"])
	assert.Equal(t, "graph.png", body["filename"])
}

func TestWebhookImageUploadFileField(t *testing.T) {
	server, sender := newTestServer(t, &Config{MessageFormat: FormatRaw})

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "snapshot.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("jpeg"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/post/abc123", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sender.images, 1)
	assert.Equal(t, "snapshot.jpg", sender.images[0].filename)
}

func TestWebhookMultipartWithoutFile(t *testing.T) {
	server, sender := newTestServer(t, &Config{MessageFormat: FormatRaw})

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("note", "no file here"))
	require.NoError(t, writer.Close())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/post/abc123", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, sender.images)
}

func TestWebhookMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &Config{MessageFormat: FormatRaw})

	// Generate one delivered request so a counter is visible.
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/post/abc123", strings.NewReader("x")))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hookgate_webhook_requests_total")
}

func TestWebhookSuccessBodyShape(t *testing.T) {
	server, _ := newTestServer(t, &Config{MessageFormat: FormatRaw})

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/post/abc123", strings.NewReader("x")))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
}

// blockingSender holds deliveries until released, to exercise shutdown with
// a request still in flight.
type blockingSender struct {
	fakeSender
	started chan struct{}
	release chan struct{}
}

func (b *blockingSender) SendMessage(ctx context.Context, message, room, sender string) error {
	close(b.started)
	<-b.release
	return b.fakeSender.SendMessage(ctx, message, room, sender)
}

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

func waitForServer(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server at %s never came up", url)
}

func TestWebhookServerRunDrainsInflightRequests(t *testing.T) {
	config := &Config{
		WebhookPort:   freePort(t),
		MessageFormat: FormatRaw,
		KnownTokens: map[string]TokenBinding{
			"abc123": {Room: "!room:example.org", AppName: "Grafana"},
		},
	}
	registry := prometheus.NewRegistry()
	sender := &blockingSender{started: make(chan struct{}), release: make(chan struct{})}
	server := NewWebhookServer(config, sender, NewMetrics(registry), registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- server.Run(ctx) }()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", config.WebhookPort)
	waitForServer(t, baseURL+"/health")

	respCh := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post(baseURL+"/post/abc123", "text/plain", strings.NewReader("disk full"))
		if err == nil {
			respCh <- resp
		}
	}()

	<-sender.started
	cancel()

	// Run must stay blocked until the in-flight request completes.
	select {
	case err := <-runDone:
		t.Fatalf("Run returned with a request still in flight: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(sender.release)

	select {
	case resp := <-respCh:
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	case <-time.After(5 * time.Second):
		t.Fatal("request never completed")
	}

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run never returned after shutdown")
	}

	require.Len(t, sender.messages, 1)
}
