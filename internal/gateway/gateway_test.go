package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/hub"
	"chatrelay/internal/store"
	"chatrelay/internal/upload"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRelay struct{ clients int }

func (s stubRelay) ServeWS(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "no websocket here", http.StatusNotImplemented)
}

func (s stubRelay) ClientCount() int { return s.clients }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newUploads(t *testing.T) *upload.DiskStore {
	t.Helper()
	u, err := upload.NewDiskStore(filepath.Join(t.TempDir(), "uploads"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { u.Close() })
	return u
}

func newTestServer(t *testing.T, cfg Config, relay Relay, uploads domain.BlobStore) *httptest.Server {
	t.Helper()
	cfg.Logger = discardLogger()
	srv := httptest.NewServer(New(cfg, relay, uploads).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postLogin(t *testing.T, srv *httptest.Server, body string) (int, loginResponse) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/login", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out loginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestLogin_ExactMatch(t *testing.T) {
	srv := newTestServer(t, Config{Password: "Open Sesame"}, stubRelay{}, newUploads(t))

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"exact", `{"password":"Open Sesame"}`, true},
		{"lower case", `{"password":"open sesame"}`, false},
		{"trailing space", `{"password":"Open Sesame "}`, false},
		{"leading space", `{"password":" Open Sesame"}`, false},
		{"prefix", `{"password":"Open"}`, false},
		{"empty", `{"password":""}`, false},
		{"missing field", `{}`, false},
		{"null", `{"password":null}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := postLogin(t, srv, tt.body)
			assert.Equal(t, http.StatusOK, code)
			assert.Equal(t, tt.want, out.Success)
		})
	}
}

func TestLogin_EmptySecretNeverAuthenticates(t *testing.T) {
	srv := newTestServer(t, Config{Password: ""}, stubRelay{}, newUploads(t))

	_, out := postLogin(t, srv, `{"password":""}`)
	assert.False(t, out.Success)
}

func TestLogin_MalformedBody(t *testing.T) {
	srv := newTestServer(t, Config{Password: "secret"}, stubRelay{}, newUploads(t))

	for _, body := range []string{`not json`, `{"password": 42}`, ``} {
		code, out := postLogin(t, srv, body)
		assert.Equal(t, http.StatusBadRequest, code, body)
		assert.False(t, out.Success)
	}
}

func TestLogin_GetNotAllowed(t *testing.T) {
	srv := newTestServer(t, Config{Password: "secret"}, stubRelay{}, newUploads(t))

	resp, err := http.Get(srv.URL + "/login")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestUploads_ServesStoredBytes(t *testing.T) {
	uploads := newUploads(t)
	content := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0x00, 0x01}
	require.NoError(t, uploads.Save(context.Background(), "cat.png", content))
	srv := newTestServer(t, Config{}, stubRelay{}, uploads)

	resp, err := http.Get(srv.URL + "/uploads/cat.png")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, body)
}

func TestUploads_MissingFileIs404WithErrorText(t *testing.T) {
	srv := newTestServer(t, Config{}, stubRelay{}, newUploads(t))

	resp, err := http.Get(srv.URL + "/uploads/ghost.png")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "ghost.png")
	assert.Contains(t, string(body), domain.ErrNotFound.Error())
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t, Config{Version: "1.2.3"}, stubRelay{clients: 4}, newUploads(t))

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "1.2.3", out["version"])
	assert.EqualValues(t, 4, out["connections"])
}

func TestMetrics_EnabledAndDisabled(t *testing.T) {
	on := newTestServer(t, Config{MetricsPath: "/metrics"}, stubRelay{}, newUploads(t))
	resp, err := http.Get(on.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "chatrelay_connections_active")

	off := newTestServer(t, Config{}, stubRelay{}, newUploads(t))
	resp, err = http.Get(off.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORS_PreflightAllowsAnyOrigin(t *testing.T) {
	srv := newTestServer(t, Config{Password: "secret"}, stubRelay{}, newUploads(t))

	tests := []struct {
		name           string
		requestHeaders string
	}{
		{"no request headers", ""},
		// Browsers send the list lowercased.
		{"content-type", "content-type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodOptions, srv.URL+"/login", nil)
			require.NoError(t, err)
			req.Header.Set("Origin", "http://localhost:3000")
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			if tt.requestHeaders != "" {
				req.Header.Set("Access-Control-Request-Headers", tt.requestHeaders)
			}

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusNoContent, resp.StatusCode)
			assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestCORS_SimpleRequestAllowsAnyOrigin(t *testing.T) {
	srv := newTestServer(t, Config{}, stubRelay{}, newUploads(t))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://elsewhere.example")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

// Upload over the WebSocket, then fetch the same bytes over HTTP.
func TestUploadThenFetch_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	messages, err := store.Open(context.Background(), filepath.Join(dir, "chat.sqlite"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { messages.Close() })
	uploads := newUploads(t)

	h := hub.New(hub.Config{Logger: discardLogger()}, messages, uploads)
	go h.Run()
	t.Cleanup(func() { h.Shutdown(2 * time.Second) })

	srv := newTestServer(t, Config{}, h, uploads)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	readEvent := func() string {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var env hub.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		return env.Event
	}
	require.Equal(t, hub.EventRecentMessages, readEvent())

	content := make([]byte, 4096)
	for i := range content {
		content[i] = byte(i * 7)
	}
	payload, err := json.Marshal(hub.UploadPayload{Filename: "noise.bin", Buffer: content})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(hub.Envelope{Event: hub.EventUpload, Data: payload}))

	require.Equal(t, hub.EventMessage, readEvent())
	require.Equal(t, hub.EventUploadSuccess, readEvent())

	resp, err := http.Get(srv.URL + "/uploads/noise.bin")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, body)
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	g := New(Config{Logger: discardLogger()}, stubRelay{}, newUploads(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/status")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
