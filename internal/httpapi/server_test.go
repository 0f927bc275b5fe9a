package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/umportal/internal/config"
	"github.com/ent0n29/umportal/internal/dispatch"
	"github.com/ent0n29/umportal/internal/protocol"
	"github.com/ent0n29/umportal/internal/session"
	"github.com/ent0n29/umportal/internal/store"
)

type testServer struct {
	*httptest.Server
	st       *store.InMemoryStore
	registry *session.Registry
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Config{
		ConnIdleTimeout: time.Minute,
		OpsPerSecond:    100,
		OpsBurst:        100,
		UploadDir:       t.TempDir(),
		MaxUploadBytes:  1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewInMemoryStore()
	registry := session.NewRegistry(cfg.ConnIdleTimeout)
	d := dispatch.New(st, nil, logger)
	srv := New(cfg, registry, d, nil, logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, st: st, registry: registry}
}

func (ts *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readPush(t *testing.T, ws *websocket.Conn) protocol.Push {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var p protocol.Push
	require.NoError(t, ws.ReadJSON(&p))
	return p
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, nil)

	for path, want := range map[string]string{"/healthz": "ok", "/readyz": "ready"} {
		res, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
		res.Body.Close()
		assert.Equal(t, http.StatusOK, res.StatusCode, path)
		assert.Equal(t, want, body["status"], path)
	}
}

func TestUIRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	res, err := client.Get(ts.URL + "/")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, res.StatusCode)
	assert.Equal(t, "/ui/", res.Header.Get("Location"))

	res, err = http.Get(ts.URL + "/ui/")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), `id="main"`)
}

func TestFilesRoute(t *testing.T) {
	var dir string
	ts := newTestServer(t, func(c *config.Config) { dir = c.UploadDir })
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ab12cd34_notes.txt"), []byte("hello"), 0o644))

	res, err := http.Get(ts.URL + "/files/ab12cd34_notes.txt")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "hello", string(body))

	for _, path := range []string{"/files/", "/files/.hidden", "/files/missing.txt"} {
		res, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusNotFound, res.StatusCode, path)
	}
}

func TestWebSocketIdentifyByKey(t *testing.T) {
	ts := newTestServer(t, nil)
	_, err := ts.st.CreateUser(context.Background(), store.User{Username: "ann", AccessKey: "k-ann", Active: true})
	require.NoError(t, err)

	ws := ts.dial(t, "?key=k-ann")
	p := readPush(t, ws)
	assert.Equal(t, protocol.PushIdentified, p.Task)
	assert.Equal(t, "ann", p.Username)
	assert.Equal(t, 1, ts.registry.ActiveCount())
}

func TestWebSocketRejectsBadFrames(t *testing.T) {
	ts := newTestServer(t, nil)
	ws := ts.dial(t, "")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"task": 3}`)))
	p := readPush(t, ws)
	assert.Equal(t, protocol.PushBanner, p.Task)
	assert.Equal(t, textBadRequest, p.Content)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0, 0}))
	p = readPush(t, ws)
	assert.Equal(t, textBadRequest, p.Content)

	require.NoError(t, ws.WriteJSON(map[string]any{"task": "stash"}))
	p = readPush(t, ws)
	assert.Equal(t, protocol.PushBanner, p.Task)
	assert.Equal(t, protocol.LevelError, p.Level)
}

func TestWebSocketRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.OpsPerSecond = 0.001
		c.OpsBurst = 1
	})
	ws := ts.dial(t, "")

	require.NoError(t, ws.WriteJSON(map[string]any{"task": "logout"}))
	assert.NotEqual(t, textSlowDown, readPush(t, ws).Content)

	require.NoError(t, ws.WriteJSON(map[string]any{"task": "logout"}))
	assert.Equal(t, textSlowDown, readPush(t, ws).Content)

	require.NoError(t, ws.WriteJSON(map[string]any{"task": "ping"}))
	require.NoError(t, ws.WriteJSON(map[string]any{"task": "logout"}))
	assert.Equal(t, textSlowDown, readPush(t, ws).Content)
}

func TestRegistryCloseAllEndsConnections(t *testing.T) {
	ts := newTestServer(t, nil)
	ws := ts.dial(t, "")
	require.Eventually(t, func() bool { return ts.registry.ActiveCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, ts.registry.CloseAll(context.Background(), "shutting down"))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Eventually(t, func() bool { return ts.registry.ActiveCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
