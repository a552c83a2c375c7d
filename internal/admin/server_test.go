package admin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex/tenex/internal/common/config"
	"github.com/tenex/tenex/internal/common/logger"
	"github.com/tenex/tenex/internal/common/portutil"
	"github.com/tenex/tenex/internal/events/bus"
	"github.com/tenex/tenex/internal/kernel"
	"github.com/tenex/tenex/internal/llm"
)

func testServer(t *testing.T) (*Server, *kernel.Kernel) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	cfg := &config.Config{
		Project:     config.ProjectConfig{ID: "proj-admin"},
		Server:      config.ServerConfig{ReadTimeout: 5, WriteTimeout: 5},
		Storage:     config.StorageConfig{Dir: t.TempDir()},
		Lock:        config.LockConfig{MaxDurationMs: 60_000},
		Termination: config.TerminationConfig{MaxAttempts: 2},
		Stream:      config.StreamConfig{FlushDelayMs: 10, MaxFlushDelayMs: 100},
		Typing:      config.TypingConfig{MinVisibleMs: 0},
		Queue:       config.QueueConfig{AvgExecHintMs: 600_000},
	}

	b := bus.NewMemoryBus(log)
	t.Cleanup(b.Close)

	k, err := kernel.New(cfg, b, llm.NewScriptedClient(), log)
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))
	t.Cleanup(k.Stop)

	return NewServer(cfg, k, log), k
}

func TestAdminRoutes(t *testing.T) {
	srv, k := testServer(t)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		srv.Router().ServeHTTP(w, req)
		return w
	}

	t.Run("health", func(t *testing.T) {
		w := get("/health")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"ok"`)
		assert.Contains(t, w.Body.String(), "proj-admin")
	})

	t.Run("queue status", func(t *testing.T) {
		k.Queue.Request("conv-1", "executor")
		w := get("/api/v1/queue")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "conv-1")
	})

	t.Run("force release with reason", func(t *testing.T) {
		w := httptest.NewRecorder()
		body := strings.NewReader(`{"conversation_id":"conv-1","reason":"hung deploy"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/queue/force-release", body)
		req.Header.Set("Content-Type", "application/json")
		srv.Router().ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "conv-1")
		assert.Contains(t, w.Body.String(), "hung deploy")
		_, held := k.Queue.Holder()
		assert.False(t, held)
	})

	t.Run("force release without body", func(t *testing.T) {
		k.Queue.Request("conv-2", "executor")
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/queue/force-release", nil)
		srv.Router().ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "conv-2")
		assert.Contains(t, w.Body.String(), "operator")
	})

	t.Run("queue remove unknown", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/queue/nope", nil)
		srv.Router().ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("conversations", func(t *testing.T) {
		ev := bus.NewEvent(bus.KindUserMessage, "user-key", "hello admin", nil)
		_, err := k.Store.Create("conv-a", ev)
		require.NoError(t, err)

		w := get("/api/v1/conversations")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "conv-a")

		w = get("/api/v1/conversations/conv-a")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "hello admin")

		w = get("/api/v1/conversations/missing")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("archive", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/conv-a/archive", nil)
		srv.Router().ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)

		// Archived conversations leave the active set.
		w2 := get("/api/v1/conversations/conv-a")
		assert.Equal(t, http.StatusNotFound, w2.Code)

		w3 := httptest.NewRecorder()
		req3 := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/missing/archive", nil)
		srv.Router().ServeHTTP(w3, req3)
		assert.Equal(t, http.StatusNotFound, w3.Code)
	})

	t.Run("archive releases the execute lock", func(t *testing.T) {
		ev := bus.NewEvent(bus.KindUserMessage, "user-key", "long task", nil)
		_, err := k.Store.Create("conv-b", ev)
		require.NoError(t, err)
		require.True(t, k.Queue.Request("conv-b", "executor").Acquired)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/conv-b/archive", nil)
		srv.Router().ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)

		_, held := k.Queue.Holder()
		assert.False(t, held)
	})
}

func TestServerStartShutdown(t *testing.T) {
	srv, _ := testServer(t)

	port, err := portutil.AllocatePort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after shutdown")
	}
}

func TestMonitorWebSocketRejectsPlainGet(t *testing.T) {
	srv, _ := testServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/monitor", nil)
	srv.Router().ServeHTTP(w, req)

	// Without an upgrade handshake the endpoint fails the request.
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
