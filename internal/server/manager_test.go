package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- DefaultConfig ---

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "127.0.0.1:9464", cfg.Addr)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func testManager(t *testing.T, handler http.Handler) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	return NewManager(handler, cfg, zap.NewNop())
}

// --- Start / Shutdown lifecycle ---

func TestManager_StartAndShutdown(t *testing.T) {
	m := testManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	resp, err := http.Get("http://" + m.Addr() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
}

func TestManager_DoubleStart(t *testing.T) {
	m := testManager(t, http.NewServeMux())
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestManager_ShutdownIdempotent(t *testing.T) {
	m := testManager(t, http.NewServeMux())
	require.NoError(t, m.Start())
	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))

	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestManager_WaitForShutdownOnContext(t *testing.T) {
	m := testManager(t, http.NewServeMux())
	require.NoError(t, m.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.WaitForShutdown(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForShutdown did not return")
	}
	assert.False(t, m.IsRunning())
}

// --- Doctor handler ---

func TestDoctorHandler(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("toolguard_executions_total 0\n"))
	})
	diagErr := errors.New("docker daemon unreachable")
	fail := false
	h := NewDoctorHandler(metrics, func(context.Context) (any, error) {
		if fail {
			return nil, diagErr
		}
		return map[string]int{"capacity": 4}, nil
	}, nil)

	tests := []struct {
		name     string
		method   string
		path     string
		fail     bool
		wantCode int
		wantBody string
	}{
		{name: "metrics", method: http.MethodGet, path: "/metrics", wantCode: 200, wantBody: "toolguard_executions_total"},
		{name: "healthz", method: http.MethodGet, path: "/healthz", wantCode: 200, wantBody: "ok"},
		{name: "diagnostics", method: http.MethodGet, path: "/diagnostics", wantCode: 200, wantBody: `"capacity": 4`},
		{name: "diagnostics failure", method: http.MethodGet, path: "/diagnostics", fail: true, wantCode: 503, wantBody: "docker daemon unreachable"},
		{name: "post rejected", method: http.MethodPost, path: "/diagnostics", wantCode: 405},
		{name: "unknown", method: http.MethodGet, path: "/run", wantCode: 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fail = tt.fail
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}
