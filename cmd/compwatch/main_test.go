package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/compwatch/intel"
)

func TestNewLogger(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		for _, f := range []string{"json", "text"} {
			_, err := newLogger(lvl, f)
			assert.NoError(t, err, lvl+"/"+f)
		}
	}
	_, err := newLogger("loud", "json")
	assert.Error(t, err)
	_, err = newLogger("info", "xml")
	assert.Error(t, err)
}

func TestRouter_HealthAndAPI(t *testing.T) {
	// WHAT: The projection API is mounted under /api next to /health.
	cfg := &intel.Config{DBPath: filepath.Join(t.TempDir(), "intel.db")}
	svc, err := intel.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		intel.WithEnv(func(string) string { return "" }))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	srv := httptest.NewServer(newRouter(svc))
	t.Cleanup(srv.Close)

	for path, want := range map[string]int{
		"/health":              http.StatusOK,
		"/api/changes":         http.StatusOK,
		"/api/schema":          http.StatusOK,
		"/api/changes/missing": http.StatusNotFound,
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, path)
	}
}
