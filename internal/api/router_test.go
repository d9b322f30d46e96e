package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-shot-diagnostics/internal/api/handler"
	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/store"
)

func TestRoutes(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"), "DataDiagnosticPlatform")
	require.NoError(t, err)
	defer st.Close()
	_, err = st.CreateShard(context.Background(), model.ShotRange{Start: 1, End: 10})
	require.NoError(t, err)

	r := NewRouter(handler.New(st, nil, nil))
	r.SetLogger(nil)

	cases := []struct {
		path string
		code int
		body string
	}{
		{"/api/v1/health", http.StatusOK, `"ok"`},
		{"/api/v1/shards", http.StatusOK, `"count":1`},
		{"/api/v1/shards/1_10/stats", http.StatusOK, `"keys":[]`},
		{"/api/v1/shards/1_10/index/db_name", http.StatusOK, `"attribute":"db_name"`},
		{"/api/v1/shots/4/records", http.StatusOK, `"count":0`},
		{"/api/v1/runs", http.StatusOK, `[]`},
		{"/api/v1/runs/nope", http.StatusNotFound, ""},
		{"/api/v1/sync", http.StatusNotFound, ""},
		{"/api/v1/detectors", http.StatusNotFound, ""},
		{"/metrics", http.StatusOK, "go_goroutines"},
		{"/swagger/doc.json", http.StatusOK, "Shot Diagnostics API"},
		{"/api/v2/anything", http.StatusNotFound, ""},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, c.path, nil))
		assert.Equal(t, c.code, rec.Code, c.path)
		if c.body != "" {
			assert.Contains(t, rec.Body.String(), c.body, c.path)
		}
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/shards", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
