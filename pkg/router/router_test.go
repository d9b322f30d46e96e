package router

import (
	"bytes"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func text(s string) HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(s)) }
}

func do(r http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestMatch(t *testing.T) {
	cases := []struct {
		path, pattern string
		want          bool
	}{
		{"/api/v1/shots/12/records", "/api/v1/shots/*/records", true},
		{"/api/v1/shots/12/anomalies", "/api/v1/shots/*/records", false},
		{"/api/v1/shots//records", "/api/v1/shots/*/records", false},
		{"/api/v1/shards/a/index/error_name", "/api/v1/shards/*/index/*", true},
		{"/api/v1/shards/a", "/api/v1/shards/*", true},
		{"/api/v1/shards/a/stats", "/api/v1/shards/*", true},
		{"/api/v1/shards", "/api/v1/shards/*", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, match(split(c.path), split(c.pattern)), "%s ~ %s", c.path, c.pattern)
	}
}

func TestRouterDispatch(t *testing.T) {
	r := New()
	r.SetLogger(nil)
	r.GET("/api/v1/shards", text("list"))
	r.GET("/api/v1/shards/*/stats", text("stats"))
	r.GET("/api/v1/shards/*", text("one"))
	r.Handle(http.MethodPost, "/api/v1/runs", text("created"))

	assert.Equal(t, "list", do(r, http.MethodGet, "/api/v1/shards").Body.String())
	assert.Equal(t, "stats", do(r, http.MethodGet, "/api/v1/shards/x/stats").Body.String())
	assert.Equal(t, "one", do(r, http.MethodGet, "/api/v1/shards/x").Body.String())
	assert.Equal(t, "created", do(r, http.MethodPost, "/api/v1/runs").Body.String())

	assert.Equal(t, http.StatusOK, do(r, http.MethodHead, "/api/v1/shards").Code)

	rec := do(r, http.MethodGet, "/api/v1/runs")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
	assert.Equal(t, http.StatusMethodNotAllowed, do(r, http.MethodDelete, "/api/v1/shards/x").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/nowhere").Code)
}

func TestRouterMountAndAccessLog(t *testing.T) {
	var buf bytes.Buffer
	r := New()
	r.SetLogger(log.New(&buf, "", 0))
	r.Mount("/metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := do(r, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, buf.String(), "/metrics")
	assert.Contains(t, buf.String(), "418")
}
