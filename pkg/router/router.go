// Package router is a small pattern router over http.ServeMux with colored
// access logging. Patterns use "*" for a single path segment; a trailing
// "*" matches one or more remaining segments.
package router

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"
)

// --- ANSI color codes ---
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
)

type HandlerFunc func(http.ResponseWriter, *http.Request)

// route is one registered pattern with its handlers per method.
type route struct {
	pattern  string
	segments []string
	handlers map[string]HandlerFunc
}

func newRoute(pattern string) *route {
	return &route{
		pattern:  pattern,
		segments: split(pattern),
		handlers: make(map[string]HandlerFunc),
	}
}

// handler resolves method, serving HEAD with the GET handler.
func (rt *route) handler(method string) (HandlerFunc, bool) {
	if h, ok := rt.handlers[method]; ok {
		return h, true
	}
	if method == http.MethodHead {
		h, ok := rt.handlers[http.MethodGet]
		return h, ok
	}
	return nil, false
}

func (rt *route) allowed() string {
	methods := make([]string, 0, len(rt.handlers))
	for m := range rt.handlers {
		methods = append(methods, m)
	}
	return strings.Join(methods, ", ")
}

type Router struct {
	mux      *http.ServeMux
	exact    map[string]*route
	wildcard []*route // registration order
	logger   *log.Logger
}

func New() *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		exact:  make(map[string]*route),
		logger: log.Default(),
	}
	r.mux.Handle("/", r.logged(http.HandlerFunc(r.dispatch)))
	return r
}

// SetLogger replaces the access logger. nil silences access logs.
func (r *Router) SetLogger(l *log.Logger) {
	r.logger = l
}

// Handle registers h for method on pattern. Wildcard patterns are matched in
// registration order, so register the more specific ones first.
func (r *Router) Handle(method, pattern string, h HandlerFunc) {
	if !strings.Contains(pattern, "*") {
		rt, ok := r.exact[pattern]
		if !ok {
			rt = newRoute(pattern)
			r.exact[pattern] = rt
		}
		rt.handlers[method] = h
		return
	}
	for _, rt := range r.wildcard {
		if rt.pattern == pattern {
			rt.handlers[method] = h
			return
		}
	}
	rt := newRoute(pattern)
	rt.handlers[method] = h
	r.wildcard = append(r.wildcard, rt)
}

func (r *Router) GET(pattern string, h HandlerFunc) { r.Handle(http.MethodGet, pattern, h) }

// Mount serves every method under prefix with h, e.g. "/metrics" or
// "/swagger/".
func (r *Router) Mount(prefix string, h http.Handler) {
	r.mux.Handle(prefix, r.logged(h))
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) dispatch(w http.ResponseWriter, req *http.Request) {
	var mismatch *route
	if rt, ok := r.exact[req.URL.Path]; ok {
		if h, ok := rt.handler(req.Method); ok {
			h(w, req)
			return
		}
		mismatch = rt
	}

	segments := split(req.URL.Path)
	for _, rt := range r.wildcard {
		if !match(segments, rt.segments) {
			continue
		}
		if h, ok := rt.handler(req.Method); ok {
			h(w, req)
			return
		}
		if mismatch == nil {
			mismatch = rt
		}
	}

	if mismatch != nil {
		w.Header().Set("Allow", mismatch.allowed())
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	http.Error(w, "Not Found", http.StatusNotFound)
}

func split(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

// match reports whether request segments fit a compiled pattern. Wildcards
// never match an empty segment.
func match(request, pattern []string) bool {
	n := len(pattern)
	if n > 0 && pattern[n-1] == "*" {
		if len(request) < n {
			return false
		}
	} else if len(request) != n {
		return false
	}
	for i, seg := range pattern {
		if seg == "*" {
			if request[i] == "" {
				return false
			}
			continue
		}
		if request[i] != seg {
			return false
		}
	}
	return true
}

// --- Start server ---

// Start serves on addr until ctx ends, then shuts down gracefully.
func (r *Router) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("🚀 Status API on %shttp://localhost%s%s", colorGreen, addr, colorReset)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Access log ---

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// logged wraps h with the colored one-line access log.
func (r *Router) logged(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h.ServeHTTP(rec, req)
		if r.logger == nil {
			return
		}
		r.logger.Printf("%s[%s]%s %s%s%s %s %s%d%s %s(%v)%s",
			colorCyan, start.Format("2006-01-02 15:04:05"), colorReset,
			methodColors[req.Method], req.Method, colorReset,
			req.URL.Path,
			statusColor(rec.code), rec.code, colorReset,
			colorBlue, time.Since(start), colorReset,
		)
	})
}

var methodColors = map[string]string{
	http.MethodGet:     colorGreen,
	http.MethodHead:    colorGreen,
	http.MethodPost:    colorBlue,
	http.MethodPut:     colorYellow,
	http.MethodPatch:   colorYellow,
	http.MethodDelete:  colorRed,
	http.MethodOptions: colorCyan,
}

func statusColor(code int) string {
	switch code / 100 {
	case 2:
		return colorGreen
	case 3:
		return colorCyan
	case 4:
		return colorYellow
	default:
		return colorRed
	}
}
