// Package httpapi exposes the tracked pages over HTTP: node and tree
// inspection, an SSE event feed, and action forwarding. Resolution
// failures are payloads, not status codes: an action that cannot find
// its element returns 200 with ok=false and a reason.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	domtrack "github.com/hazyhaar/domtrack"
	"github.com/hazyhaar/domtrack/ident"
	"github.com/hazyhaar/domtrack/tree"
)

// eventBuffer is the per-subscriber SSE queue depth. A slow client
// loses the oldest events, never the tracker loop's time.
const eventBuffer = 256

// Page is one tracked page the API serves.
type Page struct {
	ID      string
	Tracker *domtrack.Tracker
	Tree    *tree.Builder
}

// Server is the HTTP surface over a set of tracked pages.
type Server struct {
	pages  map[string]*Page
	logger *slog.Logger

	username     string
	passwordHash string
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithBasicAuth protects every route with HTTP Basic Auth. hash is a
// bcrypt hash of the password.
func WithBasicAuth(username, hash string) Option {
	return func(s *Server) { s.username, s.passwordHash = username, hash }
}

// New builds the API server over the given pages.
func New(pages []*Page, opts ...Option) *Server {
	s := &Server{
		pages:  make(map[string]*Page, len(pages)),
		logger: slog.Default(),
	}
	for _, p := range pages {
		s.pages[p.ID] = p
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router assembles the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.username != "" {
		r.Use(s.basicAuth)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/pages", s.handlePages)
	r.Route("/pages/{page}", func(r chi.Router) {
		r.Use(s.withPage)
		r.Get("/nodes", s.handleNodes)
		r.Get("/tree", s.handleTree)
		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)
		r.Post("/nodes/{id}/action", s.handleAction)
	})
	return r
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.username ||
			bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="domtrack"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type pageKey struct{}

func (s *Server) withPage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.pages[chi.URLParam(r, "page")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown page"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), pageKey{}, p)))
	})
}

func pageFrom(r *http.Request) *Page {
	return r.Context().Value(pageKey{}).(*Page)
}

func (s *Server) handlePages(w http.ResponseWriter, _ *http.Request) {
	ids := make([]string, 0, len(s.pages))
	for id := range s.pages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, map[string]any{"pages": ids})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": pageFrom(r).Tracker.Nodes()})
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	p := pageFrom(r)
	if p.Tree == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no tree for page"})
		return
	}
	writeJSON(w, http.StatusOK, p.Tree.Snapshot(r.Context()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pageFrom(r).Tracker.Stats())
}

type actionRequest struct {
	Action ident.ActionType `json:"action"`
	Value  string           `json:"value"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res := pageFrom(r).Tracker.Do(chi.URLParam(r, "id"), req.Action, req.Value)
	writeJSON(w, http.StatusOK, res)
}

// handleEvents streams tracker events as SSE, one JSON event per
// message, in flush order.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	p := pageFrom(r)

	// The listener runs on the tracker loop: it must never block.
	// Overflow drops the oldest queued event in favor of the newest.
	ch := make(chan ident.Event, eventBuffer)
	handle := p.Tracker.AddListener(ident.EventAny, func(ev ident.Event) {
		for {
			select {
			case ch <- ev:
				return
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	})
	defer p.Tracker.RemoveListener(ident.EventAny, handle)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("httpapi: encode event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
