// Package server exposes the image cache and the session store over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/Floewmp/RopeAcess-Portfolio/internal/imagecache"
	"github.com/Floewmp/RopeAcess-Portfolio/internal/session"
)

type ImageCache interface {
	GetCachedImage(ctx context.Context, url string) (string, bool)
	CacheImage(ctx context.Context, url, sourceURI string) (string, error)
	Stats(ctx context.Context) imagecache.Stats
	ClearCache(ctx context.Context) error
}

type SessionStore interface {
	Load(ctx context.Context) ([]session.Record, error)
	Create(ctx context.Context, data session.Record) (session.Record, error)
	Update(ctx context.Context, record session.Record) (session.Record, error)
	Delete(ctx context.Context, id string) error
	ClearAll(ctx context.Context) error
}

type Server struct {
	cache    ImageCache
	sessions SessionStore
	rules    *Rules
	client   *http.Client
	fetches  singleflight.Group
	mux      *http.ServeMux
}

// New builds the HTTP handler. client fetches origin images when the cache
// is bypassed; nil means http.DefaultClient.
func New(cache ImageCache, sessions SessionStore, rules *Rules, client *http.Client) *Server {
	if client == nil {
		client = http.DefaultClient
	}
	s := &Server{
		cache:    cache,
		sessions: sessions,
		rules:    rules,
		client:   client,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("GET /images", s.handleImage)
	s.mux.HandleFunc("GET /cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("DELETE /cache", s.handleCacheClear)

	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /sessions", s.handleCreateSession)
	s.mux.HandleFunc("PUT /sessions/{id}", s.handleUpdateSession)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("DELETE /sessions", s.handleClearSessions)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ERROR] Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
