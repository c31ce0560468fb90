package server

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"

	"github.com/dustin/go-humanize"
)

// handleImage serves GET /images?url=U from the cache, filling it on a miss.
// When caching fails the origin is streamed directly.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	parsed, err := url.Parse(target)
	if target == "" || err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}

	if s.rules.ShouldPassthrough(target) {
		log.Printf("[PASSTHROUGH] %s", target)
		s.forward(w, r, target)
		return
	}

	if path, ok := s.cache.GetCachedImage(r.Context(), target); ok {
		log.Printf("[CACHE HIT] %s", target)
		if s.serveCached(w, r, path, "HIT") {
			return
		}
	}

	log.Printf("[CACHE MISS] %s", target)

	// Concurrent misses share one fetch, which outlives any single caller.
	fetchCtx := context.WithoutCancel(r.Context())
	v, err, shared := s.fetches.Do(target, func() (any, error) {
		return s.cache.CacheImage(fetchCtx, target, target)
	})
	if err != nil {
		log.Printf("[CACHE ERROR] %s: %v", target, err)
		s.forward(w, r, target)
		return
	}
	if shared {
		log.Printf("[CACHE SHARED] %s", target)
	}

	if !s.serveCached(w, r, v.(string), "MISS") {
		s.forward(w, r, target)
	}
}

// serveCached reports false when the file vanished before it could be
// opened, so the caller can fall back to the origin.
func (s *Server) serveCached(w http.ResponseWriter, r *http.Request, path, status string) bool {
	f, err := os.Open(path)
	if err != nil {
		log.Printf("[CACHE ERROR] failed to open %s: %v", path, err)
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		log.Printf("[CACHE ERROR] failed to stat %s: %v", path, err)
		return false
	}

	w.Header().Set("X-Cache", status)
	w.Header().Set("X-Cache-Size", humanize.IBytes(uint64(info.Size())))
	http.ServeContent(w, r, "", info.ModTime(), f)
	return true
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, target string) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create request")
		return
	}
	for _, h := range []string{"Accept", "If-None-Match", "If-Modified-Since", "User-Agent"} {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		log.Printf("[ERROR] Failed to forward %s: %v", target, err)
		writeError(w, http.StatusBadGateway, "failed to fetch image")
		return
	}
	defer resp.Body.Close()

	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.Header().Set("X-Cache", "BYPASS")
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Printf("[ERROR] Failed to write response: %v", err)
	}
}

type cacheStatsResponse struct {
	TotalSize      int64  `json:"totalSize"`
	TotalSizeHuman string `json:"totalSizeHuman"`
	EntryCount     int    `json:"entryCount"`
	MaxSize        int64  `json:"maxSize"`
	MaxSizeHuman   string `json:"maxSizeHuman"`
	LastCleanup    int64  `json:"lastCleanup"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	st := s.cache.Stats(r.Context())
	writeJSON(w, http.StatusOK, cacheStatsResponse{
		TotalSize:      st.TotalSize,
		TotalSizeHuman: humanize.IBytes(uint64(st.TotalSize)),
		EntryCount:     st.EntryCount,
		MaxSize:        st.MaxSize,
		MaxSizeHuman:   humanize.IBytes(uint64(st.MaxSize)),
		LastCleanup:    st.LastCleanup,
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.ClearCache(r.Context()); err != nil {
		log.Printf("[CACHE ERROR] failed to clear cache: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to clear cache")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
