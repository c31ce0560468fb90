package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/Floewmp/RopeAcess-Portfolio/internal/session"
)

const maxSessionBody = 1 << 20

type sessionListResponse struct {
	Sessions   []session.Record `json:"sessions"`
	Count      int              `json:"count"`
	TotalHours float64          `json:"totalHours"`
}

// parseFilter reads employer, name, methods, coworkers, min_height and day
// (YYYY-MM-DD, local time) from the query string.
func parseFilter(r *http.Request) (session.Filter, error) {
	q := r.URL.Query()
	f := session.Filter{
		Employer:  q.Get("employer"),
		Name:      q.Get("name"),
		Methods:   q.Get("methods"),
		Coworkers: q.Get("coworkers"),
	}
	if v := q.Get("min_height"); v != "" {
		h, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, errors.New("min_height must be a number")
		}
		f.MinHeight = h
	}
	if v := q.Get("day"); v != "" {
		day, err := time.ParseInLocation(time.DateOnly, v, time.Local)
		if err != nil {
			return f, errors.New("day must be YYYY-MM-DD")
		}
		f.Day = day
	}
	return f, nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.sessions.Load(r.Context())
	if err != nil {
		log.Printf("[SESSION ERROR] failed to load sessions: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load sessions")
		return
	}

	records = filter.Apply(records)
	writeJSON(w, http.StatusOK, sessionListResponse{
		Sessions:   records,
		Count:      len(records),
		TotalHours: session.TotalHours(records),
	})
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (session.Record, bool) {
	var rec session.Record
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSessionBody))
	if err := dec.Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session: "+err.Error())
		return rec, false
	}
	return rec, true
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}

	created, err := s.sessions.Create(r.Context(), rec)
	if err != nil {
		log.Printf("[SESSION ERROR] failed to create session: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to save session")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if rec.ID != "" && rec.ID != id {
		writeError(w, http.StatusBadRequest, "session id does not match path")
		return
	}
	rec.ID = id

	updated, err := s.sessions.Update(r.Context(), rec)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		log.Printf("[SESSION ERROR] failed to update session %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to save session")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		log.Printf("[SESSION ERROR] failed to delete session %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearSessions(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.ClearAll(r.Context()); err != nil {
		log.Printf("[SESSION ERROR] failed to clear sessions: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to clear sessions")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
