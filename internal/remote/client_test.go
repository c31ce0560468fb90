package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Floewmp/RopeAcess-Portfolio/internal/session"
)

func newClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:         srv.URL + "/",
		Token:           "secret",
		Client:          srv.Client(),
		MaxTries:        3,
		InitialInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

// backend is an in-memory stand-in for the remote session API.
type backend struct {
	mu       sync.Mutex
	sessions map[string]session.Record
	auth     []string
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auth = append(b.auth, r.Header.Get("Authorization"))

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/users/u 1/sessions":
		out := make([]session.Record, 0, len(b.sessions))
		for _, s := range b.sessions {
			out = append(out, s)
		}
		_ = json.NewEncoder(w).Encode(out)
	case r.Method == http.MethodPut && r.URL.Path == "/users/u 1/sessions/abc":
		var rec session.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.sessions[rec.ID] = rec
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodDelete:
		if _, ok := b.sessions["abc"]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(b.sessions, "abc")
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusBadRequest)
	}
}

func TestClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	b := &backend{sessions: map[string]session.Record{}}
	srv := httptest.NewServer(b)
	defer srv.Close()
	c := newClient(t, srv)

	require.NoError(t, c.Put(ctx, "u 1", session.Record{ID: "abc", Name: "Bridge", Height: 12, StartedAt: 5}))

	records, err := c.List(ctx, "u 1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "Bridge", records[0].Name)
	require.EqualValues(t, 12, records[0].Height)

	require.NoError(t, c.Delete(ctx, "u 1", "abc"))
	require.NoError(t, c.Delete(ctx, "u 1", "abc"), "404 on delete is success")

	for _, h := range b.auth {
		require.Equal(t, "Bearer secret", h)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	records, err := newClient(t, srv).List(context.Background(), "u")
	require.NoError(t, err)
	require.Empty(t, records)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestClient_GivesUpAfterMaxTries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newClient(t, srv).Put(context.Background(), "u", session.Record{ID: "x"})
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusInternalServerError, statusErr.Code)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newClient(t, srv).List(context.Background(), "u")
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusForbidden, statusErr.Code)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestClient_BadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"not":"a list"}`)
	}))
	defer srv.Close()

	_, err := newClient(t, srv).List(context.Background(), "u")
	require.Error(t, err)
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestClient_FeedsSessionStore(t *testing.T) {
	ctx := context.Background()
	b := &backend{sessions: map[string]session.Record{
		"abc": {ID: "abc", Name: "remote", StartedAt: 10, LastModified: 50},
	}}
	srv := httptest.NewServer(b)
	defer srv.Close()

	store, err := session.New(session.Options{
		Path:     t.TempDir() + "/sessions.json",
		Remote:   newClient(t, srv),
		Identity: func() string { return "u 1" },
	})
	require.NoError(t, err)

	records, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "remote", records[0].Name)
}
