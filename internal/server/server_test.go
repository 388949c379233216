package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lazypower/engram/internal/engine"
	"github.com/lazypower/engram/internal/memory"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	eng, err := engine.New(memory.New(memory.Options{}), engine.Options{})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(eng.Stop)
	return New(eng, Options{
		SnapshotPath: filepath.Join(t.TempDir(), "engram.db"),
		Version:      "test-version",
	})
}

// do sends a request and decodes the JSON response into out when non-nil.
func do(t *testing.T, srv *Server, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode body: %v; body: %s", method, path, err, w.Body.String())
		}
	}
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)

	var body map[string]any
	w := do(t, srv, "GET", "/api/health", "", &body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test-version" {
		t.Errorf("version = %v, want test-version", body["version"])
	}
	if body["fragments"] != float64(0) {
		t.Errorf("fragments = %v, want 0", body["fragments"])
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := testServer(t)
	seed(t, srv)

	var st engine.Stats
	w := do(t, srv, "GET", "/api/stats", "", &st)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if st.Memory.Fragments != 2 || st.Memory.Edges != 1 {
		t.Errorf("stats = %+v, want 2 fragments and 1 edge", st.Memory)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	srv := testServer(t)
	seed(t, srv)

	var body map[string]string
	w := do(t, srv, "POST", "/api/snapshot", "", &body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if body["path"] != srv.snapshot {
		t.Errorf("path = %q, want %q", body["path"], srv.snapshot)
	}

	srv.snapshot = ""
	w = do(t, srv, "POST", "/api/snapshot", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("no path: status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := testServer(t)
	w := do(t, srv, "GET", "/api/sessions", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
