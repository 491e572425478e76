package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wittgen/lgdl/internal/engine"
	"github.com/wittgen/lgdl/internal/health"
	"github.com/wittgen/lgdl/internal/match"
	"github.com/wittgen/lgdl/internal/registry"
	"github.com/wittgen/lgdl/internal/server"
	statememory "github.com/wittgen/lgdl/pkg/state/memory"
)

const gameSource = `{
  "id": "medical",
  "name": "Medical Appointments",
  "version": "1.0.0",
  "description": "Scheduling for a medical practice.",
  "moves": [
    {
      "id": "greeting",
      "triggers": [{"pattern": "hello", "modifiers": ["strict"]}],
      "confidence": {"band": "medium"},
      "blocks": [
        {
          "condition": "confident",
          "actions": [{"type": "respond", "template": "Hello, how can I help?"}]
        }
      ]
    }
  ]
}`

// newTestServer registers the fixture game and returns the server plus the
// game source path for mutation in reload tests.
func newTestServer(t *testing.T, opts ...server.Option) (*server.Server, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "medical.json")
	if err := os.WriteFile(path, []byte(gameSource), 0o644); err != nil {
		t.Fatalf("write game: %v", err)
	}

	reg := registry.New(nil)
	if _, err := reg.Register(context.Background(), path); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := engine.New(reg, statememory.New(), match.New(nil, nil))
	return server.New(eng, reg, opts...), path
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMove_RunsATurn(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := postJSON(t, h, "/games/medical/move",
		`{"conversation_id": "c1", "input": "hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var res engine.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.MoveID != "greeting" || res.Response != "Hello, how can I help?" {
		t.Errorf("result = %+v", res)
	}
	if res.ManifestID == "" {
		t.Error("manifest id missing")
	}
}

func TestMove_UnknownGameIs404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postJSON(t, s.Handler(), "/games/dentistry/move",
		`{"conversation_id": "c1", "input": "hello"}`)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "E222" {
		t.Errorf("code = %q, want E222", body.Code)
	}
}

func TestMove_MalformedBodyIs400(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	for name, body := range map[string]string{
		"bad json":      `{`,
		"missing input": `{"conversation_id": "c1"}`,
		"unknown field": `{"conversation_id": "c1", "input": "hi", "extra": true}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := postJSON(t, h, "/games/medical/move", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestLegacyMove_CarriesDeprecationHeader(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postJSON(t, s.Handler(), "/move",
		`{"game_id": "medical", "conversation_id": "c1", "input": "hello"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Deprecation") != "true" {
		t.Error("legacy endpoint must set the Deprecation header")
	}
}

func TestListAndGetGame(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/games", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Games []string `json:"games"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Games) != 1 || list.Games[0] != "medical" {
		t.Errorf("games = %v", list.Games)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/games/medical", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var summary struct {
		ID       string `json:"id"`
		Moves    int    `json:"moves"`
		FileHash string `json:"file_hash"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.ID != "medical" || summary.Moves != 1 || summary.FileHash == "" {
		t.Errorf("summary = %+v", summary)
	}
}

func TestReload_RequiresDevMode(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postJSON(t, s.Handler(), "/games/medical/reload", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestReload_SwapsChangedSource(t *testing.T) {
	s, path := newTestServer(t, server.WithDevMode(true))
	h := s.Handler()

	// Unchanged file: no swap.
	rec := postJSON(t, h, "/games/medical/reload", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Reloaded bool   `json:"reloaded"`
		Hash     string `json:"hash"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Reloaded {
		t.Error("unchanged source must not swap")
	}

	// Changed file: swap.
	updated := strings.Replace(gameSource, `"version": "1.0.0"`, `"version": "1.1.0"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite game: %v", err)
	}
	rec = postJSON(t, h, "/games/medical/reload", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Reloaded {
		t.Error("changed source must swap")
	}
}

func TestHealthRoutes(t *testing.T) {
	hh := health.New().WithGamesLoaded(func() int { return 1 })
	s, _ := newTestServer(t, server.WithHealth(hh))
	h := s.Handler()

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}
