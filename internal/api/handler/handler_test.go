package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/glycotree-labs/glycotree/internal/artifact"
	"github.com/glycotree-labs/glycotree/internal/manifest"
	"github.com/glycotree-labs/glycotree/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error.Code
}

func runRouter(t *testing.T, manifests manifest.Store) chi.Router {
	t.Helper()
	h := NewRunHandler(testLogger(), nil, manifests, nil)
	r := chi.NewRouter()
	r.Get("/runs", h.List)
	r.Get("/runs/{runID}", h.Get)
	return r
}

func TestRunGet_InvalidID(t *testing.T) {
	store, err := manifest.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	rec := httptest.NewRecorder()
	runRouter(t, store).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/not-a-uuid", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "INVALID_RUN_ID" {
		t.Errorf("code = %s", code)
	}
}

func TestRunGet_NotFound(t *testing.T) {
	store, err := manifest.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	rec := httptest.NewRecorder()
	runRouter(t, store).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+uuid.NewString(), nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "RUN_NOT_FOUND" {
		t.Errorf("code = %s", code)
	}
}

func TestRunGetAndList(t *testing.T) {
	store, err := manifest.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	m := manifest.New(manifest.DefaultConfig("GH13"), []string{"fetch"})
	if err := store.Save(context.Background(), m); err != nil {
		t.Fatalf("save: %v", err)
	}
	router := runRouter(t, store)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+m.ID.String(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got manifest.RunManifest
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if got.ID != m.ID || got.Config.Family != "GH13" {
		t.Errorf("manifest = %+v", got)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Runs []RunSummary `json:"runs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Runs) != 1 || list.Runs[0].ID != m.ID {
		t.Errorf("list = %+v", list.Runs)
	}
}

func artifactRouter(t *testing.T) (chi.Router, *artifact.FSStore) {
	t.Helper()
	store, err := artifact.NewFSStore(t.TempDir(), 16, testLogger())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	h := NewArtifactHandler(testLogger(), store)
	r := chi.NewRouter()
	r.Get("/artifacts/{fingerprint}", h.Get)
	r.Get("/artifacts/{fingerprint}/payload", h.Download)
	return r, store
}

func TestArtifactGet_InvalidFingerprint(t *testing.T) {
	router, _ := artifactRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/artifacts/nothex", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "INVALID_FINGERPRINT" {
		t.Errorf("code = %s", code)
	}
}

func TestArtifactGet_NotFound(t *testing.T) {
	router, _ := artifactRouter(t)
	fp := strings.Repeat("ab", 32)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/artifacts/"+fp, nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "ARTIFACT_NOT_FOUND" {
		t.Errorf("code = %s", code)
	}
}

func TestArtifactDownload(t *testing.T) {
	router, store := artifactRouter(t)
	fp := strings.Repeat("cd", 32)
	payload := "(A:0.1,B:0.2);"
	if _, err := store.Put(context.Background(), fp, strings.NewReader(payload), artifact.TypeTree); err != nil {
		t.Fatalf("put: %v", err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/artifacts/"+fp+"/payload", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != payload {
		t.Errorf("payload = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Length"); got != "14" {
		t.Errorf("content-length = %s", got)
	}
}

func TestCreateRunRequest_ToConfig(t *testing.T) {
	coverage := 0.5
	render := true
	req := CreateRunRequest{
		Family:      "GH31",
		Domains:     "BE",
		TreeBuilder: "raxml-ng",
		HMMCoverage: &coverage,
		RenderTree:  &render,
	}
	cfg, err := req.toConfig()
	if err != nil {
		t.Fatalf("toConfig: %v", err)
	}
	if cfg.Family != "GH31" {
		t.Errorf("family = %s", cfg.Family)
	}
	if cfg.Domains != models.DomainBacteria|models.DomainEukaryota {
		t.Errorf("domains = %v", cfg.Domains)
	}
	if cfg.TreeBuilder != models.TreeBuilderRAxMLNG {
		t.Errorf("builder = %s", cfg.TreeBuilder)
	}
	if cfg.HMMCoverage != 0.5 || !cfg.RenderTree {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	// Untouched fields keep family defaults.
	if cfg.IdentityThreshold != 0.99 || cfg.SubsampleLimit != 4000 {
		t.Errorf("defaults lost: %+v", cfg)
	}

	req.Domains = "BX"
	if _, err := req.toConfig(); err == nil {
		t.Fatal("expected bad domain letter error")
	}
}
