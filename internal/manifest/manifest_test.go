package manifest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func newTestManifest(t *testing.T) *RunManifest {
	t.Helper()
	cfg := DefaultConfig("GH13")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	return New(cfg, []string{"fetch", "annotate", "dedupe"})
}

func TestNew_AllStagesPending(t *testing.T) {
	m := newTestManifest(t)
	if m.State != RunCreated {
		t.Errorf("state = %s", m.State)
	}
	if m.SchemaVersion != SchemaVersion {
		t.Errorf("schema version = %d", m.SchemaVersion)
	}
	for _, stage := range []string{"fetch", "annotate", "dedupe"} {
		exec := m.Execution(stage)
		if exec == nil || exec.State != StagePending {
			t.Errorf("stage %s not pending: %+v", stage, exec)
		}
	}
}

func TestApply_AppendsHistory(t *testing.T) {
	m := newTestManifest(t)
	initial := len(m.History)

	m.Apply(StageExecution{ID: uuid.New(), Stage: "fetch", State: StageRunning})
	m.Apply(StageExecution{ID: uuid.New(), Stage: "fetch", State: StageSucceeded})

	if len(m.History) != initial+2 {
		t.Errorf("history length = %d, want %d", len(m.History), initial+2)
	}
	if m.Execution("fetch").State != StageSucceeded {
		t.Errorf("latest state = %s", m.Execution("fetch").State)
	}
}

func TestSetState_Monotonic(t *testing.T) {
	m := newTestManifest(t)

	m.SetState(RunRunning)
	m.SetState(RunCreated) // regression, ignored
	if m.State != RunRunning {
		t.Errorf("state = %s, want running", m.State)
	}

	// Paused and Running interchange so an interrupted run can resume.
	m.SetState(RunPaused)
	if m.State != RunPaused {
		t.Errorf("state = %s, want paused", m.State)
	}
	m.SetState(RunRunning)
	if m.State != RunRunning {
		t.Errorf("state = %s, want running after resume", m.State)
	}

	m.SetState(RunCompleted)
	m.SetState(RunRunning) // terminal states never regress
	if m.State != RunCompleted {
		t.Errorf("state = %s, want completed", m.State)
	}
}

func TestSetFailure_FirstWins(t *testing.T) {
	m := newTestManifest(t)
	m.SetFailure("annotate", "hmmscan exploded")
	m.SetFailure("dedupe", "later failure")
	if m.FailureStage != "annotate" {
		t.Errorf("failure stage = %s", m.FailureStage)
	}
}

func TestClone_Independent(t *testing.T) {
	m := newTestManifest(t)
	m.SetArtifacts("fetch", []ArtifactRef{{Name: "sequences", Fingerprint: "aa", Checksum: "bb"}})

	cp := m.Clone()
	cp.Apply(StageExecution{ID: uuid.New(), Stage: "fetch", State: StageFailed})
	cp.Artifacts["fetch"][0].Checksum = "cc"

	if m.Execution("fetch").State != StagePending {
		t.Error("clone mutation leaked into original stages")
	}
	if m.Artifacts["fetch"][0].Checksum != "bb" {
		t.Error("clone mutation leaked into original artifacts")
	}
}

func TestFSStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	m := newTestManifest(t)
	m.Apply(StageExecution{ID: uuid.New(), Stage: "fetch", State: StageSucceeded, Fingerprint: "abcd1234abcd1234"})
	m.SetArtifacts("fetch", []ArtifactRef{{Name: "sequences", Fingerprint: "abcd1234abcd1234", Checksum: "ef"}})
	if err := store.Save(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load(ctx, m.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Execution("fetch").State != StageSucceeded {
		t.Errorf("loaded stage state = %s", got.Execution("fetch").State)
	}
	if len(got.History) != len(m.History) {
		t.Errorf("history length = %d, want %d", len(got.History), len(m.History))
	}
	if got.Artifacts["fetch"][0].Fingerprint != "abcd1234abcd1234" {
		t.Errorf("artifact ref = %+v", got.Artifacts["fetch"][0])
	}
}

func TestFSStore_LoadMissing(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Load(context.Background(), uuid.New()); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFSStore_RejectsUnknownSchema(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	m := newTestManifest(t)
	m.SchemaVersion = SchemaVersion + 1
	data, _ := json.Marshal(m)
	if err := os.WriteFile(filepath.Join(dir, m.ID.String()+".json"), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err = store.Load(context.Background(), m.ID)
	if err == nil {
		t.Fatal("expected schema version error")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig("GH13")

	bad := cfg
	bad.Family = ""
	if err := bad.Validate(); err == nil {
		t.Error("expected error for empty family")
	}

	bad = cfg
	bad.ScrapeMode = "everything"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unknown scrape mode")
	}

	bad = cfg
	bad.IdentityThreshold = 1.5
	if err := bad.Validate(); err == nil {
		t.Error("expected error for out-of-range threshold")
	}

	bad = cfg
	bad.Domains = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for empty domain selection")
	}
}
