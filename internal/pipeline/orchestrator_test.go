package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/glycotree-labs/glycotree/internal/artifact"
	"github.com/glycotree-labs/glycotree/internal/manifest"
	"github.com/glycotree-labs/glycotree/internal/tool"
)

// callLog counts stage executions across runs, excluding cache hits.
type callLog struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCallLog() *callLog {
	return &callLog{counts: make(map[string]int)}
}

func (c *callLog) inc(stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[stage]++
}

func (c *callLog) count(stage string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[stage]
}

// countingStage emits one artifact whose content depends on the stage id,
// its inputs, and an optional config salt, so config changes propagate to
// downstream checksums.
func countingStage(calls *callLog, id, output string, salt func(manifest.RunConfig) string) StageRunner {
	return StageFunc(func(ctx context.Context, sc *StageContext) (*RunResult, error) {
		calls.inc(id)
		var b strings.Builder
		fmt.Fprintf(&b, "%s:", id)
		if salt != nil {
			b.WriteString(salt(sc.Config))
		}
		stages := make([]string, 0, len(sc.Inputs))
		for stage := range sc.Inputs {
			stages = append(stages, stage)
		}
		sort.Strings(stages)
		for _, stage := range stages {
			for _, in := range sc.Inputs[stage] {
				fmt.Fprintf(&b, "|%s/%s=%s", stage, in.Ref.Name, in.Ref.Checksum)
			}
		}
		return &RunResult{Artifacts: []ProducedArtifact{
			{Name: output, Type: artifact.TypeSequenceSet, Payload: strings.NewReader(b.String())},
		}}, nil
	})
}

// testRig is an orchestrator wired against temp-dir stores and a linear
// fetch -> annotate -> dedupe graph with a side branch report <- dedupe.
type testRig struct {
	orch      *Orchestrator
	artifacts *artifact.FSStore
	manifests *manifest.FSStore
	calls     *callLog
	root      string
}

func newTestRig(t *testing.T, build func(calls *callLog, reg *Registry)) *testRig {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	root := t.TempDir()
	artifacts, err := artifact.NewFSStore(root, 64, logger)
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	manifests, err := manifest.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("manifest store: %v", err)
	}

	calls := newCallLog()
	reg := NewRegistry()
	if build != nil {
		build(calls, reg)
	} else {
		mustRegister(t, reg, &StageSpec{ID: "fetch", Runner: countingStage(calls, "fetch", "sequences", nil),
			Outputs: []OutputSpec{{Name: "sequences", Type: artifact.TypeSequenceSet}}})
		mustRegister(t, reg, &StageSpec{ID: "annotate", DependsOn: []string{"fetch"},
			Runner:  countingStage(calls, "annotate", "annotated", nil),
			Outputs: []OutputSpec{{Name: "annotated", Type: artifact.TypeSequenceSet}}})
		mustRegister(t, reg, &StageSpec{ID: "dedupe", DependsOn: []string{"annotate"},
			Runner:  countingStage(calls, "dedupe", "unique", nil),
			Outputs: []OutputSpec{{Name: "unique", Type: artifact.TypeSequenceSet}}})
		mustRegister(t, reg, &StageSpec{ID: "report", DependsOn: []string{"dedupe"},
			Runner:  countingStage(calls, "report", "report", nil),
			Outputs: []OutputSpec{{Name: "report", Type: artifact.TypeReport}}})
	}
	if err := reg.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	orch := NewOrchestrator(reg, artifacts, manifests, 2, t.TempDir(), logger)
	return &testRig{orch: orch, artifacts: artifacts, manifests: manifests, calls: calls, root: root}
}

func mustRegister(t *testing.T, reg *Registry, spec *StageSpec) {
	t.Helper()
	if err := reg.Register(spec); err != nil {
		t.Fatalf("register %s: %v", spec.ID, err)
	}
}

func testConfig() manifest.RunConfig {
	return manifest.DefaultConfig("GH13")
}

func TestRun_CompletesAndRecordsArtifacts(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	m, err := rig.orch.NewRun(ctx, testConfig())
	if err != nil {
		t.Fatalf("new run: %v", err)
	}
	final, err := rig.orch.Run(ctx, m)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if final.State != manifest.RunCompleted {
		t.Fatalf("state = %s, want completed", final.State)
	}
	for _, stage := range []string{"fetch", "annotate", "dedupe", "report"} {
		if got := final.Execution(stage).State; got != manifest.StageSucceeded {
			t.Errorf("stage %s = %s", stage, got)
		}
		refs := final.Artifacts[stage]
		if len(refs) != 1 {
			t.Fatalf("stage %s has %d artifact refs", stage, len(refs))
		}
		if _, err := rig.artifacts.Get(ctx, refs[0].Fingerprint); err != nil {
			t.Errorf("stage %s artifact missing from store: %v", stage, err)
		}
	}

	// The persisted manifest matches what Run returned.
	loaded, err := rig.manifests.Load(ctx, final.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.State != manifest.RunCompleted {
		t.Errorf("persisted state = %s", loaded.State)
	}
}

func TestRun_IdenticalRunIsAllCacheHits(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	m1, _ := rig.orch.NewRun(ctx, testConfig())
	if _, err := rig.orch.Run(ctx, m1); err != nil {
		t.Fatalf("first run: %v", err)
	}

	m2, _ := rig.orch.NewRun(ctx, testConfig())
	final, err := rig.orch.Run(ctx, m2)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if final.State != manifest.RunCompleted {
		t.Fatalf("state = %s", final.State)
	}
	for _, stage := range []string{"fetch", "annotate", "dedupe", "report"} {
		if got := final.Execution(stage).State; got != manifest.StageSkippedCacheHit {
			t.Errorf("stage %s = %s, want cache hit", stage, got)
		}
		if n := rig.calls.count(stage); n != 1 {
			t.Errorf("stage %s executed %d times, want 1", stage, n)
		}
	}
}

func TestRun_ForceUpdateBypassesCache(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	m1, _ := rig.orch.NewRun(ctx, testConfig())
	if _, err := rig.orch.Run(ctx, m1); err != nil {
		t.Fatalf("first run: %v", err)
	}

	cfg := testConfig()
	cfg.ForceUpdate = true
	m2, _ := rig.orch.NewRun(ctx, cfg)
	final, err := rig.orch.Run(ctx, m2)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if final.State != manifest.RunCompleted {
		t.Fatalf("state = %s", final.State)
	}
	for _, stage := range []string{"fetch", "annotate", "dedupe", "report"} {
		if n := rig.calls.count(stage); n != 2 {
			t.Errorf("stage %s executed %d times, want 2", stage, n)
		}
	}
}

func TestRun_FailureBlocksTransitiveDependents(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, func(calls *callLog, reg *Registry) {
		mustRegister(t, reg, &StageSpec{ID: "fetch", Runner: countingStage(calls, "fetch", "sequences", nil),
			Outputs: []OutputSpec{{Name: "sequences", Type: artifact.TypeSequenceSet}}})
		mustRegister(t, reg, &StageSpec{ID: "annotate", DependsOn: []string{"fetch"},
			Runner: StageFunc(func(ctx context.Context, sc *StageContext) (*RunResult, error) {
				return nil, &tool.Error{Kind: tool.KindDeterministic, Tool: "hmmscan", Detail: "bad input"}
			}),
			Outputs: []OutputSpec{{Name: "annotated", Type: artifact.TypeSequenceSet}}})
		mustRegister(t, reg, &StageSpec{ID: "dedupe", DependsOn: []string{"annotate"},
			Runner:  countingStage(calls, "dedupe", "unique", nil),
			Outputs: []OutputSpec{{Name: "unique", Type: artifact.TypeSequenceSet}}})
		mustRegister(t, reg, &StageSpec{ID: "report", DependsOn: []string{"dedupe"},
			Runner:  countingStage(calls, "report", "report", nil),
			Outputs: []OutputSpec{{Name: "report", Type: artifact.TypeReport}}})
	})

	m, _ := rig.orch.NewRun(ctx, testConfig())
	final, err := rig.orch.Run(ctx, m)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if final.State != manifest.RunFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	if final.FailureStage != "annotate" {
		t.Errorf("failure stage = %s", final.FailureStage)
	}
	if got := final.Execution("annotate").State; got != manifest.StageFailed {
		t.Errorf("annotate = %s", got)
	}
	if got := final.Execution("annotate").ErrorKind; got != "deterministic" {
		t.Errorf("annotate error kind = %s", got)
	}
	for _, stage := range []string{"dedupe", "report"} {
		if got := final.Execution(stage).State; got != manifest.StageSkippedBlocked {
			t.Errorf("stage %s = %s, want skipped_blocked", stage, got)
		}
		if n := rig.calls.count(stage); n != 0 {
			t.Errorf("blocked stage %s executed %d times", stage, n)
		}
	}
	// fetch succeeded before the failure and keeps its artifact.
	if got := final.Execution("fetch").State; got != manifest.StageSucceeded {
		t.Errorf("fetch = %s", got)
	}
}

func TestAdvance_IdempotentOnTerminalManifest(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	m, _ := rig.orch.NewRun(ctx, testConfig())
	final, err := rig.orch.Run(ctx, m)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	again, err := rig.orch.Advance(ctx, final)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if again.State != final.State {
		t.Errorf("state changed: %s -> %s", final.State, again.State)
	}
	if len(again.History) != len(final.History) {
		t.Errorf("history grew from %d to %d on idempotent advance", len(final.History), len(again.History))
	}
	for stage := range final.Stages {
		if rig.calls.count(stage) != 1 {
			t.Errorf("stage %s re-executed", stage)
		}
	}
}

func TestResume_UnknownStageRejected(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	m := manifest.New(testConfig(), []string{"fetch", "annotate", "dedupe", "report", "ghost"})
	if err := rig.manifests.Save(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}

	_, err := rig.orch.Resume(ctx, m.ID)
	var inconsistency *ResumeInconsistencyError
	if !errors.As(err, &inconsistency) {
		t.Fatalf("err = %v, want ResumeInconsistencyError", err)
	}
	if inconsistency.Stage != "ghost" {
		t.Errorf("stage = %s", inconsistency.Stage)
	}
}

func TestResume_MissingArtifactRejected(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	m, _ := rig.orch.NewRun(ctx, testConfig())
	final, err := rig.orch.Run(ctx, m)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// Wipe the artifact store out from under the manifest and rebuild it
	// so no verified records linger in the in-process cache.
	if err := os.RemoveAll(rig.root); err != nil {
		t.Fatalf("wipe store: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fresh, err := artifact.NewFSStore(rig.root, 64, logger)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	rig.orch.artifacts = fresh

	// A terminal manifest short-circuits Advance; make the run a resume
	// candidate so consistency is actually checked.
	final.State = manifest.RunPaused

	_, err = rig.orch.Advance(ctx, final)
	var inconsistency *ResumeInconsistencyError
	if !errors.As(err, &inconsistency) {
		t.Fatalf("err = %v, want ResumeInconsistencyError", err)
	}
}

func TestAdvance_RequeuesInterruptedExecution(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	m, err := rig.orch.NewRun(ctx, testConfig())
	if err != nil {
		t.Fatalf("new run: %v", err)
	}
	// Simulate a crash mid-flight: fetch was Running with no stored
	// output when the process died.
	m.Apply(manifest.StageExecution{ID: uuid.New(), Stage: "fetch", State: manifest.StageRunning})
	m.SetState(manifest.RunRunning)
	if err := rig.manifests.Save(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}

	final, err := rig.orch.Run(ctx, m)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.State != manifest.RunCompleted {
		t.Fatalf("state = %s", final.State)
	}
	if got := final.Execution("fetch").RetryCount; got != 1 {
		t.Errorf("fetch retry count = %d, want 1", got)
	}

	// The history records the interrupted execution before the retry.
	interrupted := false
	for _, exec := range final.History {
		if exec.Stage == "fetch" && exec.ErrorKind == "interrupted" {
			interrupted = true
		}
	}
	if !interrupted {
		t.Error("history has no interrupted execution for fetch")
	}
}

func TestRun_ConfigKeyScopesCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, func(calls *callLog, reg *Registry) {
		mustRegister(t, reg, &StageSpec{ID: "fetch",
			Runner:  countingStage(calls, "fetch", "sequences", func(cfg manifest.RunConfig) string { return cfg.Family }),
			Outputs: []OutputSpec{{Name: "sequences", Type: artifact.TypeSequenceSet}},
			ConfigKey: func(cfg manifest.RunConfig) any {
				return struct {
					Family string `json:"family"`
				}{cfg.Family}
			}})
		mustRegister(t, reg, &StageSpec{ID: "dedupe", DependsOn: []string{"fetch"},
			Runner: countingStage(calls, "dedupe", "unique", func(cfg manifest.RunConfig) string {
				return fmt.Sprint(cfg.IdentityThreshold)
			}),
			Outputs: []OutputSpec{{Name: "unique", Type: artifact.TypeSequenceSet}},
			ConfigKey: func(cfg manifest.RunConfig) any {
				return struct {
					Threshold float64 `json:"threshold"`
				}{cfg.IdentityThreshold}
			}})
	})

	m1, _ := rig.orch.NewRun(ctx, testConfig())
	if _, err := rig.orch.Run(ctx, m1); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// A tuning change consumed only by dedupe re-executes dedupe but
	// leaves the fetch artifact cached.
	cfg := testConfig()
	cfg.IdentityThreshold = 0.90
	m2, _ := rig.orch.NewRun(ctx, cfg)
	final, err := rig.orch.Run(ctx, m2)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if final.State != manifest.RunCompleted {
		t.Fatalf("state = %s", final.State)
	}
	if n := rig.calls.count("fetch"); n != 1 {
		t.Errorf("fetch executed %d times, want 1 (cache hit)", n)
	}
	if n := rig.calls.count("dedupe"); n != 2 {
		t.Errorf("dedupe executed %d times, want 2", n)
	}
	if got := final.Execution("fetch").State; got != manifest.StageSkippedCacheHit {
		t.Errorf("fetch = %s", got)
	}
}

func TestRun_CancellationPausesRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var interruptOnce atomic.Bool
	interruptOnce.Store(true)
	rig := newTestRig(t, func(calls *callLog, reg *Registry) {
		mustRegister(t, reg, &StageSpec{ID: "fetch", Runner: countingStage(calls, "fetch", "sequences", nil),
			Outputs: []OutputSpec{{Name: "sequences", Type: artifact.TypeSequenceSet}}})
		mustRegister(t, reg, &StageSpec{ID: "annotate", DependsOn: []string{"fetch"},
			Runner: StageFunc(func(ctx context.Context, sc *StageContext) (*RunResult, error) {
				if interruptOnce.CompareAndSwap(true, false) {
					cancel()
					<-ctx.Done()
					return nil, ctx.Err()
				}
				return &RunResult{Artifacts: []ProducedArtifact{
					{Name: "annotated", Type: artifact.TypeSequenceSet, Payload: strings.NewReader("annotated")},
				}}, nil
			}),
			Outputs: []OutputSpec{{Name: "annotated", Type: artifact.TypeSequenceSet}}})
	})

	m, _ := rig.orch.NewRun(ctx, testConfig())
	final, err := rig.orch.Run(ctx, m)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if final.State != manifest.RunPaused {
		t.Fatalf("state = %s, want paused", final.State)
	}
	if got := final.Execution("annotate").State; got != manifest.StagePending {
		t.Errorf("annotate = %s, want pending for resume", got)
	}
	if got := final.Execution("fetch").State; got != manifest.StageSucceeded {
		t.Errorf("fetch = %s", got)
	}

	// Resuming with a fresh context completes the run.
	resumed, err := rig.orch.Run(context.Background(), final)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.State != manifest.RunCompleted {
		t.Errorf("resumed state = %s", resumed.State)
	}
}

func TestNewRun_InvalidConfigRejected(t *testing.T) {
	rig := newTestRig(t, nil)
	cfg := testConfig()
	cfg.Family = ""

	_, err := rig.orch.NewRun(context.Background(), cfg)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}
