package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/glycotree-labs/glycotree/internal/artifact"
	"github.com/glycotree-labs/glycotree/internal/manifest"
	"github.com/glycotree-labs/glycotree/internal/tool"
)

// Orchestrator sequences stage runners over the static dependency graph.
// All manifest mutation funnels through Advance, which owns the manifest
// for the duration of a wave; stage execution itself is parallel.
type Orchestrator struct {
	registry  *Registry
	artifacts artifact.Store
	manifests manifest.Store
	workers   int
	workDir   string
	logger    *slog.Logger
}

func NewOrchestrator(reg *Registry, store artifact.Store, manifests manifest.Store,
	workers int, workDir string, logger *slog.Logger) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		registry:  reg,
		artifacts: store,
		manifests: manifests,
		workers:   workers,
		workDir:   workDir,
		logger:    logger,
	}
}

// NewRun validates configuration, creates a manifest with every stage
// Pending, and persists it. Bad configuration aborts run creation.
func (o *Orchestrator) NewRun(ctx context.Context, cfg manifest.RunConfig) (*manifest.RunManifest, error) {
	if !o.registry.finalized {
		return nil, &ConfigurationError{Reason: "stage registry not finalized"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}
	m := manifest.New(cfg, o.registry.StageIDs())
	if err := o.manifests.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("persist new manifest: %w", err)
	}
	return m, nil
}

// Resume loads a persisted manifest and checks it is consistent with the
// registered stage graph and the artifact store before any dispatch.
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID) (*manifest.RunManifest, error) {
	m, err := o.manifests.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.verifyResume(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Run drives Advance to a fixed point: the run is Completed, Failed, or
// Paused by cancellation.
func (o *Orchestrator) Run(ctx context.Context, m *manifest.RunManifest) (*manifest.RunManifest, error) {
	for {
		next, err := o.Advance(ctx, m)
		if err != nil {
			return m, err
		}
		m = next
		switch m.State {
		case manifest.RunCompleted, manifest.RunFailed, manifest.RunPaused:
			return m, nil
		}
		if ctx.Err() != nil {
			return m, nil
		}
	}
}

// Advance dispatches every currently-ready stage, waits for the wave to
// finish, and returns the updated manifest. Re-invoking Advance on an
// unchanged manifest is idempotent: already-successful stages are never
// re-dispatched and a fixed point returns the manifest untouched.
func (o *Orchestrator) Advance(ctx context.Context, prev *manifest.RunManifest) (*manifest.RunManifest, error) {
	m := prev.Clone()
	if m.State == manifest.RunCompleted || m.State == manifest.RunFailed {
		return m, nil
	}
	if err := o.verifyResume(ctx, m); err != nil {
		return nil, err
	}
	if err := o.requeueInterrupted(ctx, m); err != nil {
		return nil, err
	}
	o.blockDependents(m)

	ready := o.readyStages(m)
	if len(ready) == 0 {
		if err := o.settle(ctx, m); err != nil {
			return nil, err
		}
		return m, nil
	}

	m.SetState(manifest.RunRunning)
	if err := o.manifests.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("persist manifest: %w", err)
	}

	outcomes := make(chan stageOutcome, len(ready))
	sem := make(chan struct{}, o.workers)
	dispatched := 0

	for _, stageID := range ready {
		spec := o.registry.Spec(stageID)
		inputs, refs := o.resolveInputs(m, spec)
		fp, err := spec.fingerprint(m.Config, refs)
		if err != nil {
			outcomes <- stageOutcome{stage: stageID, err: err}
			dispatched++
			continue
		}

		now := time.Now().UTC()
		m.Apply(manifest.StageExecution{
			ID:          uuid.New(),
			Stage:       stageID,
			State:       manifest.StageRunning,
			Fingerprint: fp,
			RetryCount:  m.Execution(stageID).RetryCount,
			StartedAt:   &now,
		})
		if err := o.manifests.Save(ctx, m); err != nil {
			return nil, fmt.Errorf("persist manifest: %w", err)
		}

		o.logger.Info("stage dispatched",
			slog.String("run_id", m.ID.String()),
			slog.String("stage", stageID),
			slog.String("fingerprint", fp))

		dispatched++
		go func(spec *StageSpec, fp string, inputs map[string][]InputArtifact) {
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes <- o.executeStage(ctx, m.ID, m.Config, spec, fp, inputs)
		}(spec, fp, inputs)
	}

	for i := 0; i < dispatched; i++ {
		out := <-outcomes
		if err := o.applyOutcome(ctx, m, out); err != nil {
			return nil, err
		}
	}

	o.blockDependents(m)
	if err := o.settle(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

type stageOutcome struct {
	stage    string
	fp       string
	refs     []manifest.ArtifactRef
	retries  int
	cacheHit bool
	err      error
}

// executeStage runs off the orchestrator goroutine: cache probe, then tool
// execution and artifact storage on a miss. It never touches the manifest.
func (o *Orchestrator) executeStage(ctx context.Context, runID uuid.UUID, cfg manifest.RunConfig,
	spec *StageSpec, fp string, inputs map[string][]InputArtifact) stageOutcome {

	out := stageOutcome{stage: spec.ID, fp: fp}

	if !cfg.ForceUpdate {
		refs, hit := o.probeCache(ctx, spec, fp)
		if hit {
			out.refs = refs
			out.cacheHit = true
			return out
		}
	}

	workDir := filepath.Join(o.workDir, "glycotree", runID.String(), spec.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		out.err = fmt.Errorf("create stage work dir: %w", err)
		return out
	}

	sc := &StageContext{
		RunID:       runID,
		Config:      cfg,
		Fingerprint: fp,
		WorkDir:     workDir,
		Inputs:      inputs,
	}
	res, err := spec.Runner.Run(ctx, sc)
	if res != nil {
		out.retries = res.Retries
	}
	if err != nil {
		out.err = err
		return out
	}

	produced := make(map[string]struct{}, len(res.Artifacts))
	for _, pa := range res.Artifacts {
		rec, err := o.artifacts.Put(ctx, outputFingerprint(fp, pa.Name), pa.Payload, pa.Type)
		if err != nil {
			out.err = fmt.Errorf("store artifact %s: %w", pa.Name, err)
			return out
		}
		produced[pa.Name] = struct{}{}
		out.refs = append(out.refs, manifest.ArtifactRef{
			Name:        pa.Name,
			Fingerprint: rec.Fingerprint,
			Checksum:    rec.Checksum,
			Type:        string(rec.Type),
			SizeBytes:   rec.SizeBytes,
		})
	}
	for _, declared := range spec.Outputs {
		if _, ok := produced[declared.Name]; !ok {
			out.err = fmt.Errorf("stage %s did not produce declared artifact %s", spec.ID, declared.Name)
			out.refs = nil
			return out
		}
	}
	return out
}

// probeCache reports whether every declared output of the stage is already
// stored and intact. A corrupt entry counts as a miss and forces
// re-execution.
func (o *Orchestrator) probeCache(ctx context.Context, spec *StageSpec, fp string) ([]manifest.ArtifactRef, bool) {
	var refs []manifest.ArtifactRef
	for _, outSpec := range spec.Outputs {
		outFp := outputFingerprint(fp, outSpec.Name)
		rec, err := o.artifacts.Get(ctx, outFp)
		if err != nil {
			return nil, false
		}
		refs = append(refs, manifest.ArtifactRef{
			Name:        outSpec.Name,
			Fingerprint: rec.Fingerprint,
			Checksum:    rec.Checksum,
			Type:        string(rec.Type),
			SizeBytes:   rec.SizeBytes,
		})
	}
	return refs, true
}

func (o *Orchestrator) applyOutcome(ctx context.Context, m *manifest.RunManifest, out stageOutcome) error {
	now := time.Now().UTC()
	prev := m.Execution(out.stage)
	exec := manifest.StageExecution{
		ID:          uuid.New(),
		Stage:       out.stage,
		Fingerprint: out.fp,
		RetryCount:  prev.RetryCount + out.retries,
		StartedAt:   prev.StartedAt,
		EndedAt:     &now,
	}

	switch {
	case out.err != nil && isCancelled(out.err):
		// The cancelled attempt is recorded, then the stage goes back to
		// Pending so a resumed run re-dispatches it. Cancellation never
		// blocks dependents or fails the run.
		exec.State = manifest.StageFailed
		exec.ErrorKind = "cancelled"
		exec.ErrorDetail = out.err.Error()
		m.Apply(exec)
		m.Apply(manifest.StageExecution{
			ID:         uuid.New(),
			Stage:      out.stage,
			State:      manifest.StagePending,
			RetryCount: prev.RetryCount,
		})
		o.logger.Info("stage cancelled",
			slog.String("run_id", m.ID.String()),
			slog.String("stage", out.stage))
		if err := o.manifests.Save(ctx, m); err != nil {
			return fmt.Errorf("persist manifest: %w", err)
		}
		return nil
	case out.err != nil:
		exec.State = manifest.StageFailed
		exec.ErrorKind = errorKind(out.err)
		exec.ErrorDetail = out.err.Error()
		m.SetFailure(out.stage, exec.ErrorDetail)
		o.logger.Error("stage failed",
			slog.String("run_id", m.ID.String()),
			slog.String("stage", out.stage),
			slog.String("kind", exec.ErrorKind),
			slog.String("error", exec.ErrorDetail))
	case out.cacheHit:
		exec.State = manifest.StageSkippedCacheHit
		m.SetArtifacts(out.stage, out.refs)
		o.logger.Info("stage cache hit",
			slog.String("run_id", m.ID.String()),
			slog.String("stage", out.stage),
			slog.String("fingerprint", out.fp))
	default:
		exec.State = manifest.StageSucceeded
		m.SetArtifacts(out.stage, out.refs)
		o.logger.Info("stage succeeded",
			slog.String("run_id", m.ID.String()),
			slog.String("stage", out.stage),
			slog.Int("retries", out.retries))
	}

	m.Apply(exec)
	if err := o.manifests.Save(ctx, m); err != nil {
		return fmt.Errorf("persist manifest: %w", err)
	}
	return nil
}

// readyStages returns non-terminal, non-running stages whose dependencies
// all succeeded, in topological order.
func (o *Orchestrator) readyStages(m *manifest.RunManifest) []string {
	var ready []string
	for _, id := range o.registry.StageIDs() {
		exec := m.Execution(id)
		if exec == nil || exec.State.Terminal() || exec.State == manifest.StageRunning {
			continue
		}
		ok := true
		for _, dep := range o.registry.Spec(id).DependsOn {
			depExec := m.Execution(dep)
			if depExec == nil || !depExec.State.Successful() {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// blockDependents marks every non-terminal transitive dependent of a
// failed stage SkippedBlocked, pointing at the root failure.
func (o *Orchestrator) blockDependents(m *manifest.RunManifest) {
	for _, id := range o.registry.StageIDs() {
		exec := m.Execution(id)
		if exec == nil || exec.State != manifest.StageFailed {
			continue
		}
		for dep := range transitiveDependents(o.registry.specs, id) {
			depExec := m.Execution(dep)
			if depExec == nil || depExec.State.Terminal() || depExec.State == manifest.StageRunning {
				continue
			}
			now := time.Now().UTC()
			m.Apply(manifest.StageExecution{
				ID:          uuid.New(),
				Stage:       dep,
				State:       manifest.StageSkippedBlocked,
				RetryCount:  depExec.RetryCount,
				EndedAt:     &now,
				ErrorKind:   "blocked",
				ErrorDetail: fmt.Sprintf("upstream stage %s failed: %s", id, exec.ErrorDetail),
			})
		}
	}
}

// settle derives the run state once no stage is dispatchable: Completed
// when every stage succeeded, Failed when a failure blocked the rest,
// Paused when cancellation interrupted an otherwise-live run.
func (o *Orchestrator) settle(ctx context.Context, m *manifest.RunManifest) error {
	allTerminal := true
	allSuccessful := true
	for _, id := range o.registry.StageIDs() {
		exec := m.Execution(id)
		if exec == nil || !exec.State.Terminal() {
			allTerminal = false
		}
		if exec == nil || !exec.State.Successful() {
			allSuccessful = false
		}
	}

	switch {
	case allTerminal && allSuccessful:
		m.SetState(manifest.RunCompleted)
	case allTerminal:
		m.SetState(manifest.RunFailed)
		if m.FailureDetail == "" {
			m.SetFailure("", "run failed with no dispatchable stages remaining")
		}
	case ctx.Err() != nil:
		m.SetState(manifest.RunPaused)
	}

	if err := o.manifests.Save(ctx, m); err != nil {
		return fmt.Errorf("persist manifest: %w", err)
	}
	return nil
}

// verifyResume rejects manifests that reference stages that are no longer
// registered or artifacts that are no longer present.
func (o *Orchestrator) verifyResume(ctx context.Context, m *manifest.RunManifest) error {
	for stage := range m.Stages {
		if o.registry.Spec(stage) == nil {
			return &ResumeInconsistencyError{Stage: stage, Reason: "stage is not registered"}
		}
	}
	for _, stage := range o.registry.StageIDs() {
		if m.Execution(stage) == nil {
			return &ResumeInconsistencyError{Stage: stage, Reason: "stage missing from manifest"}
		}
	}
	for stage, refs := range m.Artifacts {
		exec := m.Execution(stage)
		if exec == nil || !exec.State.Successful() {
			continue
		}
		for _, ref := range refs {
			if _, err := o.artifacts.Get(ctx, ref.Fingerprint); err != nil {
				return &ResumeInconsistencyError{
					Stage:  stage,
					Reason: fmt.Sprintf("artifact %s (%s) no longer present: %v", ref.Name, ref.Fingerprint, err),
				}
			}
		}
	}
	return nil
}

// requeueInterrupted re-verifies executions left Running by a crash: if
// the stage's declared outputs are all stored, the work is recovered as
// Succeeded; otherwise the execution fails and a fresh attempt is queued.
// An in-flight execution is never silently assumed complete.
func (o *Orchestrator) requeueInterrupted(ctx context.Context, m *manifest.RunManifest) error {
	for _, id := range o.registry.StageIDs() {
		exec := m.Execution(id)
		if exec == nil || exec.State != manifest.StageRunning {
			continue
		}
		now := time.Now().UTC()
		if exec.Fingerprint != "" {
			if refs, ok := o.probeCache(ctx, o.registry.Spec(id), exec.Fingerprint); ok {
				m.SetArtifacts(id, refs)
				m.Apply(manifest.StageExecution{
					ID:          uuid.New(),
					Stage:       id,
					State:       manifest.StageSucceeded,
					Fingerprint: exec.Fingerprint,
					RetryCount:  exec.RetryCount,
					StartedAt:   exec.StartedAt,
					EndedAt:     &now,
				})
				if err := o.manifests.Save(ctx, m); err != nil {
					return fmt.Errorf("persist manifest: %w", err)
				}
				continue
			}
		}

		m.Apply(manifest.StageExecution{
			ID:          uuid.New(),
			Stage:       id,
			State:       manifest.StageFailed,
			Fingerprint: exec.Fingerprint,
			RetryCount:  exec.RetryCount,
			StartedAt:   exec.StartedAt,
			EndedAt:     &now,
			ErrorKind:   "interrupted",
			ErrorDetail: "execution was in flight at shutdown and left no verifiable output",
		})
		m.Apply(manifest.StageExecution{
			ID:         uuid.New(),
			Stage:      id,
			State:      manifest.StagePending,
			RetryCount: exec.RetryCount + 1,
		})
		if err := o.manifests.Save(ctx, m); err != nil {
			return fmt.Errorf("persist manifest: %w", err)
		}
		o.logger.Warn("requeued interrupted stage",
			slog.String("run_id", m.ID.String()),
			slog.String("stage", id))
	}
	return nil
}

// resolveInputs builds the runner-facing input map from the manifest's
// artifact references.
func (o *Orchestrator) resolveInputs(m *manifest.RunManifest, spec *StageSpec) (map[string][]InputArtifact, map[string][]manifest.ArtifactRef) {
	inputs := make(map[string][]InputArtifact, len(spec.DependsOn))
	refs := make(map[string][]manifest.ArtifactRef, len(spec.DependsOn))
	for _, dep := range spec.DependsOn {
		for _, ref := range m.Artifacts[dep] {
			ref := ref
			refs[dep] = append(refs[dep], ref)
			inputs[dep] = append(inputs[dep], InputArtifact{
				Ref: ref,
				Open: func(ctx context.Context) (io.ReadCloser, error) {
					return o.artifacts.Open(ctx, ref.Fingerprint)
				},
			})
		}
	}
	return inputs, refs
}

// errorKind maps an execution error onto the manifest's error taxonomy.
func errorKind(err error) string {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return "configuration"
	}
	if errors.Is(err, artifact.ErrCorrupt) {
		return "cache_corruption"
	}
	return string(tool.KindOf(err))
}

func isCancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var te *tool.Error
	return errors.As(err, &te) && te.Kind == tool.KindCancelled
}
