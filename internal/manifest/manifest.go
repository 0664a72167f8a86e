package manifest

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/glycotree-labs/glycotree/pkg/models"
)

// SchemaVersion is written into every persisted manifest. Load rejects
// versions it does not understand.
const SchemaVersion = 1

type RunState string

const (
	RunCreated   RunState = "created"
	RunRunning   RunState = "running"
	RunPaused    RunState = "paused"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// runRank orders run states; transitions never move backwards. Running and
// Paused share a rank so an interrupted run can resume.
var runRank = map[RunState]int{
	RunCreated:   0,
	RunRunning:   1,
	RunPaused:    1,
	RunCompleted: 2,
	RunFailed:    2,
}

type StageState string

const (
	StagePending         StageState = "pending"
	StageRunning         StageState = "running"
	StageSucceeded       StageState = "succeeded"
	StageFailed          StageState = "failed"
	StageSkippedCacheHit StageState = "skipped_cache_hit"
	StageSkippedBlocked  StageState = "skipped_blocked"
)

// Successful reports whether the stage produced (or reused) valid output.
func (s StageState) Successful() bool {
	return s == StageSucceeded || s == StageSkippedCacheHit
}

// Terminal reports whether the stage will never be dispatched again in this
// run.
func (s StageState) Terminal() bool {
	switch s {
	case StageSucceeded, StageFailed, StageSkippedCacheHit, StageSkippedBlocked:
		return true
	}
	return false
}

// StageExecution is one attempt to run a stage. Transitions are recorded
// append-only in the manifest history.
type StageExecution struct {
	ID          uuid.UUID  `json:"id"`
	Stage       string     `json:"stage"`
	State       StageState `json:"state"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	RetryCount  int        `json:"retry_count"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
}

// ArtifactRef points at a stored artifact. The manifest references
// artifacts by fingerprint, never copies them.
type ArtifactRef struct {
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
	Checksum    string `json:"checksum"`
	Type        string `json:"type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// RunConfig is the full configuration of one pipeline run. It is immutable
// for the lifetime of the run and participates in stage fingerprints.
type RunConfig struct {
	Family     string                `json:"family"`
	ScrapeMode models.ScrapeMode     `json:"scrape_mode"`
	Domains    models.TaxonomyDomain `json:"domains"`

	// User-supplied sequences merged into the fetched dataset.
	UserFiles  []string `json:"user_files,omitempty"`
	AutoRename bool     `json:"auto_rename,omitempty"`

	IncludeFragments bool    `json:"include_fragments"`
	PruneSequences   bool    `json:"prune_sequences"`
	HMMCoverage      float64 `json:"hmm_coverage"`
	HMMEValue        float64 `json:"hmm_evalue"`
	MinDomainLength  int     `json:"min_domain_length"`

	IdentityThreshold float64 `json:"identity_threshold"`
	SubsampleLimit    int     `json:"subsample_limit"`

	TreeBuilder models.TreeBuilder `json:"tree_builder"`
	Threads     int                `json:"threads"`
	RenderTree  bool               `json:"render_tree"`

	// ForceUpdate bypasses the artifact cache for every stage.
	ForceUpdate bool `json:"force_update,omitempty"`

	// Per-stage tool timeouts in seconds, keyed by stage id. Zero falls
	// back to the worker default.
	StageTimeoutSecs map[string]int `json:"stage_timeout_secs,omitempty"`
}

// Validate checks configuration before any stage can dispatch.
func (c RunConfig) Validate() error {
	if c.Family == "" {
		return fmt.Errorf("family is required")
	}
	switch c.ScrapeMode {
	case models.ModeCharacterized, models.ModeAll, models.ModeStructure:
	default:
		return fmt.Errorf("unknown scrape mode %q", c.ScrapeMode)
	}
	switch c.TreeBuilder {
	case models.TreeBuilderFastTree, models.TreeBuilderRAxML, models.TreeBuilderRAxMLNG:
	default:
		return fmt.Errorf("unknown tree builder %q", c.TreeBuilder)
	}
	if c.Domains == 0 {
		return fmt.Errorf("at least one taxonomy domain is required")
	}
	if c.IdentityThreshold < 0 || c.IdentityThreshold > 1 {
		return fmt.Errorf("identity_threshold must be within [0,1]")
	}
	if c.HMMCoverage < 0 || c.HMMCoverage > 1 {
		return fmt.Errorf("hmm_coverage must be within [0,1]")
	}
	if c.Threads < 0 {
		return fmt.Errorf("threads must not be negative")
	}
	return nil
}

// DefaultConfig mirrors the documented pipeline defaults.
func DefaultConfig(family string) RunConfig {
	return RunConfig{
		Family:            family,
		ScrapeMode:        models.ModeCharacterized,
		Domains:           models.DomainAll,
		PruneSequences:    true,
		HMMCoverage:       0.35,
		HMMEValue:         1e-15,
		MinDomainLength:   30,
		IdentityThreshold: 0.99,
		SubsampleLimit:    4000,
		TreeBuilder:       models.TreeBuilderFastTree,
		Threads:           1,
	}
}

// RunManifest is the durable record of one pipeline execution. It is
// mutated only by the orchestrator and persisted after every transition.
type RunManifest struct {
	SchemaVersion int       `json:"schema_version"`
	ID            uuid.UUID `json:"id"`
	State         RunState  `json:"state"`
	Config        RunConfig `json:"config"`

	Stages    map[string]*StageExecution `json:"stages"`
	History   []StageExecution           `json:"history"`
	Artifacts map[string][]ArtifactRef   `json:"artifacts"`

	FailureStage  string `json:"failure_stage,omitempty"`
	FailureDetail string `json:"failure_detail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a manifest with a Pending execution for every stage.
func New(cfg RunConfig, stageIDs []string) *RunManifest {
	now := time.Now().UTC()
	m := &RunManifest{
		SchemaVersion: SchemaVersion,
		ID:            uuid.New(),
		State:         RunCreated,
		Config:        cfg,
		Stages:        make(map[string]*StageExecution, len(stageIDs)),
		Artifacts:     make(map[string][]ArtifactRef),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, id := range stageIDs {
		m.Stages[id] = &StageExecution{ID: uuid.New(), Stage: id, State: StagePending}
	}
	return m
}

// Execution returns the latest execution for a stage, or nil.
func (m *RunManifest) Execution(stage string) *StageExecution {
	return m.Stages[stage]
}

// Apply records a stage transition: the execution is appended to the
// history and becomes the latest state for its stage.
func (m *RunManifest) Apply(exec StageExecution) {
	m.History = append(m.History, exec)
	cp := exec
	m.Stages[exec.Stage] = &cp
	m.UpdatedAt = time.Now().UTC()
}

// SetArtifacts records the artifact references produced by a stage.
func (m *RunManifest) SetArtifacts(stage string, refs []ArtifactRef) {
	m.Artifacts[stage] = refs
	m.UpdatedAt = time.Now().UTC()
}

// SetState advances the run state. Regressions are ignored so that
// re-applying a persisted transition after a crash stays idempotent.
func (m *RunManifest) SetState(s RunState) {
	if runRank[s] < runRank[m.State] {
		return
	}
	m.State = s
	m.UpdatedAt = time.Now().UTC()
}

// SetFailure records the root failure surfaced to callers.
func (m *RunManifest) SetFailure(stage, detail string) {
	if m.FailureStage == "" {
		m.FailureStage = stage
		m.FailureDetail = detail
	}
	m.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy. The orchestrator works on copies so a failed
// persist never leaves a half-mutated manifest visible to callers.
func (m *RunManifest) Clone() *RunManifest {
	cp := *m
	cp.Stages = make(map[string]*StageExecution, len(m.Stages))
	for k, v := range m.Stages {
		e := *v
		cp.Stages[k] = &e
	}
	cp.History = append([]StageExecution(nil), m.History...)
	cp.Artifacts = make(map[string][]ArtifactRef, len(m.Artifacts))
	for k, v := range m.Artifacts {
		cp.Artifacts[k] = append([]ArtifactRef(nil), v...)
	}
	return &cp
}
