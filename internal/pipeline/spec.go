package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"

	"github.com/glycotree-labs/glycotree/internal/artifact"
	"github.com/glycotree-labs/glycotree/internal/manifest"
)

// OutputSpec declares one named artifact a stage produces.
type OutputSpec struct {
	Name string
	Type artifact.TypeTag
}

// InputArtifact is a resolved upstream artifact handed to a stage runner.
type InputArtifact struct {
	Ref  manifest.ArtifactRef
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// StageContext carries everything a stage runner may use. Runners never
// touch the manifest; all state flows back through the orchestrator.
type StageContext struct {
	RunID       uuid.UUID
	Config      manifest.RunConfig
	Fingerprint string
	WorkDir     string

	// Inputs maps upstream stage id to that stage's artifacts, in the
	// order the upstream stage declared them.
	Inputs map[string][]InputArtifact
}

// Input returns a named artifact of an upstream stage.
func (sc *StageContext) Input(stage, name string) (InputArtifact, error) {
	for _, in := range sc.Inputs[stage] {
		if in.Ref.Name == name {
			return in, nil
		}
	}
	return InputArtifact{}, fmt.Errorf("stage %s produced no artifact named %s", stage, name)
}

// ProducedArtifact is one output payload of a successful stage run.
type ProducedArtifact struct {
	Name    string
	Type    artifact.TypeTag
	Payload io.Reader
}

// RunResult is what a stage runner hands back. On error the result may
// still be non-nil to report how many retries were spent.
type RunResult struct {
	Artifacts []ProducedArtifact
	Retries   int
}

// StageRunner executes one pipeline stage against already-resolved inputs.
type StageRunner interface {
	Run(ctx context.Context, sc *StageContext) (*RunResult, error)
}

// StageFunc adapts a function to StageRunner.
type StageFunc func(ctx context.Context, sc *StageContext) (*RunResult, error)

func (f StageFunc) Run(ctx context.Context, sc *StageContext) (*RunResult, error) {
	return f(ctx, sc)
}

// StageSpec declares a stage: identity, upstream dependencies, outputs,
// the runner, and the configuration subset that participates in the cache
// key. Immutable once registered.
type StageSpec struct {
	ID        string
	DependsOn []string
	Outputs   []OutputSpec
	Runner    StageRunner

	// ConfigKey extracts the stage-relevant configuration for
	// fingerprinting, so unrelated config changes don't invalidate the
	// cache. Nil hashes the whole run configuration.
	ConfigKey func(cfg manifest.RunConfig) any
}

// fingerprint derives the deterministic cache key for this stage from its
// configuration subset and the checksums of its resolved inputs.
func (s *StageSpec) fingerprint(cfg manifest.RunConfig, inputs map[string][]manifest.ArtifactRef) (string, error) {
	var key any
	if s.ConfigKey != nil {
		key = s.ConfigKey(cfg)
	} else {
		norm := cfg
		norm.ForceUpdate = false
		norm.StageTimeoutSecs = nil
		key = norm
	}

	type inputLine struct {
		Stage    string `json:"stage"`
		Name     string `json:"name"`
		Checksum string `json:"checksum"`
	}
	var lines []inputLine
	for stage, refs := range inputs {
		for _, ref := range refs {
			lines = append(lines, inputLine{Stage: stage, Name: ref.Name, Checksum: ref.Checksum})
		}
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Stage != lines[j].Stage {
			return lines[i].Stage < lines[j].Stage
		}
		return lines[i].Name < lines[j].Name
	})

	material, err := json.Marshal(struct {
		Stage  string      `json:"stage"`
		Config any         `json:"config"`
		Inputs []inputLine `json:"inputs"`
	}{Stage: s.ID, Config: key, Inputs: lines})
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint material: %w", err)
	}
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:]), nil
}

// outputFingerprint derives the store key of one named output from the
// stage fingerprint.
func outputFingerprint(stageFingerprint, name string) string {
	sum := sha256.Sum256([]byte(stageFingerprint + "/" + name))
	return hex.EncodeToString(sum[:])
}

// Registry holds the static stage graph. Specs are registered once at
// process start and validated by Finalize before any run is created.
type Registry struct {
	specs     map[string]*StageSpec
	order     []string
	finalized bool
}

func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*StageSpec)}
}

func (r *Registry) Register(spec *StageSpec) error {
	if r.finalized {
		return &ConfigurationError{Reason: "registry already finalized"}
	}
	if spec.ID == "" {
		return &ConfigurationError{Reason: "stage id must not be empty"}
	}
	if _, dup := r.specs[spec.ID]; dup {
		return &ConfigurationError{Reason: fmt.Sprintf("stage %s registered twice", spec.ID)}
	}
	if spec.Runner == nil {
		return &ConfigurationError{Reason: fmt.Sprintf("stage %s has no runner", spec.ID)}
	}
	if len(spec.Outputs) == 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("stage %s declares no outputs", spec.ID)}
	}
	seen := make(map[string]struct{}, len(spec.Outputs))
	for _, out := range spec.Outputs {
		if out.Name == "" {
			return &ConfigurationError{Reason: fmt.Sprintf("stage %s has an unnamed output", spec.ID)}
		}
		if _, dup := seen[out.Name]; dup {
			return &ConfigurationError{Reason: fmt.Sprintf("stage %s output %s declared twice", spec.ID, out.Name)}
		}
		seen[out.Name] = struct{}{}
	}
	r.specs[spec.ID] = spec
	return nil
}

// Finalize validates dependencies and fixes the topological order. Cyclic
// or unknown dependencies are configuration errors, never discovered
// mid-run.
func (r *Registry) Finalize() error {
	for id, spec := range r.specs {
		for _, dep := range spec.DependsOn {
			if _, ok := r.specs[dep]; !ok {
				return &ConfigurationError{Reason: fmt.Sprintf("stage %s depends on unknown stage %s", id, dep)}
			}
			if dep == id {
				return &ConfigurationError{Reason: fmt.Sprintf("stage %s depends on itself", id)}
			}
		}
	}
	order, err := topoSort(r.specs)
	if err != nil {
		return err
	}
	r.order = order
	r.finalized = true
	return nil
}

// Spec returns a registered stage spec, or nil.
func (r *Registry) Spec(id string) *StageSpec { return r.specs[id] }

// StageIDs returns all stage ids in topological order.
func (r *Registry) StageIDs() []string {
	return append([]string(nil), r.order...)
}
