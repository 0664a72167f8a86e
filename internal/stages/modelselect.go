package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/glycotree-labs/glycotree/internal/artifact"
	"github.com/glycotree-labs/glycotree/internal/pipeline"
	"github.com/glycotree-labs/glycotree/internal/seqio"
	"github.com/glycotree-labs/glycotree/internal/tool"
	"github.com/glycotree-labs/glycotree/pkg/models"
)

// ModelChoice is the model-selection artifact consumed by tree inference.
type ModelChoice struct {
	Model      string `json:"model"`
	Criterion  string `json:"criterion"`
	Sequences  int    `json:"sequences"`
	Subsampled bool   `json:"subsampled"`
}

// modelSelectStage picks the substitution model with modeltest-ng. Large
// alignments are subsampled with a fixed seed so the choice stays
// deterministic for a given input.
type modelSelectStage struct {
	deps Deps
}

var bestModelRe = regexp.MustCompile(`Best model according to BIC[^:]*:\s*(\S+)`)

func (s *modelSelectStage) Run(ctx context.Context, sc *pipeline.StageContext) (*pipeline.RunResult, error) {
	in, err := sc.Input("align", "alignment")
	if err != nil {
		return nil, err
	}
	rc, err := in.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open alignment: %w", err)
	}
	rows, err := seqio.ParseAlignment(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}

	subsampled := false
	limit := sc.Config.SubsampleLimit
	if limit > 0 && len(rows) > limit {
		total := len(rows)
		rows = subsample(rows, limit)
		subsampled = true
		s.deps.Logger.Info("subsampled alignment for model selection",
			"limit", limit, "total", total)
	}

	alnPath := filepath.Join(sc.WorkDir, "modeltest.afa")
	f, err := os.Create(alnPath)
	if err != nil {
		return nil, fmt.Errorf("write modeltest input: %w", err)
	}
	if err := seqio.WriteFASTA(f, rows); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write modeltest input: %w", err)
	}

	res, err := s.deps.Runner.Invoke(ctx, tool.Invocation{
		Tool: "modeltest-ng",
		Args: []string{
			"-i", alnPath,
			"-d", "aa",
			"-p", strconv.Itoa(sc.Config.Threads),
			"-o", filepath.Join(sc.WorkDir, "modeltest"),
		},
		Dir:     sc.WorkDir,
		Timeout: s.deps.toolTimeout(sc.Config, "modelselect"),
		Validate: func(r tool.Result) error {
			if !bestModelRe.Match(r.Stdout) {
				return fmt.Errorf("modeltest-ng output names no best model")
			}
			return nil
		},
	})
	result := &pipeline.RunResult{Retries: res.Retries}
	if err != nil {
		return result, err
	}

	match := bestModelRe.FindSubmatch(res.Stdout)
	choice := ModelChoice{
		Model:      string(match[1]),
		Criterion:  "BIC",
		Sequences:  len(rows),
		Subsampled: subsampled,
	}
	payload, err := json.Marshal(choice)
	if err != nil {
		return result, fmt.Errorf("encode model choice: %w", err)
	}
	s.deps.Logger.Info("selected substitution model", "model", choice.Model, "sequences", choice.Sequences)

	result.Artifacts = []pipeline.ProducedArtifact{
		{Name: "model", Type: artifact.TypeModel, Payload: bytes.NewReader(payload)},
	}
	return result, nil
}

// subsample picks n rows with a fixed seed. The seed never varies: the
// same alignment always yields the same subsample, which keeps the stage
// fingerprint honest.
func subsample(rows []models.SequenceRecord, n int) []models.SequenceRecord {
	rng := rand.New(rand.NewSource(20031))
	idx := rng.Perm(len(rows))[:n]
	picked := make([]models.SequenceRecord, 0, n)
	for _, i := range idx {
		picked = append(picked, rows[i])
	}
	return picked
}
