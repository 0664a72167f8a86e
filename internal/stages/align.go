package stages

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glycotree-labs/glycotree/internal/artifact"
	"github.com/glycotree-labs/glycotree/internal/pipeline"
	"github.com/glycotree-labs/glycotree/internal/seqio"
	"github.com/glycotree-labs/glycotree/internal/tool"
)

// alignStage produces a multiple sequence alignment with muscle. The
// alignment is parsed and cross-checked against the input set before it is
// accepted: every input sequence must appear exactly once and all rows
// must share one length.
type alignStage struct {
	deps Deps
}

func (s *alignStage) Run(ctx context.Context, sc *pipeline.StageContext) (*pipeline.RunResult, error) {
	records, err := readSequences(ctx, sc, "dedupe", "unique")
	if err != nil {
		return nil, err
	}
	inputIDs := make([]string, len(records))
	for i, rec := range records {
		inputIDs[i] = rec.ID
	}

	inPath := filepath.Join(sc.WorkDir, "unique.fasta")
	outPath := filepath.Join(sc.WorkDir, "aligned.afa")
	f, err := os.Create(inPath)
	if err != nil {
		return nil, fmt.Errorf("write muscle input: %w", err)
	}
	if err := seqio.WriteFASTA(f, records); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write muscle input: %w", err)
	}

	res, err := s.deps.Runner.Invoke(ctx, tool.Invocation{
		Tool:    "muscle",
		Args:    []string{"-align", inPath, "-output", outPath},
		Dir:     sc.WorkDir,
		Timeout: s.deps.toolTimeout(sc.Config, "align"),
		Validate: func(tool.Result) error {
			g, err := os.Open(outPath)
			if err != nil {
				return fmt.Errorf("muscle produced no alignment: %w", err)
			}
			defer g.Close()
			rows, err := seqio.ParseAlignment(g)
			if err != nil {
				return err
			}
			return seqio.CheckAlignment(rows, inputIDs)
		},
	})
	result := &pipeline.RunResult{Retries: res.Retries}
	if err != nil {
		return result, err
	}

	aligned, err := os.ReadFile(outPath)
	if err != nil {
		return result, fmt.Errorf("read alignment: %w", err)
	}
	result.Artifacts = []pipeline.ProducedArtifact{
		{Name: "alignment", Type: artifact.TypeAlignment, Payload: bytes.NewReader(aligned)},
	}
	return result, nil
}
