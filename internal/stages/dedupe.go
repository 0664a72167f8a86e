package stages

import (
	"bytes"
	"context"
	"fmt"

	"github.com/glycotree-labs/glycotree/internal/artifact"
	"github.com/glycotree-labs/glycotree/internal/pipeline"
	"github.com/glycotree-labs/glycotree/internal/seqio"
	"github.com/glycotree-labs/glycotree/pkg/models"
)

// runDedupe removes near-identical sequences. A record is dropped when an
// earlier kept record matches it at or above the identity threshold; a
// threshold of 1.0 only drops exact duplicates. User-supplied sequences
// always survive ahead of fetched ones so a submitted query is never
// deduplicated away.
func runDedupe(ctx context.Context, sc *pipeline.StageContext) (*pipeline.RunResult, error) {
	records, err := readSequences(ctx, sc, "annotate", "annotated")
	if err != nil {
		return nil, err
	}

	ordered := make([]models.SequenceRecord, 0, len(records))
	for _, rec := range records {
		if rec.Source == "user" {
			ordered = append(ordered, rec)
		}
	}
	for _, rec := range records {
		if rec.Source != "user" {
			ordered = append(ordered, rec)
		}
	}

	threshold := sc.Config.IdentityThreshold
	var kept []models.SequenceRecord
	for _, rec := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dup := false
		for _, prev := range kept {
			if seqio.Identity(prev.Residues, rec.Residues) >= threshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, rec)
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("deduplication removed every sequence")
	}

	var buf bytes.Buffer
	if err := seqio.EncodeRecords(&buf, kept); err != nil {
		return nil, err
	}
	return &pipeline.RunResult{Artifacts: []pipeline.ProducedArtifact{
		{Name: "unique", Type: artifact.TypeSequenceSet, Payload: &buf},
	}}, nil
}
