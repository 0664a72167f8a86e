package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glycotree-labs/glycotree/internal/artifact"
	"github.com/glycotree-labs/glycotree/internal/pipeline"
	"github.com/glycotree-labs/glycotree/internal/seqio"
	"github.com/glycotree-labs/glycotree/pkg/models"
)

// Report is the final artifact: the tree plus per-leaf metadata, ready for
// a viewer to render.
type Report struct {
	Family      string       `json:"family"`
	GeneratedAt time.Time    `json:"generated_at"`
	LeafCount   int          `json:"leaf_count"`
	Newick      string       `json:"newick,omitempty"`
	Leaves      []ReportLeaf `json:"leaves"`
}

type ReportLeaf struct {
	ID       string               `json:"id"`
	Organism string               `json:"organism,omitempty"`
	Source   string               `json:"source,omitempty"`
	Domains  []models.DomainRange `json:"domains,omitempty"`
}

// runRender joins the inferred tree with the deduplicated sequence
// metadata into a single report artifact. Rendering is pure Go; no
// external tool is involved.
func runRender(ctx context.Context, sc *pipeline.StageContext) (*pipeline.RunResult, error) {
	newick, err := readInput(ctx, sc, "treeinfer", "tree")
	if err != nil {
		return nil, err
	}
	records, err := readSequences(ctx, sc, "dedupe", "unique")
	if err != nil {
		return nil, err
	}

	leaves, err := seqio.NewickLeaves(string(newick))
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.SequenceRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	report := Report{
		Family:      sc.Config.Family,
		GeneratedAt: time.Now().UTC(),
		LeafCount:   len(leaves),
	}
	if sc.Config.RenderTree {
		report.Newick = string(bytes.TrimSpace(newick))
	}
	for _, leaf := range leaves {
		rec, ok := byID[leaf]
		if !ok {
			return nil, fmt.Errorf("tree leaf %s has no sequence record", leaf)
		}
		report.Leaves = append(report.Leaves, ReportLeaf{
			ID:       rec.ID,
			Organism: rec.Organism,
			Source:   rec.Source,
			Domains:  rec.Domains,
		})
	}

	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return &pipeline.RunResult{Artifacts: []pipeline.ProducedArtifact{
		{Name: "report", Type: artifact.TypeReport, Payload: bytes.NewReader(payload)},
	}}, nil
}
