// Package stages wires the CAZyme family pipeline: fetch, annotate,
// dedupe, align, model selection, tree inference, and rendering.
package stages

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/glycotree-labs/glycotree/internal/artifact"
	"github.com/glycotree-labs/glycotree/internal/manifest"
	"github.com/glycotree-labs/glycotree/internal/pipeline"
	"github.com/glycotree-labs/glycotree/internal/seqio"
	"github.com/glycotree-labs/glycotree/internal/tool"
	"github.com/glycotree-labs/glycotree/pkg/models"
)

// Deps carries everything stage runners share: the external tool adapter,
// the dataset provider, and the worker's default tool timeout.
type Deps struct {
	Runner         *tool.Runner
	Provider       DatasetProvider
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// BuildRegistry declares the full stage graph. The graph is static; per-run
// configuration only changes what each stage does, never the shape.
func BuildRegistry(deps Deps) (*pipeline.Registry, error) {
	reg := pipeline.NewRegistry()

	specs := []*pipeline.StageSpec{
		{
			ID:      "fetch",
			Outputs: []pipeline.OutputSpec{{Name: "sequences", Type: artifact.TypeSequenceSet}},
			Runner:  &fetchStage{deps: deps},
			ConfigKey: func(cfg manifest.RunConfig) any {
				return struct {
					Family     string                `json:"family"`
					Mode       models.ScrapeMode     `json:"mode"`
					Domains    models.TaxonomyDomain `json:"domains"`
					UserFiles  []string              `json:"user_files"`
					AutoRename bool                  `json:"auto_rename"`
					Fragments  bool                  `json:"fragments"`
				}{cfg.Family, cfg.ScrapeMode, cfg.Domains, cfg.UserFiles, cfg.AutoRename, cfg.IncludeFragments}
			},
		},
		{
			ID:        "annotate",
			DependsOn: []string{"fetch"},
			Outputs:   []pipeline.OutputSpec{{Name: "annotated", Type: artifact.TypeSequenceSet}},
			Runner:    &annotateStage{deps: deps},
			ConfigKey: func(cfg manifest.RunConfig) any {
				return struct {
					Family   string  `json:"family"`
					Coverage float64 `json:"coverage"`
					EValue   float64 `json:"evalue"`
					MinLen   int     `json:"min_len"`
					Prune    bool    `json:"prune"`
				}{cfg.Family, cfg.HMMCoverage, cfg.HMMEValue, cfg.MinDomainLength, cfg.PruneSequences}
			},
		},
		{
			ID:        "dedupe",
			DependsOn: []string{"annotate"},
			Outputs:   []pipeline.OutputSpec{{Name: "unique", Type: artifact.TypeSequenceSet}},
			Runner:    pipeline.StageFunc(runDedupe),
			ConfigKey: func(cfg manifest.RunConfig) any {
				return struct {
					Threshold float64 `json:"threshold"`
				}{cfg.IdentityThreshold}
			},
		},
		{
			ID:        "align",
			DependsOn: []string{"dedupe"},
			Outputs:   []pipeline.OutputSpec{{Name: "alignment", Type: artifact.TypeAlignment}},
			Runner:    &alignStage{deps: deps},
			ConfigKey: func(cfg manifest.RunConfig) any { return struct{}{} },
		},
		{
			ID:        "modelselect",
			DependsOn: []string{"align"},
			Outputs:   []pipeline.OutputSpec{{Name: "model", Type: artifact.TypeModel}},
			Runner:    &modelSelectStage{deps: deps},
			ConfigKey: func(cfg manifest.RunConfig) any {
				return struct {
					SubsampleLimit int `json:"subsample_limit"`
				}{cfg.SubsampleLimit}
			},
		},
		{
			ID:        "treeinfer",
			DependsOn: []string{"align", "modelselect"},
			Outputs:   []pipeline.OutputSpec{{Name: "tree", Type: artifact.TypeTree}},
			Runner:    &treeInferStage{deps: deps},
			ConfigKey: func(cfg manifest.RunConfig) any {
				return struct {
					Builder models.TreeBuilder `json:"builder"`
				}{cfg.TreeBuilder}
			},
		},
		{
			ID:        "render",
			DependsOn: []string{"treeinfer", "dedupe"},
			Outputs:   []pipeline.OutputSpec{{Name: "report", Type: artifact.TypeReport}},
			Runner:    pipeline.StageFunc(runRender),
			ConfigKey: func(cfg manifest.RunConfig) any {
				return struct {
					Family     string `json:"family"`
					RenderTree bool   `json:"render_tree"`
				}{cfg.Family, cfg.RenderTree}
			},
		},
	}

	for _, spec := range specs {
		if err := reg.Register(spec); err != nil {
			return nil, err
		}
	}
	if err := reg.Finalize(); err != nil {
		return nil, err
	}
	return reg, nil
}

// toolTimeout resolves the per-stage tool timeout, falling back to the
// worker default.
func (d Deps) toolTimeout(cfg manifest.RunConfig, stage string) time.Duration {
	if secs := cfg.StageTimeoutSecs[stage]; secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return d.DefaultTimeout
}

// readInput reads an upstream artifact payload in full.
func readInput(ctx context.Context, sc *pipeline.StageContext, stage, name string) ([]byte, error) {
	in, err := sc.Input(stage, name)
	if err != nil {
		return nil, err
	}
	rc, err := in.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open %s/%s: %w", stage, name, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", stage, name, err)
	}
	return b, nil
}

// readSequences reads and decodes an upstream sequence-set artifact.
func readSequences(ctx context.Context, sc *pipeline.StageContext, stage, name string) ([]models.SequenceRecord, error) {
	in, err := sc.Input(stage, name)
	if err != nil {
		return nil, err
	}
	rc, err := in.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open %s/%s: %w", stage, name, err)
	}
	defer rc.Close()
	records, err := seqio.DecodeRecords(rc)
	if err != nil {
		return nil, fmt.Errorf("parse %s/%s: %w", stage, name, err)
	}
	return records, nil
}
