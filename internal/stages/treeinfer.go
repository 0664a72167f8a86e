package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/glycotree-labs/glycotree/internal/artifact"
	"github.com/glycotree-labs/glycotree/internal/pipeline"
	"github.com/glycotree-labs/glycotree/internal/seqio"
	"github.com/glycotree-labs/glycotree/internal/tool"
	"github.com/glycotree-labs/glycotree/pkg/models"
)

// treeInferStage infers the phylogenetic tree from the alignment using
// the configured builder and the selected substitution model. The Newick
// output is validated leaf-by-leaf against the alignment before the stage
// reports success.
type treeInferStage struct {
	deps Deps
}

func (s *treeInferStage) Run(ctx context.Context, sc *pipeline.StageContext) (*pipeline.RunResult, error) {
	alnBytes, err := readInput(ctx, sc, "align", "alignment")
	if err != nil {
		return nil, err
	}
	rows, err := seqio.ParseAlignment(bytes.NewReader(alnBytes))
	if err != nil {
		return nil, err
	}
	inputIDs := make([]string, len(rows))
	for i, rec := range rows {
		inputIDs[i] = rec.ID
	}

	modelBytes, err := readInput(ctx, sc, "modelselect", "model")
	if err != nil {
		return nil, err
	}
	var choice ModelChoice
	if err := json.Unmarshal(modelBytes, &choice); err != nil {
		return nil, fmt.Errorf("decode model choice: %w", err)
	}

	alnPath := filepath.Join(sc.WorkDir, "aligned.afa")
	if err := os.WriteFile(alnPath, alnBytes, 0o644); err != nil {
		return nil, fmt.Errorf("write tree input: %w", err)
	}

	var newick []byte
	var res tool.Result
	switch sc.Config.TreeBuilder {
	case models.TreeBuilderFastTree:
		newick, res, err = s.runFastTree(ctx, sc, choice.Model, alnBytes)
	case models.TreeBuilderRAxML:
		newick, res, err = s.runRAxML(ctx, sc, choice.Model, alnPath)
	case models.TreeBuilderRAxMLNG:
		newick, res, err = s.runRAxMLNG(ctx, sc, choice.Model, alnPath)
	default:
		return nil, fmt.Errorf("unknown tree builder %q", sc.Config.TreeBuilder)
	}
	result := &pipeline.RunResult{Retries: res.Retries}
	if err != nil {
		return result, err
	}

	if err := seqio.CheckTreeLeaves(string(newick), inputIDs); err != nil {
		return result, &tool.Error{
			Kind:   tool.KindValidation,
			Tool:   string(sc.Config.TreeBuilder),
			Detail: err.Error(),
		}
	}
	s.deps.Logger.Info("inferred tree",
		"builder", string(sc.Config.TreeBuilder), "model", choice.Model, "leaves", len(inputIDs))

	result.Artifacts = []pipeline.ProducedArtifact{
		{Name: "tree", Type: artifact.TypeTree, Payload: bytes.NewReader(newick)},
	}
	return result, nil
}

// runFastTree streams the alignment through fasttree. The Newick tree
// arrives on stdout.
func (s *treeInferStage) runFastTree(ctx context.Context, sc *pipeline.StageContext,
	model string, alignment []byte) ([]byte, tool.Result, error) {

	args := append(fastTreeModelFlags(model), "-quiet")
	res, err := s.deps.Runner.Invoke(ctx, tool.Invocation{
		Tool:    "fasttree",
		Args:    args,
		Dir:     sc.WorkDir,
		Stdin:   bytes.NewReader(alignment),
		Timeout: s.deps.toolTimeout(sc.Config, "treeinfer"),
		Validate: func(r tool.Result) error {
			if len(bytes.TrimSpace(r.Stdout)) == 0 {
				return fmt.Errorf("fasttree produced no tree")
			}
			return nil
		},
	})
	if err != nil {
		return nil, res, err
	}
	return bytes.TrimSpace(res.Stdout), res, nil
}

func (s *treeInferStage) runRAxML(ctx context.Context, sc *pipeline.StageContext,
	model, alnPath string) ([]byte, tool.Result, error) {

	treePath := filepath.Join(sc.WorkDir, "RAxML_bestTree.run")
	res, err := s.deps.Runner.Invoke(ctx, tool.Invocation{
		Tool: "raxmlHPC-PTHREADS",
		Args: []string{
			"-s", alnPath,
			"-n", "run",
			"-m", raxmlModelString(model),
			"-p", "20031",
			"-T", strconv.Itoa(sc.Config.Threads),
			"-w", sc.WorkDir,
		},
		Dir:     sc.WorkDir,
		Timeout: s.deps.toolTimeout(sc.Config, "treeinfer"),
		Validate: func(tool.Result) error {
			if _, err := os.Stat(treePath); err != nil {
				return fmt.Errorf("raxml produced no best tree: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return nil, res, err
	}
	newick, err := os.ReadFile(treePath)
	if err != nil {
		return nil, res, fmt.Errorf("read raxml tree: %w", err)
	}
	return bytes.TrimSpace(newick), res, nil
}

func (s *treeInferStage) runRAxMLNG(ctx context.Context, sc *pipeline.StageContext,
	model, alnPath string) ([]byte, tool.Result, error) {

	prefix := filepath.Join(sc.WorkDir, "run")
	treePath := prefix + ".raxml.bestTree"
	res, err := s.deps.Runner.Invoke(ctx, tool.Invocation{
		Tool: "raxml-ng",
		Args: []string{
			"--msa", alnPath,
			"--model", model,
			"--prefix", prefix,
			"--seed", "20031",
			"--threads", strconv.Itoa(sc.Config.Threads),
		},
		Dir:     sc.WorkDir,
		Timeout: s.deps.toolTimeout(sc.Config, "treeinfer"),
		Validate: func(tool.Result) error {
			if _, err := os.Stat(treePath); err != nil {
				return fmt.Errorf("raxml-ng produced no best tree: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return nil, res, err
	}
	newick, err := os.ReadFile(treePath)
	if err != nil {
		return nil, res, fmt.Errorf("read raxml-ng tree: %w", err)
	}
	return bytes.TrimSpace(newick), res, nil
}

// fastTreeModelFlags maps a model string like "LG+G4" onto fasttree's
// flags. Fasttree only distinguishes the base matrix and gamma rates; its
// default matrix is JTT.
func fastTreeModelFlags(model string) []string {
	var flags []string
	parts := strings.Split(strings.ToUpper(model), "+")
	switch parts[0] {
	case "LG":
		flags = append(flags, "-lg")
	case "WAG":
		flags = append(flags, "-wag")
	}
	for _, p := range parts[1:] {
		if strings.HasPrefix(p, "G") {
			flags = append(flags, "-gamma")
			break
		}
	}
	return flags
}

// raxmlModelString maps a model string onto classic RAxML's single
// PROTGAMMA identifier, e.g. "LG+G+F" becomes "PROTGAMMALGF".
func raxmlModelString(model string) string {
	parts := strings.Split(strings.ToUpper(model), "+")
	base := parts[0]
	suffix := ""
	for _, p := range parts[1:] {
		if p == "F" {
			suffix = "F"
		}
	}
	return "PROTGAMMA" + base + suffix
}
