package stages

import (
	"bufio"
	"bytes"
	"context"
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

// annotateStage runs hmmscan against the family HMM library and keeps
// only sequences whose best matching domain clears the coverage, e-value,
// and minimum-length thresholds. With pruning enabled each surviving
// sequence is trimmed to its matched region.
type annotateStage struct {
	deps Deps
}

func (s *annotateStage) Run(ctx context.Context, sc *pipeline.StageContext) (*pipeline.RunResult, error) {
	cfg := sc.Config
	records, err := readSequences(ctx, sc, "fetch", "sequences")
	if err != nil {
		return nil, err
	}

	fastaPath := filepath.Join(sc.WorkDir, "input.fasta")
	f, err := os.Create(fastaPath)
	if err != nil {
		return nil, fmt.Errorf("write hmmscan input: %w", err)
	}
	if err := seqio.WriteFASTA(f, records); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write hmmscan input: %w", err)
	}

	domtblPath := filepath.Join(sc.WorkDir, "domains.domtbl")
	res, err := s.deps.Runner.Invoke(ctx, tool.Invocation{
		Tool: "hmmscan",
		Args: []string{
			"--domtblout", domtblPath,
			"-E", strconv.FormatFloat(cfg.HMMEValue, 'e', -1, 64),
			"--cpu", strconv.Itoa(cfg.Threads),
			"dbCAN.hmm",
			fastaPath,
		},
		Dir:     sc.WorkDir,
		Timeout: s.deps.toolTimeout(cfg, "annotate"),
		Validate: func(tool.Result) error {
			if _, err := os.Stat(domtblPath); err != nil {
				return fmt.Errorf("hmmscan produced no domain table: %w", err)
			}
			return nil
		},
	})
	result := &pipeline.RunResult{Retries: res.Retries}
	if err != nil {
		return result, err
	}

	tbl, err := os.ReadFile(domtblPath)
	if err != nil {
		return result, fmt.Errorf("read domain table: %w", err)
	}
	hits, err := parseDomainTable(tbl)
	if err != nil {
		return result, err
	}

	annotated := filterByDomains(records, hits, cfg.HMMCoverage, cfg.HMMEValue, cfg.MinDomainLength, cfg.PruneSequences)
	if len(annotated) == 0 {
		return result, fmt.Errorf("no sequences passed domain filtering for family %s", cfg.Family)
	}
	s.deps.Logger.Info("annotated sequence set",
		"family", cfg.Family, "in", len(records), "out", len(annotated))

	var buf bytes.Buffer
	if err := seqio.EncodeRecords(&buf, annotated); err != nil {
		return result, err
	}
	result.Artifacts = []pipeline.ProducedArtifact{
		{Name: "annotated", Type: artifact.TypeSequenceSet, Payload: &buf},
	}
	return result, nil
}

// domainHit is one row of the hmmscan --domtblout output we care about.
type domainHit struct {
	Model    string
	Sequence string
	EValue   float64
	Coverage float64
	From     int
	To       int
}

// parseDomainTable reads hmmscan's space-delimited domain table. Column
// layout follows the HMMER3 domtblout format.
func parseDomainTable(raw []byte) ([]domainHit, error) {
	var hits []domainHit
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 23 {
			return nil, fmt.Errorf("malformed domain table row: %q", line)
		}
		eval, err := strconv.ParseFloat(fields[12], 64)
		if err != nil {
			return nil, fmt.Errorf("parse domain e-value: %w", err)
		}
		hmmFrom, err := strconv.Atoi(fields[15])
		if err != nil {
			return nil, fmt.Errorf("parse hmm coordinate: %w", err)
		}
		hmmTo, err := strconv.Atoi(fields[16])
		if err != nil {
			return nil, fmt.Errorf("parse hmm coordinate: %w", err)
		}
		hmmLen, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("parse hmm length: %w", err)
		}
		aliFrom, err := strconv.Atoi(fields[17])
		if err != nil {
			return nil, fmt.Errorf("parse alignment coordinate: %w", err)
		}
		aliTo, err := strconv.Atoi(fields[18])
		if err != nil {
			return nil, fmt.Errorf("parse alignment coordinate: %w", err)
		}

		var coverage float64
		if hmmLen > 0 {
			coverage = float64(hmmTo-hmmFrom+1) / float64(hmmLen)
		}
		hits = append(hits, domainHit{
			Model:    fields[0],
			Sequence: fields[3],
			EValue:   eval,
			Coverage: coverage,
			From:     aliFrom,
			To:       aliTo,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan domain table: %w", err)
	}
	return hits, nil
}

// filterByDomains keeps sequences with at least one hit clearing every
// threshold, attaching the matched ranges. Pruning trims each sequence to
// the span of its best hit.
func filterByDomains(records []models.SequenceRecord, hits []domainHit,
	minCoverage, maxEValue float64, minLength int, prune bool) []models.SequenceRecord {

	bySequence := make(map[string][]domainHit)
	for _, h := range hits {
		if h.Coverage < minCoverage || h.EValue > maxEValue {
			continue
		}
		if h.To-h.From+1 < minLength {
			continue
		}
		bySequence[h.Sequence] = append(bySequence[h.Sequence], h)
	}

	var out []models.SequenceRecord
	for _, rec := range records {
		matched := bySequence[rec.ID]
		if len(matched) == 0 {
			continue
		}
		best := matched[0]
		rec.Domains = rec.Domains[:0]
		for _, h := range matched {
			if h.EValue < best.EValue {
				best = h
			}
			rec.Domains = append(rec.Domains, models.DomainRange{Name: h.Model, Start: h.From, End: h.To})
		}
		if prune {
			from, to := best.From, best.To
			if from < 1 {
				from = 1
			}
			if to > len(rec.Residues) {
				to = len(rec.Residues)
			}
			if from <= to {
				rec.Residues = rec.Residues[from-1 : to]
			}
		}
		out = append(out, rec)
	}
	return out
}
