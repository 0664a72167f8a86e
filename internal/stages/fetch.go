package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/glycotree-labs/glycotree/internal/artifact"
	"github.com/glycotree-labs/glycotree/internal/pipeline"
	"github.com/glycotree-labs/glycotree/internal/seqio"
	"github.com/glycotree-labs/glycotree/pkg/models"
)

// DatasetProvider fetches the reference sequences for one family. The
// pipeline treats it as an external dependency so tests can substitute a
// fixture provider.
type DatasetProvider interface {
	Fetch(ctx context.Context, family string, mode models.ScrapeMode, domains models.TaxonomyDomain) ([]models.SequenceRecord, error)
}

// HTTPProvider fetches family sequences from a dataset service speaking
// JSON over HTTP.
type HTTPProvider struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *HTTPProvider) Fetch(ctx context.Context, family string, mode models.ScrapeMode, domains models.TaxonomyDomain) ([]models.SequenceRecord, error) {
	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse dataset base url: %w", err)
	}
	u = u.JoinPath("families", family, "sequences")
	q := u.Query()
	q.Set("mode", string(mode))
	q.Set("domains", domains.String())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build dataset request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch family %s: %w", family, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch family %s: dataset service returned %s", family, resp.Status)
	}

	var out struct {
		Sequences []models.SequenceRecord `json:"sequences"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode family %s response: %w", family, err)
	}
	return out.Sequences, nil
}

// fetchStage assembles the run's input sequence set: the provider's
// records for the family plus any user-supplied FASTA files.
type fetchStage struct {
	deps Deps
}

func (s *fetchStage) Run(ctx context.Context, sc *pipeline.StageContext) (*pipeline.RunResult, error) {
	cfg := sc.Config
	records, err := s.deps.Provider.Fetch(ctx, cfg.Family, cfg.ScrapeMode, cfg.Domains)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", cfg.Family, err)
	}
	for i := range records {
		records[i].Source = "fetch"
	}

	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		seen[rec.ID] = struct{}{}
	}

	userIdx := 0
	for _, path := range cfg.UserFiles {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open user file %s: %w", path, err)
		}
		userRecords, err := seqio.ParseFASTA(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("parse user file %s: %w", path, err)
		}
		for _, rec := range userRecords {
			rec.Source = "user"
			if _, dup := seen[rec.ID]; dup {
				if !cfg.AutoRename {
					return nil, fmt.Errorf("user sequence id %s collides with fetched set (enable auto rename to keep both)", rec.ID)
				}
				rec.ID = fmt.Sprintf("U%09d", userIdx)
			}
			userIdx++
			seen[rec.ID] = struct{}{}
			records = append(records, rec)
		}
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("family %s yielded no sequences for domains %s", cfg.Family, cfg.Domains)
	}

	var buf bytes.Buffer
	if err := seqio.EncodeRecords(&buf, records); err != nil {
		return nil, err
	}
	s.deps.Logger.Info("fetched sequence set",
		"family", cfg.Family, "count", len(records), "user_files", len(cfg.UserFiles))
	return &pipeline.RunResult{Artifacts: []pipeline.ProducedArtifact{
		{Name: "sequences", Type: artifact.TypeSequenceSet, Payload: &buf},
	}}, nil
}
