package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/glycotree-labs/glycotree/internal/manifest"
	"github.com/glycotree-labs/glycotree/internal/pipeline"
	"github.com/glycotree-labs/glycotree/internal/queue"
	"github.com/glycotree-labs/glycotree/pkg/apierr"
	"github.com/glycotree-labs/glycotree/pkg/models"
)

type RunHandler struct {
	logger    *slog.Logger
	orch      *pipeline.Orchestrator
	manifests manifest.Store
	producer  *queue.Producer
}

func NewRunHandler(logger *slog.Logger, orch *pipeline.Orchestrator, manifests manifest.Store, producer *queue.Producer) *RunHandler {
	return &RunHandler{logger: logger, orch: orch, manifests: manifests, producer: producer}
}

// CreateRunRequest is the submission payload. Omitted tuning fields fall
// back to family defaults.
type CreateRunRequest struct {
	Family     string `json:"family"`
	ScrapeMode string `json:"scrape_mode,omitempty"`
	Domains    string `json:"domains,omitempty"`

	UserFiles  []string `json:"user_files,omitempty"`
	AutoRename *bool    `json:"auto_rename,omitempty"`

	IncludeFragments *bool    `json:"include_fragments,omitempty"`
	PruneSequences   *bool    `json:"prune_sequences,omitempty"`
	HMMCoverage      *float64 `json:"hmm_coverage,omitempty"`
	HMMEValue        *float64 `json:"hmm_evalue,omitempty"`
	MinDomainLength  *int     `json:"min_domain_length,omitempty"`

	IdentityThreshold *float64 `json:"identity_threshold,omitempty"`
	SubsampleLimit    *int     `json:"subsample_limit,omitempty"`

	TreeBuilder string `json:"tree_builder,omitempty"`
	Threads     *int   `json:"threads,omitempty"`
	RenderTree  *bool  `json:"render_tree,omitempty"`
	ForceUpdate *bool  `json:"force_update,omitempty"`

	StageTimeoutSecs map[string]int `json:"stage_timeout_secs,omitempty"`
}

// RunSummary is the list/detail projection of a manifest.
type RunSummary struct {
	ID           uuid.UUID         `json:"id"`
	State        manifest.RunState `json:"state"`
	Family       string            `json:"family"`
	FailureStage string            `json:"failure_stage,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func summarize(m *manifest.RunManifest) RunSummary {
	return RunSummary{
		ID:           m.ID,
		State:        m.State,
		Family:       m.Config.Family,
		FailureStage: m.FailureStage,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func (h *RunHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, h.logger, apierr.InvalidRequestBody())
		return
	}

	cfg, err := req.toConfig()
	if err != nil {
		writeAPIError(w, h.logger, apierr.InvalidRunConfig(err.Error()))
		return
	}

	m, err := h.orch.NewRun(r.Context(), cfg)
	if err != nil {
		var cfgErr *pipeline.ConfigurationError
		if errors.As(err, &cfgErr) {
			writeAPIError(w, h.logger, apierr.InvalidRunConfig(cfgErr.Reason))
			return
		}
		writeAPIError(w, h.logger, apierr.RunCreateFailed(err))
		return
	}

	if _, err := h.producer.Enqueue(r.Context(), queue.RunMessage{RunID: m.ID, Trigger: "submit"}); err != nil {
		h.logger.Error("enqueue run", slog.String("run_id", m.ID.String()), slog.String("error", err.Error()))
		writeAPIError(w, h.logger, apierr.QueueUnavailable())
		return
	}

	h.logger.Info("run submitted", slog.String("run_id", m.ID.String()), slog.String("family", cfg.Family))
	writeJSON(w, http.StatusCreated, summarize(m))
}

func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	manifests, err := h.manifests.List(r.Context())
	if err != nil {
		writeAPIError(w, h.logger, apierr.RunListFailed(err))
		return
	}
	summaries := make([]RunSummary, 0, len(manifests))
	for _, m := range manifests {
		summaries = append(summaries, summarize(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": summaries})
}

func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		writeAPIError(w, h.logger, apierr.InvalidRunID())
		return
	}
	m, err := h.manifests.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			writeAPIError(w, h.logger, apierr.RunNotFound())
			return
		}
		writeAPIError(w, h.logger, apierr.InternalError(err))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Resume re-enqueues an interrupted run. Completed runs are final and
// cannot be resumed; failed runs may be retried.
func (h *RunHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		writeAPIError(w, h.logger, apierr.InvalidRunID())
		return
	}
	m, err := h.manifests.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			writeAPIError(w, h.logger, apierr.RunNotFound())
			return
		}
		writeAPIError(w, h.logger, apierr.InternalError(err))
		return
	}
	if m.State == manifest.RunCompleted {
		writeAPIError(w, h.logger, apierr.RunNotResumable(errors.New("run already completed")))
		return
	}

	if _, err := h.producer.Enqueue(r.Context(), queue.RunMessage{RunID: m.ID, Trigger: "resume"}); err != nil {
		h.logger.Error("enqueue resume", slog.String("run_id", m.ID.String()), slog.String("error", err.Error()))
		writeAPIError(w, h.logger, apierr.QueueUnavailable())
		return
	}
	writeJSON(w, http.StatusAccepted, summarize(m))
}

func (req CreateRunRequest) toConfig() (manifest.RunConfig, error) {
	cfg := manifest.DefaultConfig(req.Family)

	if req.ScrapeMode != "" {
		cfg.ScrapeMode = models.ScrapeMode(req.ScrapeMode)
	}
	if req.Domains != "" {
		domains, err := models.ParseDomains(req.Domains)
		if err != nil {
			return manifest.RunConfig{}, err
		}
		cfg.Domains = domains
	}
	if req.TreeBuilder != "" {
		cfg.TreeBuilder = models.TreeBuilder(req.TreeBuilder)
	}

	cfg.UserFiles = req.UserFiles
	if req.AutoRename != nil {
		cfg.AutoRename = *req.AutoRename
	}
	if req.IncludeFragments != nil {
		cfg.IncludeFragments = *req.IncludeFragments
	}
	if req.PruneSequences != nil {
		cfg.PruneSequences = *req.PruneSequences
	}
	if req.HMMCoverage != nil {
		cfg.HMMCoverage = *req.HMMCoverage
	}
	if req.HMMEValue != nil {
		cfg.HMMEValue = *req.HMMEValue
	}
	if req.MinDomainLength != nil {
		cfg.MinDomainLength = *req.MinDomainLength
	}
	if req.IdentityThreshold != nil {
		cfg.IdentityThreshold = *req.IdentityThreshold
	}
	if req.SubsampleLimit != nil {
		cfg.SubsampleLimit = *req.SubsampleLimit
	}
	if req.Threads != nil {
		cfg.Threads = *req.Threads
	}
	if req.RenderTree != nil {
		cfg.RenderTree = *req.RenderTree
	}
	if req.ForceUpdate != nil {
		cfg.ForceUpdate = *req.ForceUpdate
	}
	cfg.StageTimeoutSecs = req.StageTimeoutSecs

	return cfg, nil
}
