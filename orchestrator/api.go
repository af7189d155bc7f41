package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/railyard-labs/railyard-go/internal/domain"
	"github.com/railyard-labs/railyard-go/internal/platform/auditlog"
	"github.com/railyard-labs/railyard-go/internal/platform/auth"
	"github.com/railyard-labs/railyard-go/internal/provider"
	"github.com/railyard-labs/railyard-go/internal/repo"
	"github.com/railyard-labs/railyard-go/internal/service/releases"
	"github.com/railyard-labs/railyard-go/internal/signal"
)

type orchestratorAPI struct {
	logger     *slog.Logger
	db         *sql.DB
	set        *bundleSet
	stamps     repo.StampRepository
	dispatcher *signal.Dispatcher

	webhookSecret  string
	webhookMaxSkew time.Duration
}

func newOrchestratorAPI(
	logger *slog.Logger,
	db *sql.DB,
	set *bundleSet,
	stamps repo.StampRepository,
	dispatcher *signal.Dispatcher,
	webhookSecret string,
) *orchestratorAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &orchestratorAPI{
		logger:         logger,
		db:             db,
		set:            set,
		stamps:         stamps,
		dispatcher:     dispatcher,
		webhookSecret:  strings.TrimSpace(webhookSecret),
		webhookMaxSkew: 5 * time.Minute,
	}
}

func (api *orchestratorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /signals/{train_id}", api.handleSignal)

	mux.HandleFunc("GET /trains", api.handleListTrains)
	mux.HandleFunc("GET /trains/{train_id}/releases", api.handleListReleases)
	mux.HandleFunc("POST /trains/{train_id}/releases", api.handleCreateRelease)

	mux.HandleFunc("GET /releases/{release_id}", api.handleGetRelease)
	mux.HandleFunc("GET /releases/{release_id}/timeline", api.handleReleaseTimeline)
	mux.HandleFunc("POST /releases/{release_id}/stop", auth.RequireRole(auth.RoleAdmin, api.handleStopRelease))

	mux.HandleFunc("GET /rollouts/{rollout_id}", api.handleGetRollout)
	mux.HandleFunc("POST /rollouts/{rollout_id}/increase", api.handleRolloutIncrease)
	mux.HandleFunc("POST /rollouts/{rollout_id}/pause", api.handleRolloutPause)
	mux.HandleFunc("POST /rollouts/{rollout_id}/resume", api.handleRolloutResume)
	mux.HandleFunc("POST /rollouts/{rollout_id}/complete", api.handleRolloutComplete)
	mux.HandleFunc("POST /rollouts/{rollout_id}/halt", auth.RequireRole(auth.RoleAdmin, api.handleRolloutHalt))
}

type trainView struct {
	TrainID       string   `json:"train_id"`
	App           string   `json:"app"`
	Active        bool     `json:"active"`
	WorkingBranch string   `json:"working_branch"`
	Branching     string   `json:"branching"`
	SoakPeriod    string   `json:"soak_period,omitempty"`
	Platforms     []string `json:"platforms"`
}

type releaseView struct {
	ReleaseID   string     `json:"release_id"`
	TrainID     string     `json:"train_id"`
	Version     string     `json:"version"`
	Phase       string     `json:"phase"`
	Branch      string     `json:"branch,omitempty"`
	Tag         string     `json:"tag,omitempty"`
	Hotfix      bool       `json:"hotfix,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type runView struct {
	RunID    string `json:"run_id"`
	Platform string `json:"platform"`
	Phase    string `json:"phase"`
}

type rolloutView struct {
	RolloutID         string     `json:"rollout_id"`
	RunID             string     `json:"run_id"`
	SubmissionID      string     `json:"submission_id"`
	State             string     `json:"state"`
	Stages            []float64  `json:"stages"`
	CurrentStageIndex int        `json:"current_stage_index"`
	StorePercentage   float64    `json:"store_percentage"`
	CreatedAt         time.Time  `json:"created_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

type stampView struct {
	OccurredAt   time.Time       `json:"occurred_at"`
	Kind         string          `json:"kind"`
	Reason       string          `json:"reason"`
	OwnerType    string          `json:"owner_type"`
	OwnerID      string          `json:"owner_id"`
	Payload      domain.Metadata `json:"payload,omitempty"`
	SignalSHA256 string          `json:"signal_sha256,omitempty"`
}

func toReleaseView(release domain.Release) releaseView {
	return releaseView{
		ReleaseID:   release.ID,
		TrainID:     release.TrainID,
		Version:     release.Version,
		Phase:       string(release.Phase),
		Branch:      release.Branch,
		Tag:         release.Tag,
		Hotfix:      release.Hotfix,
		CreatedAt:   release.CreatedAt,
		CompletedAt: release.CompletedAt,
	}
}

func toRolloutView(rollout domain.Rollout) rolloutView {
	return rolloutView{
		RolloutID:         rollout.ID,
		RunID:             rollout.RunID,
		SubmissionID:      rollout.SubmissionID,
		State:             string(rollout.State),
		Stages:            rollout.Stages,
		CurrentStageIndex: rollout.CurrentStageIndex,
		StorePercentage:   rollout.StorePercentage,
		CreatedAt:         rollout.CreatedAt,
		EndedAt:           rollout.EndedAt,
	}
}

func (api *orchestratorAPI) handleListTrains(w http.ResponseWriter, r *http.Request) {
	views := make([]trainView, 0, len(api.set.bundles))
	for _, bundle := range api.set.bundles {
		train := bundle.train
		platforms := make([]string, 0, len(train.Platforms))
		for _, p := range train.Platforms {
			platforms = append(platforms, string(p.Platform))
		}
		view := trainView{
			TrainID:       train.ID,
			App:           train.App,
			Active:        train.Active,
			WorkingBranch: train.WorkingBranch,
			Branching:     string(train.Branching),
			Platforms:     platforms,
		}
		if train.SoakPeriod > 0 {
			view.SoakPeriod = train.SoakPeriod.String()
		}
		views = append(views, view)
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"trains": views})
}

func (api *orchestratorAPI) handleListReleases(w http.ResponseWriter, r *http.Request) {
	trainID := strings.TrimSpace(r.PathValue("train_id"))
	if _, err := api.set.byTrain(trainID); err != nil {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	list, err := api.set.releases.ListReleases(r.Context(), repo.ReleaseFilter{TrainID: trainID})
	if err != nil {
		api.fail(w, r, err)
		return
	}
	views := make([]releaseView, 0, len(list))
	for _, release := range list {
		views = append(views, toReleaseView(release))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"releases": views})
}

type createReleaseRequest struct {
	Version string `json:"version,omitempty"`
	Hotfix  bool   `json:"hotfix,omitempty"`
}

func (api *orchestratorAPI) handleCreateRelease(w http.ResponseWriter, r *http.Request) {
	trainID := strings.TrimSpace(r.PathValue("train_id"))
	bundle, err := api.set.byTrain(trainID)
	if err != nil {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}

	var req createReleaseRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}

	release, err := bundle.releases.Create(r.Context(), releases.CreateInput{
		Version: strings.TrimSpace(req.Version),
		Hotfix:  req.Hotfix,
	})
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.auditOperatorAction(r, "release.create", "release", release.ID, map[string]any{
		"train_id": trainID,
		"version":  release.Version,
		"hotfix":   release.Hotfix,
	})
	api.writeJSON(w, http.StatusCreated, toReleaseView(release))
}

func (api *orchestratorAPI) handleGetRelease(w http.ResponseWriter, r *http.Request) {
	releaseID := strings.TrimSpace(r.PathValue("release_id"))
	release, err := api.set.releases.GetRelease(r.Context(), releaseID)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	runs, err := api.set.runs.ListRunsByRelease(r.Context(), release.ID)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	runViews := make([]runView, 0, len(runs))
	for _, run := range runs {
		runViews = append(runViews, runView{
			RunID:    run.ID,
			Platform: string(run.Platform),
			Phase:    string(run.Phase),
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"release": toReleaseView(release),
		"runs":    runViews,
	})
}

func (api *orchestratorAPI) handleReleaseTimeline(w http.ResponseWriter, r *http.Request) {
	releaseID := strings.TrimSpace(r.PathValue("release_id"))
	if _, err := api.set.releases.GetRelease(r.Context(), releaseID); err != nil {
		api.fail(w, r, err)
		return
	}
	stamps, err := api.stamps.ListStamps(r.Context(), repo.StampFilter{
		OwnerType: "release",
		OwnerID:   releaseID,
	})
	if err != nil {
		api.fail(w, r, err)
		return
	}
	views := make([]stampView, 0, len(stamps))
	for _, stamp := range stamps {
		views = append(views, stampView{
			OccurredAt:   stamp.OccurredAt,
			Kind:         string(stamp.Kind),
			Reason:       stamp.Reason,
			OwnerType:    stamp.OwnerType,
			OwnerID:      stamp.OwnerID,
			Payload:      stamp.Payload,
			SignalSHA256: stamp.SignalSHA256,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"timeline": views})
}

func (api *orchestratorAPI) handleStopRelease(w http.ResponseWriter, r *http.Request) {
	releaseID := strings.TrimSpace(r.PathValue("release_id"))
	bundle, err := api.set.byRelease(r.Context(), releaseID)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	if err := bundle.releases.Stop(r.Context(), releaseID); err != nil {
		api.fail(w, r, err)
		return
	}
	api.auditOperatorAction(r, "release.stop", "release", releaseID, nil)
	release, err := api.set.releases.GetRelease(r.Context(), releaseID)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toReleaseView(release))
}

func (api *orchestratorAPI) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	rolloutID := strings.TrimSpace(r.PathValue("rollout_id"))
	rollout, err := api.set.rollouts.GetRollout(r.Context(), rolloutID)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toRolloutView(rollout))
}

func (api *orchestratorAPI) handleRolloutIncrease(w http.ResponseWriter, r *http.Request) {
	api.mutateRollout(w, r, "rollout.increase", func(ctx context.Context, bundle *trainBundle, rolloutID string) (domain.Rollout, error) {
		return bundle.engine.Increase(ctx, rolloutID)
	})
}

func (api *orchestratorAPI) handleRolloutPause(w http.ResponseWriter, r *http.Request) {
	api.mutateRollout(w, r, "rollout.pause", func(ctx context.Context, bundle *trainBundle, rolloutID string) (domain.Rollout, error) {
		return bundle.engine.Pause(ctx, rolloutID)
	})
}

func (api *orchestratorAPI) handleRolloutResume(w http.ResponseWriter, r *http.Request) {
	api.mutateRollout(w, r, "rollout.resume", func(ctx context.Context, bundle *trainBundle, rolloutID string) (domain.Rollout, error) {
		return bundle.engine.Resume(ctx, rolloutID)
	})
}

func (api *orchestratorAPI) handleRolloutComplete(w http.ResponseWriter, r *http.Request) {
	api.mutateRollout(w, r, "rollout.complete", func(ctx context.Context, bundle *trainBundle, rolloutID string) (domain.Rollout, error) {
		return bundle.engine.ReleaseToAll(ctx, rolloutID)
	})
}

func (api *orchestratorAPI) handleRolloutHalt(w http.ResponseWriter, r *http.Request) {
	api.mutateRollout(w, r, "rollout.halt", func(ctx context.Context, bundle *trainBundle, rolloutID string) (domain.Rollout, error) {
		return bundle.engine.Halt(ctx, rolloutID)
	})
}

func (api *orchestratorAPI) mutateRollout(
	w http.ResponseWriter,
	r *http.Request,
	action string,
	mutate func(ctx context.Context, bundle *trainBundle, rolloutID string) (domain.Rollout, error),
) {
	rolloutID := strings.TrimSpace(r.PathValue("rollout_id"))
	bundle, err := api.set.byRollout(r.Context(), rolloutID)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	rollout, err := mutate(r.Context(), bundle, rolloutID)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	api.auditOperatorAction(r, action, "rollout", rolloutID, map[string]any{
		"state":            string(rollout.State),
		"store_percentage": rollout.StorePercentage,
	})
	api.writeJSON(w, http.StatusOK, toRolloutView(rollout))
}

func (api *orchestratorAPI) auditOperatorAction(r *http.Request, action, resourceType, resourceID string, payload map[string]any) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || api.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 750*time.Millisecond)
	defer cancel()
	if err := auditlog.InsertOperatorAction(ctx, api.db, identity, action, resourceType, resourceID, r.Header.Get("X-Request-Id"), payload); err != nil {
		api.logger.Error("operator audit failed", "action", action, "error", err)
	}
}

// fail maps domain and provider errors onto HTTP statuses. Conflicting
// operator actions and invalid transitions come back as 409.
func (api *orchestratorAPI) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case provider.IsCode(err, provider.CodeReleaseAlreadyExists),
		provider.IsCode(err, provider.CodeReviewInProgress),
		provider.IsCode(err, provider.CodeRunNotRunnable):
		api.writeError(w, r, http.StatusConflict, provider.CodeOf(err))
	case provider.IsCode(err, provider.CodeParameterInvalid),
		provider.IsCode(err, provider.CodeDispatchMissing):
		api.writeError(w, r, http.StatusBadRequest, provider.CodeOf(err))
	case provider.IsCode(err, provider.CodeLockContended):
		api.writeError(w, r, http.StatusServiceUnavailable, provider.CodeOf(err))
	default:
		api.logger.Error("request failed", "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *orchestratorAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *orchestratorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
