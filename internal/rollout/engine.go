// Package rollout drives the staged production release of an approved
// build: operator-initiated stage changes plus periodic reconciliation
// against the store's authoritative status.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/railyard-labs/railyard-go/internal/domain"
	"github.com/railyard-labs/railyard-go/internal/provider"
	"github.com/railyard-labs/railyard-go/internal/repo"
	"github.com/railyard-labs/railyard-go/internal/signal"
)

// Task names the engine is driven by. Start comes from the submission
// handoff, Sync from the periodic store syncer.
const (
	TaskStart = "rollout.start"
	TaskSync  = "rollout.sync"
)

// Stamp reasons recorded on the rollout timeline.
const (
	ReasonStarted       = "rollout_started"
	ReasonStageSet      = "rollout_stage_set"
	ReasonPaused        = "rollout_paused"
	ReasonResumed       = "rollout_resumed"
	ReasonHalted        = "rollout_halted"
	ReasonHaltedByStore = "rollout_halted_by_store"
	ReasonCompleted     = "rollout_completed"
	ReasonFullyReleased = "rollout_fully_released"
	ReasonStageAdvanced = "rollout_stage_advanced"
	ReasonInSync        = "rollout_in_sync"
)

// Locker serializes mutating calls against one store app. Store APIs
// are not safe for concurrent edits of the same app, so every mutating
// provider call happens while holding the lock for that app and store.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

type noopLocker struct{}

func (noopLocker) Acquire(ctx context.Context, key string) (func(), error) {
	return func() {}, nil
}

// Dispatcher delivers internal signals back into the core.
type Dispatcher interface {
	Dispatch(ctx context.Context, sig signal.Signal) error
}

// Engine coordinates rollouts for one app across its stores.
type Engine struct {
	trainID     string
	app         string
	rollouts    repo.RolloutRepository
	runs        repo.PlatformRunRepository
	submissions repo.SubmissionRepository
	builds      repo.BuildRepository
	stamps      repo.StampAppender
	providers   provider.Set
	locks       Locker
	dispatcher  Dispatcher
	log         *slog.Logger
	now         func() time.Time
}

func NewEngine(
	trainID, app string,
	rollouts repo.RolloutRepository,
	runs repo.PlatformRunRepository,
	submissions repo.SubmissionRepository,
	builds repo.BuildRepository,
	stamps repo.StampAppender,
	providers provider.Set,
	locks Locker,
	dispatcher Dispatcher,
	log *slog.Logger,
) (*Engine, error) {
	if strings.TrimSpace(trainID) == "" {
		return nil, errors.New("train id is required")
	}
	if strings.TrimSpace(app) == "" {
		return nil, errors.New("app is required")
	}
	if rollouts == nil || runs == nil || submissions == nil || builds == nil || stamps == nil {
		return nil, errors.New("repositories are required")
	}
	if locks == nil {
		locks = noopLocker{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		trainID:     strings.TrimSpace(trainID),
		app:         strings.TrimSpace(app),
		rollouts:    rollouts,
		runs:        runs,
		submissions: submissions,
		builds:      builds,
		stamps:      stamps,
		providers:   providers,
		locks:       locks,
		dispatcher:  dispatcher,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start moves a freshly created rollout to its first stage in store.
func (e *Engine) Start(ctx context.Context, rolloutID string) (domain.Rollout, error) {
	return e.mutate(ctx, rolloutID, func(ctx context.Context, rollout *domain.Rollout, store provider.StoreProvider, buildNumber string) (stampSpec, error) {
		if !domain.CanTransitionRolloutState(rollout.State, domain.RolloutStarted) {
			return stampSpec{}, provider.Config(provider.CodeRunNotRunnable,
				fmt.Errorf("rollout %s cannot start from %s", rollout.ID, rollout.State))
		}
		if err := store.StartRelease(ctx, buildNumber); err != nil {
			return stampSpec{}, err
		}
		first := rollout.Stages[0]
		info, err := store.SetRolloutStage(ctx, buildNumber, first)
		if err != nil {
			return stampSpec{}, err
		}
		rollout.State = domain.RolloutStarted
		rollout.CurrentStageIndex = 0
		rollout.StorePercentage = info.PhasedReleaseStage()
		return stampSpec{kind: domain.StampSuccess, reason: ReasonStarted, payload: domain.Metadata{
			"stage_percentage": first,
		}}, nil
	})
}

// Increase moves a running rollout to its next configured stage.
func (e *Engine) Increase(ctx context.Context, rolloutID string) (domain.Rollout, error) {
	return e.mutate(ctx, rolloutID, func(ctx context.Context, rollout *domain.Rollout, store provider.StoreProvider, buildNumber string) (stampSpec, error) {
		if rollout.State != domain.RolloutStarted {
			return stampSpec{}, provider.Config(provider.CodeRunNotRunnable,
				fmt.Errorf("rollout %s is %s, not started", rollout.ID, rollout.State))
		}
		if rollout.LastStage() {
			return stampSpec{}, provider.Config(provider.CodeRunNotRunnable,
				fmt.Errorf("rollout %s is already at its last stage", rollout.ID))
		}
		next := rollout.Stages[rollout.CurrentStageIndex+1]
		info, err := store.SetRolloutStage(ctx, buildNumber, next)
		if err != nil {
			return stampSpec{}, err
		}
		rollout.CurrentStageIndex++
		rollout.StorePercentage = info.PhasedReleaseStage()
		return stampSpec{kind: domain.StampSuccess, reason: ReasonStageSet, payload: domain.Metadata{
			"stage_percentage": next,
		}}, nil
	})
}

// Pause suspends user exposure without abandoning the build.
func (e *Engine) Pause(ctx context.Context, rolloutID string) (domain.Rollout, error) {
	return e.mutate(ctx, rolloutID, func(ctx context.Context, rollout *domain.Rollout, store provider.StoreProvider, buildNumber string) (stampSpec, error) {
		if !domain.CanTransitionRolloutState(rollout.State, domain.RolloutPaused) {
			return stampSpec{}, provider.Config(provider.CodeRunNotRunnable,
				fmt.Errorf("rollout %s cannot pause from %s", rollout.ID, rollout.State))
		}
		info, err := store.PausePhasedRelease(ctx)
		if err != nil {
			return stampSpec{}, err
		}
		rollout.State = domain.RolloutPaused
		rollout.StorePercentage = info.PhasedReleaseStage()
		return stampSpec{kind: domain.StampInfo, reason: ReasonPaused}, nil
	})
}

// Resume restarts a paused rollout at its current stage.
func (e *Engine) Resume(ctx context.Context, rolloutID string) (domain.Rollout, error) {
	return e.mutate(ctx, rolloutID, func(ctx context.Context, rollout *domain.Rollout, store provider.StoreProvider, buildNumber string) (stampSpec, error) {
		if rollout.State != domain.RolloutPaused {
			return stampSpec{}, provider.Config(provider.CodeRunNotRunnable,
				fmt.Errorf("rollout %s is %s, not paused", rollout.ID, rollout.State))
		}
		info, err := store.ResumePhasedRelease(ctx)
		if err != nil {
			return stampSpec{}, err
		}
		rollout.State = domain.RolloutStarted
		rollout.StorePercentage = info.PhasedReleaseStage()
		return stampSpec{kind: domain.StampInfo, reason: ReasonResumed}, nil
	})
}

// Halt abandons the build: no further users receive it, and only a new
// release can supersede the rollout afterwards.
func (e *Engine) Halt(ctx context.Context, rolloutID string) (domain.Rollout, error) {
	return e.mutate(ctx, rolloutID, func(ctx context.Context, rollout *domain.Rollout, store provider.StoreProvider, buildNumber string) (stampSpec, error) {
		if !domain.CanTransitionRolloutState(rollout.State, domain.RolloutHalted) {
			return stampSpec{}, provider.Config(provider.CodeRunNotRunnable,
				fmt.Errorf("rollout %s cannot halt from %s", rollout.ID, rollout.State))
		}
		info, err := store.HaltPhasedRelease(ctx)
		if err != nil {
			return stampSpec{}, err
		}
		rollout.State = domain.RolloutHalted
		rollout.StorePercentage = info.PhasedReleaseStage()
		ended := e.now()
		rollout.EndedAt = &ended
		return stampSpec{kind: domain.StampError, reason: ReasonHalted}, nil
	})
}

// ReleaseToAll skips remaining stages and exposes the build to all users.
func (e *Engine) ReleaseToAll(ctx context.Context, rolloutID string) (domain.Rollout, error) {
	rollout, err := e.mutate(ctx, rolloutID, func(ctx context.Context, rollout *domain.Rollout, store provider.StoreProvider, buildNumber string) (stampSpec, error) {
		if rollout.State != domain.RolloutStarted {
			return stampSpec{}, provider.Config(provider.CodeRunNotRunnable,
				fmt.Errorf("rollout %s is %s, not started", rollout.ID, rollout.State))
		}
		info, err := store.CompletePhasedRelease(ctx)
		if err != nil {
			return stampSpec{}, err
		}
		rollout.State = domain.RolloutFullyReleased
		rollout.CurrentStageIndex = len(rollout.Stages) - 1
		rollout.StorePercentage = info.PhasedReleaseStage()
		ended := e.now()
		rollout.EndedAt = &ended
		return stampSpec{kind: domain.StampSuccess, reason: ReasonFullyReleased}, nil
	})
	if err != nil {
		return domain.Rollout{}, err
	}
	if err := e.advanceRun(ctx, rollout.RunID); err != nil {
		return rollout, err
	}
	return rollout, nil
}

// Supersede ends the rollout because a newer release replaced it.
func (e *Engine) Supersede(ctx context.Context, rolloutID string) (domain.Rollout, error) {
	rollout, err := e.rollouts.UpdateRollout(ctx, rolloutID, func(rollout *domain.Rollout) error {
		if rollout.State == domain.RolloutSuperseded {
			return nil
		}
		if !domain.CanTransitionRolloutState(rollout.State, domain.RolloutSuperseded) {
			return provider.Config(provider.CodeRunNotRunnable,
				fmt.Errorf("rollout %s cannot be superseded from %s", rollout.ID, rollout.State))
		}
		rollout.State = domain.RolloutSuperseded
		ended := e.now()
		rollout.EndedAt = &ended
		return nil
	})
	if err != nil {
		return domain.Rollout{}, err
	}
	e.stamp(ctx, rollout, stampSpec{kind: domain.StampInfo, reason: "rollout_superseded"})
	e.announce(ctx, rollout)
	return rollout, nil
}

type stampSpec struct {
	kind    domain.StampKind
	reason  string
	payload domain.Metadata
}

type mutator func(ctx context.Context, rollout *domain.Rollout, store provider.StoreProvider, buildNumber string) (stampSpec, error)

// mutate runs fn under the rollout's exclusive row lock and the store
// edit lock, then records exactly one stamp for the outcome. The store
// provider is invoked inside the row lock so a concurrent operator
// action and reconciliation cannot commit conflicting decisions.
func (e *Engine) mutate(ctx context.Context, rolloutID string, fn mutator) (domain.Rollout, error) {
	current, err := e.rollouts.GetRollout(ctx, rolloutID)
	if err != nil {
		return domain.Rollout{}, err
	}
	store, buildNumber, err := e.resolveStore(ctx, current)
	if err != nil {
		return domain.Rollout{}, err
	}

	release, err := e.locks.Acquire(ctx, e.lockKey(store.Kind()))
	if err != nil {
		return domain.Rollout{}, provider.Transient(provider.CodeLockContended, err)
	}
	defer release()

	var spec stampSpec
	rollout, err := e.rollouts.UpdateRollout(ctx, rolloutID, func(rollout *domain.Rollout) error {
		spec, err = fn(ctx, rollout, store, buildNumber)
		return err
	})
	if err != nil {
		return domain.Rollout{}, err
	}
	e.stamp(ctx, rollout, spec)
	e.announce(ctx, rollout)
	return rollout, nil
}

// announce raises rollout_stage_changed after a committed transition so
// the release layer can react without polling. Delivery failure is
// logged, not returned: the syncer re-detects the state on its next
// pass.
func (e *Engine) announce(ctx context.Context, rollout domain.Rollout) {
	if e.dispatcher == nil {
		return
	}
	sig, err := signal.New(signal.KindRolloutStageChanged, e.trainID, signal.RolloutStageChangedPayload{
		RolloutID:       rollout.ID,
		RunID:           rollout.RunID,
		State:           string(rollout.State),
		StorePercentage: rollout.StorePercentage,
	})
	if err != nil {
		e.log.ErrorContext(ctx, "build rollout_stage_changed signal", slog.String("error", err.Error()))
		return
	}
	if err := e.dispatcher.Dispatch(ctx, sig); err != nil {
		e.log.ErrorContext(ctx, "dispatch rollout_stage_changed",
			slog.String("rollout_id", rollout.ID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) resolveStore(ctx context.Context, rollout domain.Rollout) (provider.StoreProvider, string, error) {
	submission, err := e.submissions.GetSubmission(ctx, rollout.SubmissionID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve submission: %w", err)
	}
	build, err := e.builds.GetBuild(ctx, submission.BuildID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve build: %w", err)
	}
	store, err := e.providers.StoreFor(submission.Store)
	if err != nil {
		return nil, "", err
	}
	return store, build.VersionCode, nil
}

func (e *Engine) lockKey(kind domain.StoreKind) string {
	return e.app + "/" + string(kind)
}

func (e *Engine) stamp(ctx context.Context, rollout domain.Rollout, spec stampSpec) {
	if spec.reason == "" {
		return
	}
	_, err := e.stamps.Append(ctx, domain.Stamp{
		OccurredAt: e.now(),
		Kind:       spec.kind,
		Reason:     spec.reason,
		OwnerType:  domain.OwnerRollout,
		OwnerID:    rollout.ID,
		Payload:    spec.payload,
	})
	if err != nil {
		e.log.ErrorContext(ctx, "stamp rollout event",
			slog.String("rollout_id", rollout.ID),
			slog.String("reason", spec.reason),
			slog.String("error", err.Error()),
		)
	}
}

// advanceRun moves the owning platform run out of its rollout phase
// once the rollout finished. Re-application is a no-op.
func (e *Engine) advanceRun(ctx context.Context, runID string) error {
	_, err := e.runs.UpdateRun(ctx, runID, func(run *domain.PlatformRun) error {
		if !domain.CanTransitionRunPhase(run.Phase, domain.RunFinishing) {
			return nil
		}
		run.Phase = domain.RunFinishing
		return nil
	})
	return err
}
