package rollout

import (
	"context"
	"errors"

	"github.com/railyard-labs/railyard-go/internal/domain"
	"github.com/railyard-labs/railyard-go/internal/provider"
)

// errEndedWhileSyncing marks a rollout that reached a terminal or
// halted state after reconciliation started. The concurrent decision
// wins and the sync becomes a no-op.
var errEndedWhileSyncing = errors.New("rollout ended while syncing")

// storeStatus is the store-agnostic view reconciliation acts on. Each
// store kind maps its release info separately because the stores do not
// agree on what halt, pause or completion look like.
type storeStatus struct {
	halted     bool
	paused     bool
	complete   bool
	percentage float64
}

func statusFor(kind domain.StoreKind, info provider.ReleaseInfo) storeStatus {
	switch kind {
	case domain.StoreAppStore:
		return appStoreStatus(info)
	case domain.StorePlayStore:
		return playStoreStatus(info)
	default:
		// Reviewless distribution channels have no staged rollout; a
		// live build is a complete one.
		return storeStatus{complete: info.CurrentlyLive, percentage: 100}
	}
}

// appStoreStatus reads a phased release: the store walks the stage
// curve on its own and can pause or halt a release from its side.
func appStoreStatus(info provider.ReleaseInfo) storeStatus {
	return storeStatus{
		halted:     info.Halted(),
		paused:     info.Paused(),
		complete:   info.PhasedReleaseComplete(),
		percentage: info.PhasedReleaseStage(),
	}
}

// playStoreStatus reads a staged rollout: percentages only move when we
// set them, there is no store-side pause, and full exposure means done.
func playStoreStatus(info provider.ReleaseInfo) storeStatus {
	return storeStatus{
		halted:     info.Halted(),
		complete:   info.PhasedReleaseComplete() || info.PhasedReleaseStage() >= 100,
		percentage: info.PhasedReleaseStage(),
	}
}

// SyncStoreStatus reconciles the local rollout against the store. The
// stage index only ever advances, a store-side halt forces the local
// state to halted, and every invocation records exactly one stamp. The
// store is queried inside the rollout's row lock so an operator halt
// committed concurrently wins: the re-read local state is authoritative.
func (e *Engine) SyncStoreStatus(ctx context.Context, rolloutID string) (domain.Rollout, error) {
	current, err := e.rollouts.GetRollout(ctx, rolloutID)
	if err != nil {
		return domain.Rollout{}, err
	}
	if current.Terminal() || current.State == domain.RolloutHalted {
		return current, nil
	}
	store, buildNumber, err := e.resolveStore(ctx, current)
	if err != nil {
		return domain.Rollout{}, err
	}

	var spec stampSpec
	rollout, err := e.rollouts.UpdateRollout(ctx, rolloutID, func(rollout *domain.Rollout) error {
		if rollout.Terminal() || rollout.State == domain.RolloutHalted {
			return errEndedWhileSyncing
		}
		info, err := store.FindRelease(ctx, buildNumber)
		if err != nil {
			return err
		}
		status := statusFor(store.Kind(), info)
		spec = e.reconcile(rollout, status)
		return nil
	})
	if errors.Is(err, errEndedWhileSyncing) {
		return e.rollouts.GetRollout(ctx, rolloutID)
	}
	if err != nil {
		return domain.Rollout{}, err
	}
	e.stamp(ctx, rollout, spec)

	if rollout.State == domain.RolloutCompleted || rollout.State == domain.RolloutFullyReleased {
		if err := e.advanceRun(ctx, rollout.RunID); err != nil {
			return rollout, err
		}
	}
	if spec.reason != ReasonInSync {
		e.announce(ctx, rollout)
	}
	return rollout, nil
}

// reconcile folds the observed store status into the rollout and
// decides the single stamp describing what changed.
func (e *Engine) reconcile(rollout *domain.Rollout, status storeStatus) stampSpec {
	rollout.StorePercentage = status.percentage

	if status.halted {
		if domain.CanTransitionRolloutState(rollout.State, domain.RolloutHalted) {
			rollout.State = domain.RolloutHalted
			ended := e.now()
			rollout.EndedAt = &ended
		}
		return stampSpec{kind: domain.StampError, reason: ReasonHaltedByStore}
	}

	if status.complete {
		if domain.CanTransitionRolloutState(rollout.State, domain.RolloutCompleted) {
			rollout.State = domain.RolloutCompleted
			rollout.CurrentStageIndex = len(rollout.Stages) - 1
			ended := e.now()
			rollout.EndedAt = &ended
		}
		return stampSpec{kind: domain.StampSuccess, reason: ReasonCompleted, payload: domain.Metadata{
			"store_percentage": status.percentage,
		}}
	}

	if status.paused && rollout.State == domain.RolloutStarted {
		rollout.State = domain.RolloutPaused
		return stampSpec{kind: domain.StampInfo, reason: ReasonPaused}
	}
	if !status.paused && rollout.State == domain.RolloutPaused {
		rollout.State = domain.RolloutStarted
		return stampSpec{kind: domain.StampInfo, reason: ReasonResumed}
	}

	if index := rollout.StageForPercentage(status.percentage); index > rollout.CurrentStageIndex {
		rollout.CurrentStageIndex = index
		return stampSpec{kind: domain.StampInfo, reason: ReasonStageAdvanced, payload: domain.Metadata{
			"stage_percentage": rollout.CurrentPercentage(),
			"store_percentage": status.percentage,
		}}
	}

	return stampSpec{kind: domain.StampInfo, reason: ReasonInSync, payload: domain.Metadata{
		"store_percentage": status.percentage,
	}}
}
