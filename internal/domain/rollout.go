package domain

import (
	"errors"
	"strings"
	"time"
)

// RolloutState represents the staged production release lifecycle.
type RolloutState string

const (
	RolloutCreated       RolloutState = "created"
	RolloutStarted       RolloutState = "started"
	RolloutPaused        RolloutState = "paused"
	RolloutHalted        RolloutState = "halted"
	RolloutCompleted     RolloutState = "completed"
	RolloutFullyReleased RolloutState = "fully_released"
	RolloutSuperseded    RolloutState = "superseded"
)

// Rollout is the staged production release of one submission's build.
type Rollout struct {
	ID                string
	RunID             string
	SubmissionID      string
	State             RolloutState
	Stages            []float64
	CurrentStageIndex int
	StorePercentage   float64
	CreatedAt         time.Time
	EndedAt           *time.Time
}

func (r Rollout) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("rollout id is required")
	}
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("platform run id is required")
	}
	if strings.TrimSpace(r.SubmissionID) == "" {
		return errors.New("submission id is required")
	}
	if NormalizeRolloutState(string(r.State)) == "" {
		return errors.New("state is invalid")
	}
	if len(r.Stages) == 0 {
		return errors.New("stages are required")
	}
	prev := 0.0
	for _, stage := range r.Stages {
		if stage <= prev || stage > 100 {
			return errors.New("stages must be increasing percentages up to 100")
		}
		prev = stage
	}
	if r.CurrentStageIndex < -1 || r.CurrentStageIndex >= len(r.Stages) {
		return errors.New("current stage index out of range")
	}
	return nil
}

// Terminal reports whether the rollout can make no further progress.
func (r Rollout) Terminal() bool {
	switch r.State {
	case RolloutCompleted, RolloutFullyReleased, RolloutSuperseded:
		return true
	default:
		return false
	}
}

// Active reports whether the rollout is exposing the build to users.
func (r Rollout) Active() bool {
	return r.State == RolloutStarted || r.State == RolloutPaused
}

// CurrentPercentage returns the configured percentage of the current
// stage, or zero when the rollout has not started a stage yet.
func (r Rollout) CurrentPercentage() float64 {
	if r.CurrentStageIndex < 0 || r.CurrentStageIndex >= len(r.Stages) {
		return 0
	}
	return r.Stages[r.CurrentStageIndex]
}

// LastStage reports whether the current stage is the final configured one.
func (r Rollout) LastStage() bool {
	return r.CurrentStageIndex == len(r.Stages)-1
}

// StageForPercentage returns the highest stage index whose percentage is
// at most the store-reported percentage. Reconciliation uses it to catch
// the local index up to the store, never to regress it.
func (r Rollout) StageForPercentage(percentage float64) int {
	index := -1
	for i, stage := range r.Stages {
		if stage <= percentage {
			index = i
		}
	}
	return index
}

// NormalizeRolloutState maps free-form state values to canonical ones.
func NormalizeRolloutState(value string) RolloutState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RolloutCreated):
		return RolloutCreated
	case string(RolloutStarted):
		return RolloutStarted
	case string(RolloutPaused):
		return RolloutPaused
	case string(RolloutHalted):
		return RolloutHalted
	case string(RolloutCompleted):
		return RolloutCompleted
	case string(RolloutFullyReleased):
		return RolloutFullyReleased
	case string(RolloutSuperseded):
		return RolloutSuperseded
	default:
		return ""
	}
}

// CanTransitionRolloutState enforces the rollout transition table.
func CanTransitionRolloutState(current, next RolloutState) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return false
	}
	switch current {
	case RolloutCreated:
		return next == RolloutStarted || next == RolloutSuperseded
	case RolloutStarted:
		return next == RolloutPaused || next == RolloutHalted || next == RolloutCompleted ||
			next == RolloutFullyReleased || next == RolloutSuperseded
	case RolloutPaused:
		return next == RolloutStarted || next == RolloutHalted || next == RolloutSuperseded
	case RolloutHalted:
		// A halted rollout can only be superseded by a new release.
		return next == RolloutSuperseded
	default:
		return false
	}
}
