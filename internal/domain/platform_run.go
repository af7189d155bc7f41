package domain

import (
	"errors"
	"strings"
	"time"
)

// RunPhase represents the per-platform phase of a release.
type RunPhase string

const (
	RunKickoff       RunPhase = "kickoff"
	RunStabilization RunPhase = "stabilization"
	RunReview        RunPhase = "review"
	RunRollout       RunPhase = "rollout"
	RunFinishing     RunPhase = "finishing"
	RunFinished      RunPhase = "finished"
	RunStopped       RunPhase = "stopped"
	RunFailed        RunPhase = "failed"
)

// PlatformRun is the per-OS-platform sub-state of a release.
type PlatformRun struct {
	ID        string
	ReleaseID string
	Platform  Platform
	Phase     RunPhase
	Active    bool
	CreatedAt time.Time
	EndedAt   *time.Time
}

func (p PlatformRun) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("platform run id is required")
	}
	if strings.TrimSpace(p.ReleaseID) == "" {
		return errors.New("release id is required")
	}
	if NormalizePlatform(string(p.Platform)) == "" {
		return errors.New("platform is invalid")
	}
	if NormalizeRunPhase(string(p.Phase)) == "" {
		return errors.New("phase is invalid")
	}
	return nil
}

// Terminal reports whether the platform run can make no further progress.
func (p PlatformRun) Terminal() bool {
	switch p.Phase {
	case RunFinished, RunStopped, RunFailed:
		return true
	default:
		return false
	}
}

// NormalizeRunPhase maps free-form phase values to canonical run phases.
func NormalizeRunPhase(value string) RunPhase {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunKickoff):
		return RunKickoff
	case string(RunStabilization):
		return RunStabilization
	case string(RunReview):
		return RunReview
	case string(RunRollout):
		return RunRollout
	case string(RunFinishing):
		return RunFinishing
	case string(RunFinished):
		return RunFinished
	case string(RunStopped):
		return RunStopped
	case string(RunFailed):
		return RunFailed
	default:
		return ""
	}
}

// CanTransitionRunPhase enforces forward-only progression, with stopped
// and failed reachable from any non-terminal phase.
func CanTransitionRunPhase(current, next RunPhase) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return next == RunFinished || next == RunStopped || next == RunFailed
	}
	currentOrder := runPhaseOrder(current)
	if currentOrder == 0 || currentOrder >= runPhaseOrder(RunFinished) {
		return false
	}
	if next == RunStopped || next == RunFailed {
		return true
	}
	nextOrder := runPhaseOrder(next)
	return nextOrder > 0 && currentOrder < nextOrder
}

func runPhaseOrder(phase RunPhase) int {
	switch phase {
	case RunKickoff:
		return 1
	case RunStabilization:
		return 2
	case RunReview:
		return 3
	case RunRollout:
		return 4
	case RunFinishing:
		return 5
	case RunFinished, RunStopped, RunFailed:
		return 6
	default:
		return 0
	}
}
