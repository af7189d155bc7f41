package domain

import (
	"errors"
	"strings"
	"time"
)

// ReleasePhase represents the lifecycle phase of a release.
type ReleasePhase string

const (
	ReleaseCreated          ReleasePhase = "created"
	ReleaseOnTrack          ReleasePhase = "on_track"
	ReleasePostReleasePhase ReleasePhase = "post_release_started"
	ReleaseFinished         ReleasePhase = "finished"
	ReleaseStopped          ReleasePhase = "stopped"
)

// Release is one instance of a train's release process, scoped to a version.
type Release struct {
	ID          string
	TrainID     string
	Version     string
	Phase       ReleasePhase
	Branch      string
	Tag         string
	Hotfix      bool
	ScheduledAt time.Time
	CreatedAt   time.Time
	CompletedAt *time.Time
}

func (r Release) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("release id is required")
	}
	if strings.TrimSpace(r.TrainID) == "" {
		return errors.New("train id is required")
	}
	if strings.TrimSpace(r.Version) == "" {
		return errors.New("version is required")
	}
	if NormalizeReleasePhase(string(r.Phase)) == "" {
		return errors.New("phase is invalid")
	}
	return nil
}

// Terminal reports whether the release can make no further progress.
func (r Release) Terminal() bool {
	return r.Phase == ReleaseFinished || r.Phase == ReleaseStopped
}

// NormalizeReleasePhase maps free-form phase values to canonical phases.
func NormalizeReleasePhase(value string) ReleasePhase {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ReleaseCreated), "pending":
		return ReleaseCreated
	case string(ReleaseOnTrack):
		return ReleaseOnTrack
	case string(ReleasePostReleasePhase):
		return ReleasePostReleasePhase
	case string(ReleaseFinished):
		return ReleaseFinished
	case string(ReleaseStopped):
		return ReleaseStopped
	default:
		return ""
	}
}

// CanTransitionReleasePhase enforces the release phase transition table.
func CanTransitionReleasePhase(current, next ReleasePhase) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		// Re-applying the current phase is a no-op, never an error.
		return current == ReleaseFinished || current == ReleaseStopped
	}
	switch current {
	case ReleaseCreated:
		return next == ReleaseOnTrack || next == ReleaseStopped
	case ReleaseOnTrack:
		return next == ReleasePostReleasePhase || next == ReleaseStopped
	case ReleasePostReleasePhase:
		return next == ReleaseFinished || next == ReleaseStopped
	default:
		return false
	}
}
