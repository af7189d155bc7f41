package domain

import (
	"errors"
	"strings"
	"time"
)

// BuildState represents the tracked state of a CI workflow run and the
// artifact it produces.
type BuildState string

const (
	BuildTriggering      BuildState = "triggering"
	BuildTriggered       BuildState = "triggered"
	BuildWorkflowStarted BuildState = "ci_workflow_started"
	BuildAboutToDeploy   BuildState = "about_to_deploy"
	BuildFound           BuildState = "build_found"
	BuildReady           BuildState = "ready"
	BuildCIFailed        BuildState = "ci_failed"
	BuildCICancelled     BuildState = "ci_cancelled"
	BuildUnavailable     BuildState = "unavailable"
	BuildTriggerFailed   BuildState = "trigger_failed"
)

// BuildEvent is a dispatched signal driving a build state transition.
type BuildEvent string

const (
	BuildEventTriggered         BuildEvent = "workflow_triggered"
	BuildEventTriggerFailed     BuildEvent = "workflow_trigger_failed"
	BuildEventWorkflowStarted   BuildEvent = "workflow_started"
	BuildEventWorkflowSucceeded BuildEvent = "workflow_succeeded"
	BuildEventWorkflowFailed    BuildEvent = "workflow_failed"
	BuildEventWorkflowCancelled BuildEvent = "workflow_cancelled"
	BuildEventArtifactFound     BuildEvent = "artifact_found"
	BuildEventArtifactMissing   BuildEvent = "artifact_missing"
	BuildEventVersionAttached   BuildEvent = "version_attached"
)

// Build is an artifact produced by a CI workflow run for a commit.
type Build struct {
	ID           string
	RunID        string
	CommitSHA    string
	VersionName  string
	VersionCode  string
	State        BuildState
	WorkflowID   string
	WorkflowLink string
	ArtifactKey  string
	CreatedAt    time.Time
	EndedAt      *time.Time
}

func (b Build) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return errors.New("build id is required")
	}
	if strings.TrimSpace(b.RunID) == "" {
		return errors.New("platform run id is required")
	}
	if strings.TrimSpace(b.CommitSHA) == "" {
		return errors.New("commit sha is required")
	}
	if NormalizeBuildState(string(b.State)) == "" {
		return errors.New("state is invalid")
	}
	return nil
}

// Terminal reports whether the build can make no further progress.
func (b Build) Terminal() bool {
	switch b.State {
	case BuildReady, BuildCIFailed, BuildCICancelled, BuildUnavailable, BuildTriggerFailed:
		return true
	default:
		return false
	}
}

// NormalizeBuildState maps free-form state values to canonical ones.
func NormalizeBuildState(value string) BuildState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(BuildTriggering):
		return BuildTriggering
	case string(BuildTriggered):
		return BuildTriggered
	case string(BuildWorkflowStarted):
		return BuildWorkflowStarted
	case string(BuildAboutToDeploy):
		return BuildAboutToDeploy
	case string(BuildFound):
		return BuildFound
	case string(BuildReady):
		return BuildReady
	case string(BuildCIFailed):
		return BuildCIFailed
	case string(BuildCICancelled):
		return BuildCICancelled
	case string(BuildUnavailable):
		return BuildUnavailable
	case string(BuildTriggerFailed):
		return BuildTriggerFailed
	default:
		return ""
	}
}

type buildTransition struct {
	from []BuildState
	to   BuildState
}

// Transitions are driven exclusively by dispatched signals. Re-delivering
// an event against a state it no longer matches yields ok=false and the
// caller treats it as a no-op.
var buildTransitions = map[BuildEvent]buildTransition{
	BuildEventTriggered:         {from: []BuildState{BuildTriggering}, to: BuildTriggered},
	BuildEventTriggerFailed:     {from: []BuildState{BuildTriggering}, to: BuildTriggerFailed},
	BuildEventWorkflowStarted:   {from: []BuildState{BuildTriggered}, to: BuildWorkflowStarted},
	BuildEventWorkflowSucceeded: {from: []BuildState{BuildTriggered, BuildWorkflowStarted}, to: BuildAboutToDeploy},
	BuildEventWorkflowFailed:    {from: []BuildState{BuildTriggered, BuildWorkflowStarted}, to: BuildCIFailed},
	BuildEventWorkflowCancelled: {from: []BuildState{BuildTriggering, BuildTriggered, BuildWorkflowStarted}, to: BuildCICancelled},
	BuildEventArtifactFound:     {from: []BuildState{BuildAboutToDeploy}, to: BuildFound},
	BuildEventArtifactMissing:   {from: []BuildState{BuildAboutToDeploy}, to: BuildUnavailable},
	BuildEventVersionAttached:   {from: []BuildState{BuildFound}, to: BuildReady},
}

// ApplyBuildEvent evaluates the build transition table. It returns the
// next state and whether the event applied from the current state.
func ApplyBuildEvent(current BuildState, event BuildEvent) (BuildState, bool) {
	transition, ok := buildTransitions[event]
	if !ok {
		return current, false
	}
	if current == transition.to {
		return current, false
	}
	for _, from := range transition.from {
		if current == from {
			return transition.to, true
		}
	}
	return current, false
}
