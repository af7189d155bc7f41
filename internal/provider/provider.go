// Package provider defines the abstract capability contracts the core
// depends on: CI systems, app stores and version control. Concrete wire
// adapters live outside the core and must classify every error before
// returning it (see errors.go).
package provider

import (
	"context"
	"io"
	"strings"

	"github.com/railyard-labs/railyard-go/internal/domain"
)

// RunHandle correlates a triggered CI workflow run.
type RunHandle struct {
	ID       string
	Workflow string
	Ref      string
	Link     string
}

// RunStatus is the observed status of a CI workflow run.
type RunStatus struct {
	Handle       RunHandle
	Status       string
	Conclusion   string
	ArtifactsURL string
}

// CI workflow run statuses and conclusions.
const (
	RunStatusQueued     = "queued"
	RunStatusInProgress = "in_progress"
	RunStatusCompleted  = "completed"

	RunConclusionSuccess   = "success"
	RunConclusionFailure   = "failure"
	RunConclusionCancelled = "cancelled"
)

// Finished reports whether the run reached a terminal CI status.
func (s RunStatus) Finished() bool {
	return s.Status == RunStatusCompleted
}

// Succeeded reports whether the run finished successfully.
func (s RunStatus) Succeeded() bool {
	return s.Finished() && s.Conclusion == RunConclusionSuccess
}

// Cancelled reports whether the run finished cancelled.
func (s RunStatus) Cancelled() bool {
	return s.Finished() && s.Conclusion == RunConclusionCancelled
}

// CiProvider triggers and observes CI workflow runs.
type CiProvider interface {
	Trigger(ctx context.Context, workflow, ref string, inputs map[string]string) (RunHandle, error)
	Find(ctx context.Context, handle RunHandle) (RunStatus, error)
	Cancel(ctx context.Context, handle RunHandle) error
	FetchArtifact(ctx context.Context, handle RunHandle) (io.ReadCloser, error)
}

// ReleaseInfo is the store's authoritative view of a release. The core
// consumes it only through its predicates.
type ReleaseInfo struct {
	BuildNumber    string
	Version        string
	ReviewState    string
	PhasedStage    float64
	PhasedComplete bool
	CurrentlyLive  bool
	HaltedByStore  bool
	PausedByStore  bool
}

// Store review states.
const (
	ReviewWaiting  = "waiting_for_review"
	ReviewInReview = "in_review"
	ReviewRejected = "rejected"
	ReviewApproved = "approved"
)

// Live reports whether the given build number is the one live in store.
func (r ReleaseInfo) Live(buildNumber string) bool {
	return r.CurrentlyLive && strings.TrimSpace(r.BuildNumber) == strings.TrimSpace(buildNumber)
}

// PhasedReleaseStage returns the store-reported rollout percentage.
func (r ReleaseInfo) PhasedReleaseStage() float64 {
	return r.PhasedStage
}

// PhasedReleaseComplete reports whether the store finished the phased
// rollout on its own.
func (r ReleaseInfo) PhasedReleaseComplete() bool {
	return r.PhasedComplete
}

// ReviewFailed reports whether the store rejected the submission.
func (r ReleaseInfo) ReviewFailed() bool {
	return r.ReviewState == ReviewRejected
}

// WaitingForReview reports whether the submission is queued for review.
func (r ReleaseInfo) WaitingForReview() bool {
	return r.ReviewState == ReviewWaiting || r.ReviewState == ReviewInReview
}

// Success reports whether the store accepted the release.
func (r ReleaseInfo) Success() bool {
	return r.ReviewState == ReviewApproved
}

// Halted reports whether the store shows the rollout halted.
func (r ReleaseInfo) Halted() bool {
	return r.HaltedByStore
}

// Paused reports whether the store shows the rollout paused.
func (r ReleaseInfo) Paused() bool {
	return r.PausedByStore
}

// StoreProvider manages releases on one distribution channel.
type StoreProvider interface {
	Kind() domain.StoreKind
	FindBuild(ctx context.Context, buildNumber string) error
	PrepareRelease(ctx context.Context, buildNumber, version string, phased bool, metadata domain.Metadata, force bool) (ReleaseInfo, error)
	SubmitRelease(ctx context.Context, buildNumber, version string) error
	StartRelease(ctx context.Context, buildNumber string) error
	SetRolloutStage(ctx context.Context, buildNumber string, percentage float64) (ReleaseInfo, error)
	FindRelease(ctx context.Context, buildNumber string) (ReleaseInfo, error)
	FindLiveRelease(ctx context.Context) (ReleaseInfo, error)
	PausePhasedRelease(ctx context.Context) (ReleaseInfo, error)
	ResumePhasedRelease(ctx context.Context) (ReleaseInfo, error)
	HaltPhasedRelease(ctx context.Context) (ReleaseInfo, error)
	CompletePhasedRelease(ctx context.Context) (ReleaseInfo, error)
}

// PullRequest identifies an open or merged pull request.
type PullRequest struct {
	Number int
	Title  string
	Source string
	Target string
}

// VcsProvider performs the version-control operations branching
// strategies need.
type VcsProvider interface {
	CreateBranch(ctx context.Context, name, fromRef string) error
	BranchExists(ctx context.Context, name string) (bool, error)
	CreateTag(ctx context.Context, name, ref string) error
	CreatePullRequest(ctx context.Context, source, target, title string) (PullRequest, error)
	MergePullRequest(ctx context.Context, number int) error
	LatestReleaseTag(ctx context.Context) (string, error)
}
