package repo

import (
	"context"
	"errors"

	"github.com/railyard-labs/railyard-go/internal/domain"
)

// ErrNotFound is returned when an aggregate does not exist.
var ErrNotFound = errors.New("not found")

type ReleaseFilter struct {
	TrainID string
	Phase   string
	Limit   int
}

type StampFilter struct {
	OwnerType string
	OwnerID   string
	Limit     int
}

// ReleaseRepository manages releases. Update runs its mutation under an
// exclusive row lock so concurrent signals serialize read-decide-write.
type ReleaseRepository interface {
	CreateRelease(ctx context.Context, release domain.Release) error
	GetRelease(ctx context.Context, id string) (domain.Release, error)
	FindOpenRelease(ctx context.Context, trainID string) (domain.Release, error)
	ListReleases(ctx context.Context, filter ReleaseFilter) ([]domain.Release, error)
	UpdateRelease(ctx context.Context, id string, mutate func(*domain.Release) error) (domain.Release, error)
}

// PlatformRunRepository manages the per-platform sub-state of releases.
type PlatformRunRepository interface {
	CreateRun(ctx context.Context, run domain.PlatformRun) error
	GetRun(ctx context.Context, id string) (domain.PlatformRun, error)
	ListRunsByRelease(ctx context.Context, releaseID string) ([]domain.PlatformRun, error)
	UpdateRun(ctx context.Context, id string, mutate func(*domain.PlatformRun) error) (domain.PlatformRun, error)
}

// BuildRepository manages CI builds and their workflow correlation.
type BuildRepository interface {
	CreateBuild(ctx context.Context, build domain.Build) error
	GetBuild(ctx context.Context, id string) (domain.Build, error)
	FindBuildByWorkflow(ctx context.Context, workflowID string) (domain.Build, error)
	ListBuildsByRun(ctx context.Context, runID string) ([]domain.Build, error)
	UpdateBuild(ctx context.Context, id string, mutate func(*domain.Build) error) (domain.Build, error)
}

// SubmissionRepository manages store-review attempts.
type SubmissionRepository interface {
	CreateSubmission(ctx context.Context, submission domain.Submission) error
	GetSubmission(ctx context.Context, id string) (domain.Submission, error)
	FindActiveSubmission(ctx context.Context, runID string) (domain.Submission, error)
	ListSubmissionsByRun(ctx context.Context, runID string) ([]domain.Submission, error)
	UpdateSubmission(ctx context.Context, id string, mutate func(*domain.Submission) error) (domain.Submission, error)
}

// RolloutRepository manages staged production rollouts.
type RolloutRepository interface {
	CreateRollout(ctx context.Context, rollout domain.Rollout) error
	GetRollout(ctx context.Context, id string) (domain.Rollout, error)
	FindActiveRollout(ctx context.Context, runID string) (domain.Rollout, error)
	UpdateRollout(ctx context.Context, id string, mutate func(*domain.Rollout) error) (domain.Rollout, error)
}

// StampAppender ensures append-only audit writes. AppendSignal
// deduplicates on (owner, signal hash) and reports whether the stamp was
// inserted; a duplicate means the signal was already applied.
type StampAppender interface {
	Append(ctx context.Context, stamp domain.Stamp) (int64, error)
	AppendSignal(ctx context.Context, stamp domain.Stamp) (int64, bool, error)
}

// StampRepository adds timeline reads on top of append-only writes.
type StampRepository interface {
	StampAppender
	ListStamps(ctx context.Context, filter StampFilter) ([]domain.Stamp, error)
}
