// Package releases coordinates the lifecycle of one release of a train:
// creation, kickoff on the first push, the post-release VCS work and the
// terminal finish or stop. One release per train is open at a time.
package releases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/railyard-labs/railyard-go/internal/backoff"
	"github.com/railyard-labs/railyard-go/internal/branching"
	"github.com/railyard-labs/railyard-go/internal/domain"
	"github.com/railyard-labs/railyard-go/internal/provider"
	"github.com/railyard-labs/railyard-go/internal/repo"
	"github.com/railyard-labs/railyard-go/internal/signal"
	"github.com/railyard-labs/railyard-go/internal/task"
	"github.com/railyard-labs/railyard-go/internal/version"
)

// Task names the service enqueues.
const (
	TaskSoakPeriod      = "release.soak_period"
	TaskStartSubmission = "submission.start"
	TaskCancelBuild     = "build.cancel_workflow"
)

// Stamp reasons recorded on the release timeline.
const (
	ReasonCreated           = "release_created"
	ReasonStarted           = "release_started"
	ReasonBuildsKickedOff   = "release_builds_kicked_off"
	ReasonBuildSuperseded   = "release_build_superseded"
	ReasonPostReleaseBegun  = "release_post_release_started"
	ReasonFinished          = "release_finished"
	ReasonStopped           = "release_stopped"
	ReasonSoakPeriodEnded   = "release_soak_period_ended"
	ReasonFinalizeCompleted = "release_branching_finalized"
)

// BuildStarter is the slice of the build service the release flow needs.
type BuildStarter interface {
	CreateBuild(ctx context.Context, runID, commitSHA, workflow string) (domain.Build, error)
}

type Service struct {
	train    domain.ReleaseTrain
	releases repo.ReleaseRepository
	runs     repo.PlatformRunRepository
	builds   repo.BuildRepository
	stamps   repo.StampAppender
	strategy branching.Strategy
	starter  BuildStarter
	tasks    task.Runner
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

func NewService(
	train domain.ReleaseTrain,
	releases repo.ReleaseRepository,
	runs repo.PlatformRunRepository,
	builds repo.BuildRepository,
	stamps repo.StampAppender,
	strategy branching.Strategy,
	starter BuildStarter,
	tasks task.Runner,
	log *slog.Logger,
) (*Service, error) {
	if err := train.Validate(); err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	if releases == nil || runs == nil || builds == nil || stamps == nil {
		return nil, errors.New("repositories are required")
	}
	if strategy == nil {
		return nil, errors.New("branching strategy is required")
	}
	if starter == nil {
		return nil, errors.New("build starter is required")
	}
	if tasks == nil {
		return nil, errors.New("task runner is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		train:    train,
		releases: releases,
		runs:     runs,
		builds:   builds,
		stamps:   stamps,
		strategy: strategy,
		starter:  starter,
		tasks:    tasks,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}, nil
}

// CreateInput describes a new release of the train.
type CreateInput struct {
	Version     string
	Hotfix      bool
	ScheduledAt time.Time
}

// Create opens a release and its platform runs. A train carries at most
// one non-terminal release; creating a second one is refused. Without
// an explicit version the next one is computed from the last finished
// release, falling back to the train's seed.
func (s *Service) Create(ctx context.Context, input CreateInput) (domain.Release, error) {
	ver := strings.TrimSpace(input.Version)
	if ver == "" {
		history, err := s.releases.ListReleases(ctx, repo.ReleaseFilter{
			TrainID: s.train.ID,
			Phase:   string(domain.ReleaseFinished),
			Limit:   1,
		})
		if err != nil {
			return domain.Release{}, err
		}
		previous := ""
		if len(history) > 0 {
			previous = history[0].Version
		}
		ver, err = version.Next(previous, s.train.VersionSeed, input.Hotfix)
		if err != nil {
			return domain.Release{}, provider.Config(provider.CodeParameterInvalid, err)
		}
	}

	if open, err := s.releases.FindOpenRelease(ctx, s.train.ID); err == nil {
		return domain.Release{}, provider.Config(provider.CodeReleaseAlreadyExists,
			fmt.Errorf("train %s already has open release %s", s.train.ID, open.ID))
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Release{}, err
	}

	now := s.now()
	scheduled := input.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	release := domain.Release{
		ID:          s.newID(),
		TrainID:     s.train.ID,
		Version:     ver,
		Phase:       domain.ReleaseCreated,
		Hotfix:      input.Hotfix,
		ScheduledAt: scheduled.UTC(),
		CreatedAt:   now,
	}
	if err := s.releases.CreateRelease(ctx, release); err != nil {
		return domain.Release{}, err
	}

	for _, platform := range s.train.Platforms {
		run := domain.PlatformRun{
			ID:        s.newID(),
			ReleaseID: release.ID,
			Platform:  platform.Platform,
			Phase:     domain.RunKickoff,
			Active:    true,
			CreatedAt: now,
		}
		if err := s.runs.CreateRun(ctx, run); err != nil {
			return domain.Release{}, err
		}
	}

	s.stamp(ctx, release.ID, domain.StampInfo, ReasonCreated, domain.Metadata{
		"version": ver,
		"hotfix":  input.Hotfix,
	})
	return release, nil
}

// HandlePush reacts to a push on the train's working branch. The first
// push kicks the release off: branch cut, created -> on_track, one
// build per platform run. Later pushes supersede in-flight builds with
// fresh ones for the new head commit.
func (s *Service) HandlePush(ctx context.Context, sig signal.Signal) error {
	payload, err := sig.Push()
	if err != nil {
		return provider.Config(provider.CodeParameterInvalid, err)
	}

	release, err := s.releases.FindOpenRelease(ctx, s.train.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.log.InfoContext(ctx, "push with no open release", slog.String("train_id", s.train.ID))
			return nil
		}
		return err
	}

	switch release.Phase {
	case domain.ReleaseCreated:
		return s.start(ctx, release, payload.HeadCommit.SHA)
	case domain.ReleaseOnTrack:
		return s.supersedeBuilds(ctx, release, payload.HeadCommit.SHA)
	default:
		s.log.InfoContext(ctx, "push ignored in phase",
			slog.String("release_id", release.ID),
			slog.String("phase", string(release.Phase)))
		return nil
	}
}

// start kicks the release off. The guard requires an active train with
// build steps; a violation is a configuration error, not a retry case.
func (s *Service) start(ctx context.Context, release domain.Release, commitSHA string) error {
	if !s.train.Active {
		return provider.Config(provider.CodeRunNotRunnable,
			fmt.Errorf("train %s is not active", s.train.ID))
	}
	if !s.train.HasBuildSteps() {
		return provider.Config(provider.CodeDispatchMissing,
			fmt.Errorf("train %s has no build steps", s.train.ID))
	}

	branch, err := s.strategy.Prepare(ctx, s.train, release)
	if err != nil {
		return fmt.Errorf("prepare branching: %w", err)
	}

	applied := false
	release, err = s.releases.UpdateRelease(ctx, release.ID, func(release *domain.Release) error {
		if !domain.CanTransitionReleasePhase(release.Phase, domain.ReleaseOnTrack) {
			return nil
		}
		release.Phase = domain.ReleaseOnTrack
		release.Branch = branch
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	s.stamp(ctx, release.ID, domain.StampSuccess, ReasonStarted, domain.Metadata{
		"branch":     branch,
		"commit_sha": commitSHA,
	})

	if err := s.kickOffBuilds(ctx, release, commitSHA); err != nil {
		return err
	}

	if s.train.SoakPeriod > 0 {
		return s.tasks.Enqueue(ctx, TaskSoakPeriod, task.Args{
			"release_id": release.ID,
		}, task.Options{
			Queue:      "releases",
			UniqueKey:  TaskSoakPeriod + ":" + release.ID,
			Delay:      s.train.SoakPeriod,
			MaxRetries: 3,
			Policy:     backoff.Linear(time.Minute, 3),
		})
	}
	return nil
}

func (s *Service) kickOffBuilds(ctx context.Context, release domain.Release, commitSHA string) error {
	runs, err := s.runs.ListRunsByRelease(ctx, release.ID)
	if err != nil {
		return err
	}
	started := 0
	for _, run := range runs {
		platform, ok := s.train.PlatformConfig(run.Platform)
		if !ok {
			continue
		}
		if _, err := s.starter.CreateBuild(ctx, run.ID, commitSHA, platform.Workflow); err != nil {
			return fmt.Errorf("create build for run %s: %w", run.ID, err)
		}
		started++
	}
	if started > 0 {
		s.stamp(ctx, release.ID, domain.StampInfo, ReasonBuildsKickedOff, domain.Metadata{
			"commit_sha": commitSHA,
			"builds":     started,
		})
	}
	return nil
}

// supersedeBuilds cancels in-flight builds and starts fresh ones for
// the new head commit.
func (s *Service) supersedeBuilds(ctx context.Context, release domain.Release, commitSHA string) error {
	runs, err := s.runs.ListRunsByRelease(ctx, release.ID)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.Phase != domain.RunKickoff {
			continue
		}
		builds, err := s.builds.ListBuildsByRun(ctx, run.ID)
		if err != nil {
			return err
		}
		superseded := false
		for _, build := range builds {
			if build.Terminal() || build.CommitSHA == commitSHA {
				continue
			}
			err := s.tasks.Enqueue(ctx, TaskCancelBuild, task.Args{
				"build_id": build.ID,
			}, task.Options{
				Queue:      "builds",
				UniqueKey:  TaskCancelBuild + ":" + build.ID,
				MaxRetries: 3,
				Policy:     backoff.Linear(30*time.Second, 3),
			})
			if err != nil {
				return fmt.Errorf("enqueue cancel for build %s: %w", build.ID, err)
			}
			superseded = true
		}
		platform, ok := s.train.PlatformConfig(run.Platform)
		if !ok {
			continue
		}
		if _, err := s.starter.CreateBuild(ctx, run.ID, commitSHA, platform.Workflow); err != nil {
			return fmt.Errorf("create build for run %s: %w", run.ID, err)
		}
		if superseded {
			s.stamp(ctx, release.ID, domain.StampInfo, ReasonBuildSuperseded, domain.Metadata{
				"commit_sha": commitSHA,
				"run_id":     run.ID,
			})
		}
	}
	return nil
}

// HandleSoakPeriodEnded lets stabilized runs proceed into store review
// by enqueuing a submission for each run with a ready build.
func (s *Service) HandleSoakPeriodEnded(ctx context.Context, releaseID string) error {
	release, err := s.releases.GetRelease(ctx, releaseID)
	if err != nil {
		return err
	}
	if release.Terminal() {
		return nil
	}
	runs, err := s.runs.ListRunsByRelease(ctx, release.ID)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.Phase != domain.RunStabilization {
			continue
		}
		builds, err := s.builds.ListBuildsByRun(ctx, run.ID)
		if err != nil {
			return err
		}
		var ready *domain.Build
		for i := range builds {
			if builds[i].State == domain.BuildReady {
				ready = &builds[i]
			}
		}
		if ready == nil {
			continue
		}
		err = s.tasks.Enqueue(ctx, TaskStartSubmission, task.Args{
			"run_id":   run.ID,
			"build_id": ready.ID,
		}, task.Options{
			Queue:      "submissions",
			UniqueKey:  TaskStartSubmission + ":" + run.ID + ":" + ready.ID,
			MaxRetries: 3,
			Policy:     backoff.Linear(time.Minute, 3),
		})
		if err != nil {
			return fmt.Errorf("enqueue submission for run %s: %w", run.ID, err)
		}
	}
	s.stamp(ctx, release.ID, domain.StampInfo, ReasonSoakPeriodEnded, nil)
	return nil
}

// StartPostReleasePhase begins the finalization work once every
// platform run finished. A premature call is silently dropped; the
// next completing run re-raises the event.
func (s *Service) StartPostReleasePhase(ctx context.Context, releaseID string) error {
	release, err := s.releases.GetRelease(ctx, releaseID)
	if err != nil {
		return err
	}
	ready, err := s.readyToBeFinalized(ctx, release)
	if err != nil {
		return err
	}
	if !ready {
		s.log.InfoContext(ctx, "post-release dropped, runs still active",
			slog.String("release_id", release.ID))
		return nil
	}

	applied := false
	release, err = s.releases.UpdateRelease(ctx, release.ID, func(release *domain.Release) error {
		if !domain.CanTransitionReleasePhase(release.Phase, domain.ReleasePostReleasePhase) {
			return nil
		}
		release.Phase = domain.ReleasePostReleasePhase
		release.Tag = s.train.TagName(release.Version)
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	s.stamp(ctx, release.ID, domain.StampInfo, ReasonPostReleaseBegun, nil)

	if err := s.strategy.Finalize(ctx, s.train, release); err != nil {
		return fmt.Errorf("finalize branching: %w", err)
	}
	s.stamp(ctx, release.ID, domain.StampSuccess, ReasonFinalizeCompleted, domain.Metadata{
		"tag": release.Tag,
	})
	return s.Finish(ctx, release.ID)
}

func (s *Service) readyToBeFinalized(ctx context.Context, release domain.Release) (bool, error) {
	if release.Phase != domain.ReleaseOnTrack {
		return release.Phase == domain.ReleasePostReleasePhase, nil
	}
	runs, err := s.runs.ListRunsByRelease(ctx, release.ID)
	if err != nil {
		return false, err
	}
	for _, run := range runs {
		if !run.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// Finish closes the release. Re-invoking on an already finished release
// is a no-op returning success.
func (s *Service) Finish(ctx context.Context, releaseID string) error {
	applied := false
	_, err := s.releases.UpdateRelease(ctx, releaseID, func(release *domain.Release) error {
		if release.Phase == domain.ReleaseFinished {
			return nil
		}
		if !domain.CanTransitionReleasePhase(release.Phase, domain.ReleaseFinished) {
			return provider.Config(provider.CodeRunNotRunnable,
				fmt.Errorf("release %s cannot finish from %s", release.ID, release.Phase))
		}
		release.Phase = domain.ReleaseFinished
		completed := s.now()
		release.CompletedAt = &completed
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		s.stamp(ctx, releaseID, domain.StampSuccess, ReasonFinished, nil)
	}
	return nil
}

// Stop abandons the release and its still-active runs.
func (s *Service) Stop(ctx context.Context, releaseID string) error {
	applied := false
	release, err := s.releases.UpdateRelease(ctx, releaseID, func(release *domain.Release) error {
		if release.Phase == domain.ReleaseStopped {
			return nil
		}
		if !domain.CanTransitionReleasePhase(release.Phase, domain.ReleaseStopped) {
			return provider.Config(provider.CodeRunNotRunnable,
				fmt.Errorf("release %s cannot stop from %s", release.ID, release.Phase))
		}
		release.Phase = domain.ReleaseStopped
		completed := s.now()
		release.CompletedAt = &completed
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	runs, err := s.runs.ListRunsByRelease(ctx, release.ID)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.Terminal() {
			continue
		}
		_, err := s.runs.UpdateRun(ctx, run.ID, func(run *domain.PlatformRun) error {
			if !domain.CanTransitionRunPhase(run.Phase, domain.RunStopped) {
				return nil
			}
			run.Phase = domain.RunStopped
			run.Active = false
			ended := s.now()
			run.EndedAt = &ended
			return nil
		})
		if err != nil {
			return err
		}
	}
	s.stamp(ctx, release.ID, domain.StampError, ReasonStopped, nil)
	return nil
}

// CompleteRun marks one platform run finished and raises the
// post-release event; the guard inside StartPostReleasePhase drops it
// until the last run completes.
func (s *Service) CompleteRun(ctx context.Context, runID string) error {
	run, err := s.runs.UpdateRun(ctx, runID, func(run *domain.PlatformRun) error {
		if !domain.CanTransitionRunPhase(run.Phase, domain.RunFinished) {
			return nil
		}
		run.Phase = domain.RunFinished
		run.Active = false
		ended := s.now()
		run.EndedAt = &ended
		return nil
	})
	if err != nil {
		return err
	}
	return s.StartPostReleasePhase(ctx, run.ReleaseID)
}

func (s *Service) stamp(ctx context.Context, releaseID string, kind domain.StampKind, reason string, payload domain.Metadata) {
	_, err := s.stamps.Append(ctx, domain.Stamp{
		OccurredAt: s.now(),
		Kind:       kind,
		Reason:     reason,
		OwnerType:  domain.OwnerRelease,
		OwnerID:    releaseID,
		Payload:    payload,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "stamp release event",
			slog.String("release_id", releaseID),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
	}
}
