package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/railyard-labs/railyard-go/internal/domain"
	"github.com/railyard-labs/railyard-go/internal/repo"
	"github.com/railyard-labs/railyard-go/internal/rollout"
	"github.com/railyard-labs/railyard-go/internal/service/builds"
	"github.com/railyard-labs/railyard-go/internal/service/releases"
	"github.com/railyard-labs/railyard-go/internal/service/submissions"
	"github.com/railyard-labs/railyard-go/internal/signal"
	"github.com/railyard-labs/railyard-go/internal/task"
)

// trainBundle holds the per-train service graph. Repositories and the
// task runner are shared; providers and services are train-scoped.
type trainBundle struct {
	train       domain.ReleaseTrain
	releases    *releases.Service
	builds      *builds.Service
	submissions *submissions.Service
	engine      *rollout.Engine
}

// bundleSet routes work to the owning train. Task args and signals carry
// entity ids, so routing walks build -> run -> release -> train through
// the shared repositories.
type bundleSet struct {
	bundles map[string]*trainBundle

	releases    repo.ReleaseRepository
	runs        repo.PlatformRunRepository
	builds      repo.BuildRepository
	submissions repo.SubmissionRepository
	rollouts    repo.RolloutRepository
}

func newBundleSet(
	releasesRepo repo.ReleaseRepository,
	runs repo.PlatformRunRepository,
	buildsRepo repo.BuildRepository,
	submissionsRepo repo.SubmissionRepository,
	rollouts repo.RolloutRepository,
) *bundleSet {
	return &bundleSet{
		bundles:     map[string]*trainBundle{},
		releases:    releasesRepo,
		runs:        runs,
		builds:      buildsRepo,
		submissions: submissionsRepo,
		rollouts:    rollouts,
	}
}

func (s *bundleSet) add(bundle *trainBundle) error {
	id := strings.TrimSpace(bundle.train.ID)
	if id == "" {
		return errors.New("train id is required")
	}
	if _, ok := s.bundles[id]; ok {
		return fmt.Errorf("duplicate train %q", id)
	}
	s.bundles[id] = bundle
	return nil
}

func (s *bundleSet) byTrain(trainID string) (*trainBundle, error) {
	bundle, ok := s.bundles[strings.TrimSpace(trainID)]
	if !ok {
		return nil, fmt.Errorf("train %q: %w", trainID, repo.ErrNotFound)
	}
	return bundle, nil
}

func (s *bundleSet) byRelease(ctx context.Context, releaseID string) (*trainBundle, error) {
	release, err := s.releases.GetRelease(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	return s.byTrain(release.TrainID)
}

func (s *bundleSet) byRun(ctx context.Context, runID string) (*trainBundle, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.byRelease(ctx, run.ReleaseID)
}

func (s *bundleSet) byBuild(ctx context.Context, buildID string) (*trainBundle, error) {
	build, err := s.builds.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	return s.byRun(ctx, build.RunID)
}

func (s *bundleSet) bySubmission(ctx context.Context, submissionID string) (*trainBundle, error) {
	submission, err := s.submissions.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	return s.byRun(ctx, submission.RunID)
}

func (s *bundleSet) byRollout(ctx context.Context, rolloutID string) (*trainBundle, error) {
	roll, err := s.rollouts.GetRollout(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	return s.byRun(ctx, roll.RunID)
}

// registerTasks binds every task name to the owning train's service.
func registerTasks(runner *task.InMemRunner, set *bundleSet) {
	runner.Register(builds.TaskTrigger, func(ctx context.Context, args task.Args, attempt int, lastErr error) error {
		bundle, err := set.byBuild(ctx, args["build_id"])
		if err != nil {
			return err
		}
		return bundle.builds.Trigger(ctx, args["build_id"], args["workflow"], nil)
	})
	runner.OnRetriesExhausted(builds.TaskTrigger, func(ctx context.Context, args task.Args, lastErr error) {
		bundle, err := set.byBuild(ctx, args["build_id"])
		if err != nil {
			return
		}
		bundle.builds.OnTriggerExhausted(ctx, args, lastErr)
	})

	runner.Register(builds.TaskCollectArtifact, func(ctx context.Context, args task.Args, attempt int, lastErr error) error {
		bundle, err := set.byBuild(ctx, args["build_id"])
		if err != nil {
			return err
		}
		return bundle.builds.CollectArtifact(ctx, args["build_id"])
	})
	runner.OnRetriesExhausted(builds.TaskCollectArtifact, func(ctx context.Context, args task.Args, lastErr error) {
		bundle, err := set.byBuild(ctx, args["build_id"])
		if err != nil {
			return
		}
		bundle.builds.OnArtifactExhausted(ctx, args, lastErr)
	})

	runner.Register(builds.TaskCancelWorkflow, func(ctx context.Context, args task.Args, attempt int, lastErr error) error {
		bundle, err := set.byBuild(ctx, args["build_id"])
		if err != nil {
			return err
		}
		return bundle.builds.Cancel(ctx, args["build_id"])
	})

	runner.Register(submissions.TaskPrepare, func(ctx context.Context, args task.Args, attempt int, lastErr error) error {
		bundle, err := set.bySubmission(ctx, args["submission_id"])
		if err != nil {
			return err
		}
		return bundle.submissions.Prepare(ctx, args["submission_id"])
	})
	runner.OnRetriesExhausted(submissions.TaskPrepare, func(ctx context.Context, args task.Args, lastErr error) {
		bundle, err := set.bySubmission(ctx, args["submission_id"])
		if err != nil {
			return
		}
		bundle.submissions.OnPrepareExhausted(ctx, args, lastErr)
	})

	runner.Register(submissions.TaskSyncReview, func(ctx context.Context, args task.Args, attempt int, lastErr error) error {
		bundle, err := set.bySubmission(ctx, args["submission_id"])
		if err != nil {
			return err
		}
		return bundle.submissions.SyncReviewStatus(ctx, args["submission_id"])
	})

	runner.Register(releases.TaskStartSubmission, func(ctx context.Context, args task.Args, attempt int, lastErr error) error {
		bundle, err := set.byRun(ctx, args["run_id"])
		if err != nil {
			return err
		}
		_, err = bundle.submissions.Start(ctx, args["run_id"], args["build_id"])
		return err
	})

	runner.Register(releases.TaskSoakPeriod, func(ctx context.Context, args task.Args, attempt int, lastErr error) error {
		bundle, err := set.byRelease(ctx, args["release_id"])
		if err != nil {
			return err
		}
		return bundle.releases.HandleSoakPeriodEnded(ctx, args["release_id"])
	})

	runner.Register(rollout.TaskStart, func(ctx context.Context, args task.Args, attempt int, lastErr error) error {
		bundle, err := set.byRollout(ctx, args["rollout_id"])
		if err != nil {
			return err
		}
		_, err = bundle.engine.Start(ctx, args["rollout_id"])
		return err
	})

	runner.Register(rollout.TaskSync, func(ctx context.Context, args task.Args, attempt int, lastErr error) error {
		bundle, err := set.byRollout(ctx, args["rollout_id"])
		if err != nil {
			return err
		}
		_, err = bundle.engine.SyncStoreStatus(ctx, args["rollout_id"])
		return err
	})
}

// registerSignals binds signal kinds to the owning train's handlers.
// Review outcomes only inform the log; the submission service already
// recorded the state change before dispatching them.
func registerSignals(dispatcher *signal.Dispatcher, set *bundleSet, logger *slog.Logger) error {
	if err := dispatcher.Register(signal.KindPush, func(ctx context.Context, sig signal.Signal) error {
		bundle, err := set.byTrain(sig.TrainID)
		if err != nil {
			return err
		}
		return bundle.releases.HandlePush(ctx, sig)
	}); err != nil {
		return err
	}

	if err := dispatcher.Register(signal.KindWorkflowRun, func(ctx context.Context, sig signal.Signal) error {
		bundle, err := set.byTrain(sig.TrainID)
		if err != nil {
			return err
		}
		return bundle.builds.HandleWorkflowRun(ctx, sig)
	}); err != nil {
		return err
	}

	if err := dispatcher.Register(signal.KindPullRequest, func(ctx context.Context, sig signal.Signal) error {
		if _, err := set.byTrain(sig.TrainID); err != nil {
			return err
		}
		logger.Info("pull request event acknowledged", "train_id", sig.TrainID)
		return nil
	}); err != nil {
		return err
	}

	if err := dispatcher.Register(signal.KindBuildFound, func(ctx context.Context, sig signal.Signal) error {
		bundle, err := set.byTrain(sig.TrainID)
		if err != nil {
			return err
		}
		return bundle.builds.HandleBuildFound(ctx, sig)
	}); err != nil {
		return err
	}

	if err := dispatcher.Register(signal.KindBuildUnavailable, func(ctx context.Context, sig signal.Signal) error {
		logger.Warn("build unavailable", "train_id", sig.TrainID)
		return nil
	}); err != nil {
		return err
	}

	if err := dispatcher.Register(signal.KindSoakPeriodEnded, func(ctx context.Context, sig signal.Signal) error {
		payload, err := sig.SoakPeriodEnded()
		if err != nil {
			return err
		}
		bundle, err := set.byRelease(ctx, payload.ReleaseID)
		if err != nil {
			return err
		}
		return bundle.releases.HandleSoakPeriodEnded(ctx, payload.ReleaseID)
	}); err != nil {
		return err
	}

	// The payload names the rollout; the rollout row is authoritative
	// for its state by delivery time. A finished rollout completes the
	// owning platform run, which raises the release's post-release work
	// once the last run is done.
	if err := dispatcher.Register(signal.KindRolloutStageChanged, func(ctx context.Context, sig signal.Signal) error {
		payload, err := sig.RolloutStageChanged()
		if err != nil {
			return err
		}
		bundle, err := set.byTrain(sig.TrainID)
		if err != nil {
			return err
		}
		roll, err := set.rollouts.GetRollout(ctx, payload.RolloutID)
		if err != nil {
			return err
		}
		switch roll.State {
		case domain.RolloutCompleted, domain.RolloutFullyReleased:
			return bundle.releases.CompleteRun(ctx, roll.RunID)
		default:
			logger.Info("rollout stage changed",
				"rollout_id", roll.ID, "state", string(roll.State))
			return nil
		}
	}); err != nil {
		return err
	}

	for _, kind := range []signal.Kind{signal.KindSubmissionApproved, signal.KindSubmissionRejected} {
		if err := dispatcher.Register(kind, func(ctx context.Context, sig signal.Signal) error {
			logger.Info("review outcome", "kind", string(kind), "train_id", sig.TrainID)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}
