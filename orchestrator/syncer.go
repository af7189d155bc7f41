package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/railyard-labs/railyard-go/internal/domain"
	"github.com/railyard-labs/railyard-go/internal/repo"
	"github.com/railyard-labs/railyard-go/internal/rollout"
	"github.com/railyard-labs/railyard-go/internal/service/submissions"
	"github.com/railyard-labs/railyard-go/internal/task"
)

type storeSyncerConfig struct {
	Enabled  bool
	Interval time.Duration
}

// storeSyncer periodically walks every open release and enqueues
// reconciliation work: review polls for submissions waiting on the
// store, status syncs for rollouts the store may have moved. Unique
// keys keep a slow poll from stacking up behind the next tick.
type storeSyncer struct {
	logger   *slog.Logger
	set      *bundleSet
	tasks    task.Runner
	interval time.Duration
}

func startStoreSyncer(ctx context.Context, logger *slog.Logger, set *bundleSet, tasks task.Runner, cfg storeSyncerConfig) {
	if set == nil || tasks == nil || !cfg.Enabled {
		return
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s := &storeSyncer{
		logger:   logger,
		set:      set,
		tasks:    tasks,
		interval: interval,
	}
	go s.run(ctx)
}

func (s *storeSyncer) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *storeSyncer) syncOnce(ctx context.Context) {
	for trainID := range s.set.bundles {
		release, err := s.set.releases.FindOpenRelease(ctx, trainID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			s.log("open release lookup failed", "train_id", trainID, "error", err)
			continue
		}
		s.syncRelease(ctx, release)
	}
}

func (s *storeSyncer) syncRelease(ctx context.Context, release domain.Release) {
	runs, err := s.set.runs.ListRunsByRelease(ctx, release.ID)
	if err != nil {
		s.log("run listing failed", "release_id", release.ID, "error", err)
		return
	}
	for _, run := range runs {
		if run.Terminal() {
			continue
		}
		s.syncSubmission(ctx, run.ID)
		s.syncRollout(ctx, run.ID)
	}
}

func (s *storeSyncer) syncSubmission(ctx context.Context, runID string) {
	submission, err := s.set.submissions.FindActiveSubmission(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return
	}
	if err != nil {
		s.log("active submission lookup failed", "run_id", runID, "error", err)
		return
	}
	if submission.State != domain.SubmissionSubmittedForReview {
		return
	}
	err = s.tasks.Enqueue(ctx, submissions.TaskSyncReview, task.Args{
		"submission_id": submission.ID,
	}, task.Options{UniqueKey: "sync-review-" + submission.ID})
	if err != nil {
		s.log("review sync enqueue failed", "submission_id", submission.ID, "error", err)
	}
}

func (s *storeSyncer) syncRollout(ctx context.Context, runID string) {
	roll, err := s.set.rollouts.FindActiveRollout(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return
	}
	if err != nil {
		s.log("active rollout lookup failed", "run_id", runID, "error", err)
		return
	}
	if !roll.Active() {
		return
	}
	err = s.tasks.Enqueue(ctx, rollout.TaskSync, task.Args{
		"rollout_id": roll.ID,
	}, task.Options{UniqueKey: "sync-rollout-" + roll.ID})
	if err != nil {
		s.log("rollout sync enqueue failed", "rollout_id", roll.ID, "error", err)
	}
}

func (s *storeSyncer) log(msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		if key, ok := attrs[i].(string); !ok || key != "error" {
			continue
		}
		if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
			return
		}
	}
	fields := []any{"component", "store_syncer"}
	fields = append(fields, attrs...)
	s.logger.Warn(msg, fields...)
}
