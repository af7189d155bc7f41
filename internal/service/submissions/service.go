// Package submissions runs the store-review lifecycle of a build: one
// submission at a time per platform run, from preparation through
// review to the handoff into a staged rollout.
package submissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/railyard-labs/railyard-go/internal/backoff"
	"github.com/railyard-labs/railyard-go/internal/domain"
	"github.com/railyard-labs/railyard-go/internal/provider"
	"github.com/railyard-labs/railyard-go/internal/repo"
	"github.com/railyard-labs/railyard-go/internal/rollout"
	"github.com/railyard-labs/railyard-go/internal/signal"
	"github.com/railyard-labs/railyard-go/internal/task"
)

// Task names the service enqueues.
const (
	TaskPrepare    = "submission.prepare"
	TaskSyncReview = "submission.sync_review"
)

// Stamp reasons recorded on the submission timeline.
const (
	ReasonCreated        = "submission_created"
	ReasonPrepared       = "submission_prepared"
	ReasonSubmitted      = "submission_submitted_for_review"
	ReasonApproved       = "submission_approved"
	ReasonFinished       = "submission_finished"
	ReasonReviewFailed   = "submission_review_failed"
	ReasonResubmitted    = "submission_resubmitted"
	ReasonCancelled      = "submission_cancelled"
	ReasonFailed         = "submission_failed"
	ReasonActionRequired = "submission_action_required"
)

// Dispatcher delivers internal compensating signals back into the core.
type Dispatcher interface {
	Dispatch(ctx context.Context, sig signal.Signal) error
}

type Service struct {
	train       domain.ReleaseTrain
	submissions repo.SubmissionRepository
	runs        repo.PlatformRunRepository
	builds      repo.BuildRepository
	rollouts    repo.RolloutRepository
	stamps      repo.StampAppender
	providers   provider.Set
	tasks       task.Runner
	dispatcher  Dispatcher
	log         *slog.Logger
	now         func() time.Time
	newID       func() string
}

func NewService(
	train domain.ReleaseTrain,
	submissions repo.SubmissionRepository,
	runs repo.PlatformRunRepository,
	builds repo.BuildRepository,
	rollouts repo.RolloutRepository,
	stamps repo.StampAppender,
	providers provider.Set,
	tasks task.Runner,
	dispatcher Dispatcher,
	log *slog.Logger,
) (*Service, error) {
	if err := train.Validate(); err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	if submissions == nil || runs == nil || builds == nil || rollouts == nil || stamps == nil {
		return nil, errors.New("repositories are required")
	}
	if tasks == nil {
		return nil, errors.New("task runner is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		train:       train,
		submissions: submissions,
		runs:        runs,
		builds:      builds,
		rollouts:    rollouts,
		stamps:      stamps,
		providers:   providers,
		tasks:       tasks,
		dispatcher:  dispatcher,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}, nil
}

// Start opens a submission for a ready build. At most one submission is
// active per platform run; starting while one is in flight is refused.
func (s *Service) Start(ctx context.Context, runID, buildID string) (domain.Submission, error) {
	runID = strings.TrimSpace(runID)
	buildID = strings.TrimSpace(buildID)
	if runID == "" || buildID == "" {
		return domain.Submission{}, errors.New("run id and build id are required")
	}

	build, err := s.builds.GetBuild(ctx, buildID)
	if err != nil {
		return domain.Submission{}, err
	}
	if build.State != domain.BuildReady {
		return domain.Submission{}, provider.Config(provider.CodeBuildMismatch,
			fmt.Errorf("build %s is %s, not ready", build.ID, build.State))
	}

	if _, err := s.submissions.FindActiveSubmission(ctx, runID); err == nil {
		return domain.Submission{}, provider.Config(provider.CodeReviewInProgress,
			fmt.Errorf("run %s already has a submission in flight", runID))
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Submission{}, err
	}

	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return domain.Submission{}, err
	}
	platform, ok := s.train.PlatformConfig(run.Platform)
	if !ok {
		return domain.Submission{}, provider.Config(provider.CodeDispatchMissing,
			fmt.Errorf("train %s has no config for platform %s", s.train.ID, run.Platform))
	}

	previous, err := s.submissions.ListSubmissionsByRun(ctx, runID)
	if err != nil {
		return domain.Submission{}, err
	}

	submission := domain.Submission{
		ID:        s.newID(),
		RunID:     runID,
		BuildID:   buildID,
		Store:     platform.Store,
		State:     domain.SubmissionCreated,
		Sequence:  len(previous) + 1,
		CreatedAt: s.now(),
	}
	if err := s.submissions.CreateSubmission(ctx, submission); err != nil {
		return domain.Submission{}, err
	}
	s.stamp(ctx, submission.ID, domain.StampInfo, ReasonCreated, domain.Metadata{
		"build_id": buildID,
		"sequence": submission.Sequence,
	})

	_, err = s.runs.UpdateRun(ctx, runID, func(run *domain.PlatformRun) error {
		if !domain.CanTransitionRunPhase(run.Phase, domain.RunReview) {
			return nil
		}
		run.Phase = domain.RunReview
		return nil
	})
	if err != nil {
		return domain.Submission{}, err
	}

	err = s.tasks.Enqueue(ctx, TaskPrepare, task.Args{
		"submission_id": submission.ID,
	}, task.Options{
		Queue:      "submissions",
		UniqueKey:  TaskPrepare + ":" + submission.ID,
		MaxRetries: 5,
		Policy:     backoff.Exponential(30*time.Second, 10*time.Minute, 5),
	})
	if err != nil {
		return domain.Submission{}, fmt.Errorf("enqueue prepare: %w", err)
	}
	return submission, nil
}

// Prepare creates the store release for the submission's build. For a
// reviewless store it finishes the submission directly and opens the
// rollout; review stores continue into submitted_for_review.
func (s *Service) Prepare(ctx context.Context, submissionID string) error {
	submission, err := s.submissions.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if submission.State != domain.SubmissionCreated && submission.State != domain.SubmissionPreparing {
		return nil
	}
	build, err := s.builds.GetBuild(ctx, submission.BuildID)
	if err != nil {
		return err
	}
	store, err := s.providers.StoreFor(submission.Store)
	if err != nil {
		return err
	}

	if submission.State == domain.SubmissionCreated {
		if _, err := s.apply(ctx, submission.ID, domain.SubmissionEventStartPrepare, "", nil); err != nil {
			return err
		}
	}

	phased := len(s.stagesFor(submission)) > 0
	_, err = store.PrepareRelease(ctx, build.VersionCode, build.VersionName, phased, domain.Metadata{
		"commit_sha": build.CommitSHA,
	}, false)
	if err != nil && !provider.IsCode(err, provider.CodeReleaseAlreadyExists) {
		if provider.Classify(err) == backoff.ClassTerminal {
			s.failTerminal(ctx, submission.ID, domain.SubmissionEventFail, err)
		}
		return err
	}
	if _, err := s.apply(ctx, submission.ID, domain.SubmissionEventPrepared, ReasonPrepared, nil); err != nil {
		return err
	}

	if submission.Store.RequiresReview() {
		if err := store.SubmitRelease(ctx, build.VersionCode, build.VersionName); err != nil {
			if provider.Classify(err) == backoff.ClassTerminal {
				s.failTerminal(ctx, submission.ID, domain.SubmissionEventFail, err)
			}
			return err
		}
		if _, err := s.apply(ctx, submission.ID, domain.SubmissionEventSubmit, ReasonSubmitted, nil); err != nil {
			return err
		}
		return s.tasks.Enqueue(ctx, TaskSyncReview, task.Args{
			"submission_id": submission.ID,
		}, task.Options{
			Queue:      "submissions",
			UniqueKey:  TaskSyncReview + ":" + submission.ID,
			Delay:      5 * time.Minute,
			MaxRetries: 50,
			Policy:     backoff.Enduring(5*time.Minute, 50),
		})
	}

	return s.finish(ctx, submission.ID)
}

// SyncReviewStatus polls the store's review verdict for a submission in
// or after review. Detected resubmission (waiting again while locally
// review_failed) moves back to submitted_for_review.
func (s *Service) SyncReviewStatus(ctx context.Context, submissionID string) error {
	submission, err := s.submissions.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if submission.Terminal() {
		return nil
	}
	build, err := s.builds.GetBuild(ctx, submission.BuildID)
	if err != nil {
		return err
	}
	store, err := s.providers.StoreFor(submission.Store)
	if err != nil {
		return err
	}
	info, err := store.FindRelease(ctx, build.VersionCode)
	if err != nil {
		return err
	}

	switch {
	case info.ReviewFailed() && submission.State == domain.SubmissionSubmittedForReview:
		applied, err := s.apply(ctx, submission.ID, domain.SubmissionEventReject, ReasonReviewFailed, nil)
		if err != nil {
			return err
		}
		if applied {
			s.compensate(ctx, submission)
		}
		return nil

	case info.WaitingForReview() && submission.State == domain.SubmissionReviewFailed:
		_, err := s.apply(ctx, submission.ID, domain.SubmissionEventResubmit, ReasonResubmitted, nil)
		return err

	case info.Success() && submission.State == domain.SubmissionSubmittedForReview:
		if _, err := s.apply(ctx, submission.ID, domain.SubmissionEventApprove, ReasonApproved, nil); err != nil {
			return err
		}
		s.signalRun(ctx, submission, signal.KindSubmissionApproved)
		return s.finish(ctx, submission.ID)

	default:
		return nil
	}
}

// Cancel withdraws the submission. The compensating signal lets the
// platform run decide whether to submit again.
func (s *Service) Cancel(ctx context.Context, submissionID string) error {
	applied, err := s.apply(ctx, submissionID, domain.SubmissionEventCancel, ReasonCancelled, nil)
	if err != nil {
		return err
	}
	if applied {
		submission, err := s.submissions.GetSubmission(ctx, submissionID)
		if err != nil {
			return err
		}
		s.compensate(ctx, submission)
	}
	return nil
}

// OnPrepareExhausted marks the submission permanently failed after the
// prepare task gave up.
func (s *Service) OnPrepareExhausted(ctx context.Context, args task.Args, lastErr error) {
	s.failTerminal(ctx, args["submission_id"], domain.SubmissionEventFail, lastErr)
}

// finish completes the submission and opens the staged rollout.
func (s *Service) finish(ctx context.Context, submissionID string) error {
	applied, err := s.apply(ctx, submissionID, domain.SubmissionEventFinish, ReasonFinished, nil)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	submission, err := s.submissions.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	return s.openRollout(ctx, submission)
}

// openRollout creates the rollout for a finished submission, moves the
// platform run into its rollout phase and enqueues the start task that
// pushes the first stage to the store. Re-invocation is a no-op when an
// active rollout already exists.
func (s *Service) openRollout(ctx context.Context, submission domain.Submission) error {
	if _, err := s.rollouts.FindActiveRollout(ctx, submission.RunID); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	stages := s.stagesFor(submission)
	if len(stages) == 0 {
		stages = []float64{100}
	}
	roll := domain.Rollout{
		ID:                s.newID(),
		RunID:             submission.RunID,
		SubmissionID:      submission.ID,
		State:             domain.RolloutCreated,
		Stages:            stages,
		CurrentStageIndex: -1,
		CreatedAt:         s.now(),
	}
	if err := s.rollouts.CreateRollout(ctx, roll); err != nil {
		return err
	}

	_, err := s.runs.UpdateRun(ctx, submission.RunID, func(run *domain.PlatformRun) error {
		if !domain.CanTransitionRunPhase(run.Phase, domain.RunRollout) {
			return nil
		}
		run.Phase = domain.RunRollout
		return nil
	})
	if err != nil {
		return err
	}

	err = s.tasks.Enqueue(ctx, rollout.TaskStart, task.Args{
		"rollout_id": roll.ID,
	}, task.Options{
		Queue:      "rollouts",
		UniqueKey:  rollout.TaskStart + ":" + roll.ID,
		MaxRetries: 5,
		Policy:     backoff.Exponential(30*time.Second, 10*time.Minute, 5),
	})
	if err != nil {
		return fmt.Errorf("enqueue rollout start: %w", err)
	}
	return nil
}

func (s *Service) stagesFor(submission domain.Submission) []float64 {
	for _, platform := range s.train.Platforms {
		if platform.Store == submission.Store {
			return platform.RolloutStages
		}
	}
	return nil
}

// apply runs one submission event through the transition table under
// the row lock. It reports whether the event changed state; a guard
// mismatch is a no-op, not an error.
func (s *Service) apply(ctx context.Context, submissionID string, event domain.SubmissionEvent, reason string, payload domain.Metadata) (bool, error) {
	applied := false
	submission, err := s.submissions.UpdateSubmission(ctx, submissionID, func(submission *domain.Submission) error {
		next, ok := domain.ApplySubmissionEvent(submission.State, event, submission.Store)
		if !ok {
			return nil
		}
		submission.State = next
		if submission.Terminal() && submission.EndedAt == nil {
			ended := s.now()
			submission.EndedAt = &ended
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied && reason != "" {
		kind := domain.StampInfo
		switch submission.State {
		case domain.SubmissionFinished, domain.SubmissionApproved:
			kind = domain.StampSuccess
		case domain.SubmissionReviewFailed, domain.SubmissionFailed, domain.SubmissionActionRequired:
			kind = domain.StampError
		}
		s.stamp(ctx, submissionID, kind, reason, payload)
	}
	return applied, nil
}

func (s *Service) failTerminal(ctx context.Context, submissionID string, event domain.SubmissionEvent, cause error) {
	reason := ReasonFailed
	if event == domain.SubmissionEventActionRequired {
		reason = ReasonActionRequired
	}
	applied, err := s.apply(ctx, submissionID, event, reason, domain.Metadata{
		"cause": errString(cause),
	})
	if err != nil {
		s.log.ErrorContext(ctx, "mark submission failed",
			slog.String("submission_id", submissionID),
			slog.String("error", err.Error()))
		return
	}
	if applied {
		submission, err := s.submissions.GetSubmission(ctx, submissionID)
		if err != nil {
			return
		}
		s.compensate(ctx, submission)
	}
}

// compensate raises the internal rejected signal when a submission
// ends anywhere other than finished, so the platform run can decide
// whether to retry against the same or a newer build.
func (s *Service) compensate(ctx context.Context, submission domain.Submission) {
	if !submission.FailedTerminal() && submission.State != domain.SubmissionReviewFailed {
		return
	}
	s.signalRun(ctx, submission, signal.KindSubmissionRejected)
}

func (s *Service) signalRun(ctx context.Context, submission domain.Submission, kind signal.Kind) {
	if s.dispatcher == nil {
		return
	}
	sig, err := signal.New(kind, s.train.ID, map[string]any{
		"run_id":        submission.RunID,
		"submission_id": submission.ID,
		"state":         string(submission.State),
	})
	if err != nil {
		s.log.ErrorContext(ctx, "build compensating signal", slog.String("error", err.Error()))
		return
	}
	if err := s.dispatcher.Dispatch(ctx, sig); err != nil {
		s.log.ErrorContext(ctx, "dispatch compensating signal",
			slog.String("signal_kind", string(kind)),
			slog.String("submission_id", submission.ID),
			slog.String("error", err.Error()))
	}
}

func (s *Service) stamp(ctx context.Context, submissionID string, kind domain.StampKind, reason string, payload domain.Metadata) {
	_, err := s.stamps.Append(ctx, domain.Stamp{
		OccurredAt: s.now(),
		Kind:       kind,
		Reason:     reason,
		OwnerType:  domain.OwnerSubmission,
		OwnerID:    submissionID,
		Payload:    payload,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "stamp submission event",
			slog.String("submission_id", submissionID),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
