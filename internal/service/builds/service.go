// Package builds tracks CI workflow runs from trigger to collected
// artifact. Every transition is driven by a dispatched signal or a
// queued task, never by direct external mutation, so re-delivering an
// event after a crash is a harmless no-op.
package builds

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
	"github.com/railyard-labs/railyard-go/internal/platform/objectstore"
	"github.com/railyard-labs/railyard-go/internal/provider"
	"github.com/railyard-labs/railyard-go/internal/repo"
	"github.com/railyard-labs/railyard-go/internal/signal"
	"github.com/railyard-labs/railyard-go/internal/task"
)

// Task names the service enqueues.
const (
	TaskTrigger         = "build.trigger"
	TaskCollectArtifact = "build.collect_artifact"
	TaskCancelWorkflow  = "build.cancel_workflow"
)

// Stamp reasons recorded on the build timeline.
const (
	ReasonTriggered       = "build_triggered"
	ReasonTriggerFailed   = "build_trigger_failed"
	ReasonWorkflowEvent   = "build_workflow_event"
	ReasonArtifactStored  = "build_artifact_stored"
	ReasonArtifactMissing = "build_artifact_missing"
	ReasonReady           = "build_ready"
	ReasonCancelled       = "build_cancelled"
)

// Dispatcher delivers internal signals back into the core.
type Dispatcher interface {
	Dispatch(ctx context.Context, sig signal.Signal) error
}

type Service struct {
	trainID    string
	builds     repo.BuildRepository
	runs       repo.PlatformRunRepository
	releases   repo.ReleaseRepository
	stamps     repo.StampAppender
	ci         provider.CiProvider
	store      objectstore.Store
	bucket     string
	tasks      task.Runner
	dispatcher Dispatcher
	log        *slog.Logger
	now        func() time.Time
	newID      func() string
}

func NewService(
	trainID string,
	builds repo.BuildRepository,
	runs repo.PlatformRunRepository,
	releases repo.ReleaseRepository,
	stamps repo.StampAppender,
	ci provider.CiProvider,
	store objectstore.Store,
	bucket string,
	tasks task.Runner,
	dispatcher Dispatcher,
	log *slog.Logger,
) (*Service, error) {
	if strings.TrimSpace(trainID) == "" {
		return nil, errors.New("train id is required")
	}
	if builds == nil || runs == nil || releases == nil || stamps == nil {
		return nil, errors.New("repositories are required")
	}
	if ci == nil {
		return nil, errors.New("ci provider is required")
	}
	if tasks == nil {
		return nil, errors.New("task runner is required")
	}
	if store != nil && strings.TrimSpace(bucket) == "" {
		return nil, errors.New("artifact bucket is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		trainID:    strings.TrimSpace(trainID),
		builds:     builds,
		runs:       runs,
		releases:   releases,
		stamps:     stamps,
		ci:         ci,
		store:      store,
		bucket:     strings.TrimSpace(bucket),
		tasks:      tasks,
		dispatcher: dispatcher,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}, nil
}

// CreateBuild registers a build for a commit and enqueues the trigger
// task. The workflow to run comes from the train's platform config.
func (s *Service) CreateBuild(ctx context.Context, runID, commitSHA, workflow string) (domain.Build, error) {
	runID = strings.TrimSpace(runID)
	commitSHA = strings.TrimSpace(commitSHA)
	workflow = strings.TrimSpace(workflow)
	if runID == "" || commitSHA == "" {
		return domain.Build{}, errors.New("run id and commit sha are required")
	}
	if workflow == "" {
		return domain.Build{}, provider.Config(provider.CodeDispatchMissing,
			errors.New("no workflow mapped for platform"))
	}

	build := domain.Build{
		ID:        s.newID(),
		RunID:     runID,
		CommitSHA: commitSHA,
		State:     domain.BuildTriggering,
		CreatedAt: s.now(),
	}
	if err := s.builds.CreateBuild(ctx, build); err != nil {
		return domain.Build{}, err
	}

	err := s.tasks.Enqueue(ctx, TaskTrigger, task.Args{
		"build_id": build.ID,
		"workflow": workflow,
	}, task.Options{
		Queue:      "builds",
		UniqueKey:  TaskTrigger + ":" + build.ID,
		MaxRetries: 5,
		Policy:     backoff.Exponential(10*time.Second, 5*time.Minute, 5),
	})
	if err != nil {
		return domain.Build{}, fmt.Errorf("enqueue trigger: %w", err)
	}
	return build, nil
}

// Trigger asks the CI provider to start the workflow. It is the handler
// of the trigger task: a retried attempt against an already triggered
// build is a no-op.
func (s *Service) Trigger(ctx context.Context, buildID, workflow string, inputs map[string]string) error {
	build, err := s.builds.GetBuild(ctx, buildID)
	if err != nil {
		return err
	}
	if build.State != domain.BuildTriggering {
		return nil
	}

	handle, err := s.ci.Trigger(ctx, workflow, build.CommitSHA, inputs)
	if err != nil {
		switch provider.Classify(err) {
		case backoff.ClassTerminal, backoff.ClassConfig:
			s.failTrigger(ctx, build.ID, err)
			return err
		default:
			return err
		}
	}

	_, err = s.builds.UpdateBuild(ctx, build.ID, func(build *domain.Build) error {
		next, ok := domain.ApplyBuildEvent(build.State, domain.BuildEventTriggered)
		if !ok {
			return nil
		}
		build.State = next
		build.WorkflowID = handle.ID
		build.WorkflowLink = handle.Link
		return nil
	})
	if err != nil {
		return err
	}
	s.stamp(ctx, build.ID, domain.StampSuccess, ReasonTriggered, domain.Metadata{
		"workflow_id": handle.ID,
	})
	return nil
}

// OnTriggerExhausted is registered as the trigger task's exhausted hook.
func (s *Service) OnTriggerExhausted(ctx context.Context, args task.Args, lastErr error) {
	s.failTrigger(ctx, args["build_id"], lastErr)
}

func (s *Service) failTrigger(ctx context.Context, buildID string, cause error) {
	applied := false
	_, err := s.builds.UpdateBuild(ctx, buildID, func(build *domain.Build) error {
		next, ok := domain.ApplyBuildEvent(build.State, domain.BuildEventTriggerFailed)
		if !ok {
			return nil
		}
		build.State = next
		ended := s.now()
		build.EndedAt = &ended
		applied = true
		return nil
	})
	if err != nil {
		s.log.ErrorContext(ctx, "mark trigger failed",
			slog.String("build_id", buildID), slog.String("error", err.Error()))
		return
	}
	if applied {
		s.stamp(ctx, buildID, domain.StampError, ReasonTriggerFailed, domain.Metadata{
			"cause": errString(cause),
		})
	}
}

// HandleWorkflowRun applies a workflow_run signal to the build it
// correlates with. The signal stamp is deduplicated on the payload
// hash, so a duplicate delivery changes nothing and stamps nothing.
func (s *Service) HandleWorkflowRun(ctx context.Context, sig signal.Signal) error {
	payload, err := sig.WorkflowRun()
	if err != nil {
		return provider.Config(provider.CodeParameterInvalid, err)
	}
	build, err := s.builds.FindBuildByWorkflow(ctx, payload.CiRef)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.log.WarnContext(ctx, "workflow_run signal for unknown build",
				slog.String("ci_ref", payload.CiRef))
			return nil
		}
		return err
	}

	event, ok := workflowEvent(payload)
	if !ok {
		s.log.InfoContext(ctx, "workflow_run signal without actionable status",
			slog.String("status", payload.Status),
			slog.String("conclusion", payload.Conclusion))
		return nil
	}

	hash, err := sig.SHA256()
	if err != nil {
		return err
	}
	applied := false
	updated, err := s.builds.UpdateBuild(ctx, build.ID, func(build *domain.Build) error {
		next, ok := domain.ApplyBuildEvent(build.State, event)
		if !ok {
			return nil
		}
		build.State = next
		if build.Terminal() {
			ended := s.now()
			build.EndedAt = &ended
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	kind := domain.StampInfo
	if updated.State == domain.BuildCIFailed {
		kind = domain.StampError
	}
	_, inserted, err := s.stamps.AppendSignal(ctx, domain.Stamp{
		OccurredAt:   s.now(),
		Kind:         kind,
		Reason:       ReasonWorkflowEvent,
		OwnerType:    domain.OwnerBuild,
		OwnerID:      build.ID,
		SignalSHA256: hash,
		Payload: domain.Metadata{
			"status":     payload.Status,
			"conclusion": payload.Conclusion,
			"state":      string(updated.State),
		},
	})
	if err != nil {
		return err
	}
	if !inserted {
		s.log.InfoContext(ctx, "duplicate workflow_run signal",
			slog.String("build_id", build.ID))
	}

	if updated.State == domain.BuildAboutToDeploy {
		return s.tasks.Enqueue(ctx, TaskCollectArtifact, task.Args{
			"build_id": build.ID,
		}, task.Options{
			Queue:      "builds",
			UniqueKey:  TaskCollectArtifact + ":" + build.ID,
			MaxRetries: 8,
			Policy:     backoff.Exponential(30*time.Second, 10*time.Minute, 8),
		})
	}
	return nil
}

// workflowEvent maps a CI status/conclusion pair to a build event.
func workflowEvent(payload signal.WorkflowRunPayload) (domain.BuildEvent, bool) {
	switch payload.Status {
	case provider.RunStatusInProgress:
		return domain.BuildEventWorkflowStarted, true
	case provider.RunStatusCompleted:
		switch payload.Conclusion {
		case provider.RunConclusionSuccess:
			return domain.BuildEventWorkflowSucceeded, true
		case provider.RunConclusionCancelled:
			return domain.BuildEventWorkflowCancelled, true
		default:
			return domain.BuildEventWorkflowFailed, true
		}
	default:
		return "", false
	}
}

// CollectArtifact downloads the workflow's artifact into object storage
// and marks the build found. "Not found yet" is transient: the task
// retries with backoff until the ceiling, then OnArtifactExhausted
// marks the build unavailable.
func (s *Service) CollectArtifact(ctx context.Context, buildID string) error {
	build, err := s.builds.GetBuild(ctx, buildID)
	if err != nil {
		return err
	}
	if build.State != domain.BuildAboutToDeploy {
		return nil
	}

	body, err := s.ci.FetchArtifact(ctx, provider.RunHandle{ID: build.WorkflowID})
	if err != nil {
		return err
	}
	defer body.Close()

	key := fmt.Sprintf("%s/%s", build.RunID, build.ID)
	if s.store != nil {
		if err := s.store.Put(ctx, s.bucket, key, body, -1, "application/octet-stream"); err != nil {
			return fmt.Errorf("store artifact: %w", err)
		}
	}

	applied := false
	updated, err := s.builds.UpdateBuild(ctx, build.ID, func(build *domain.Build) error {
		next, ok := domain.ApplyBuildEvent(build.State, domain.BuildEventArtifactFound)
		if !ok {
			return nil
		}
		build.State = next
		build.ArtifactKey = key
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		s.stamp(ctx, build.ID, domain.StampSuccess, ReasonArtifactStored, domain.Metadata{
			"artifact_key": key,
		})
		s.announceBuildFound(ctx, updated)
	}
	return nil
}

// announceBuildFound raises the build_found signal with the artifact's
// version identity: the owning release's version as the marketing name
// and the short commit as the store build number.
func (s *Service) announceBuildFound(ctx context.Context, build domain.Build) {
	if s.dispatcher == nil {
		return
	}
	run, err := s.runs.GetRun(ctx, build.RunID)
	if err != nil {
		s.log.ErrorContext(ctx, "resolve run for build_found",
			slog.String("build_id", build.ID), slog.String("error", err.Error()))
		return
	}
	release, err := s.releases.GetRelease(ctx, run.ReleaseID)
	if err != nil {
		s.log.ErrorContext(ctx, "resolve release for build_found",
			slog.String("build_id", build.ID), slog.String("error", err.Error()))
		return
	}
	sig, err := signal.New(signal.KindBuildFound, s.trainID, signal.BuildFoundPayload{
		BuildID:     build.ID,
		VersionName: release.Version,
		VersionCode: shortSHA(build.CommitSHA),
	})
	if err != nil {
		s.log.ErrorContext(ctx, "build build_found signal", slog.String("error", err.Error()))
		return
	}
	if err := s.dispatcher.Dispatch(ctx, sig); err != nil {
		s.log.ErrorContext(ctx, "dispatch build_found",
			slog.String("build_id", build.ID), slog.String("error", err.Error()))
	}
}

// HandleBuildFound attaches the announced version identity to the
// build. AttachVersion re-reads the build under its transition guard,
// so a duplicate delivery is a no-op.
func (s *Service) HandleBuildFound(ctx context.Context, sig signal.Signal) error {
	payload, err := sig.BuildFound()
	if err != nil {
		return provider.Config(provider.CodeParameterInvalid, err)
	}
	_, err = s.AttachVersion(ctx, payload.BuildID, payload.VersionName, payload.VersionCode)
	return err
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// OnArtifactExhausted marks the build unavailable after the artifact
// never appeared within the retry ceiling.
func (s *Service) OnArtifactExhausted(ctx context.Context, args task.Args, lastErr error) {
	buildID := args["build_id"]
	applied := false
	_, err := s.builds.UpdateBuild(ctx, buildID, func(build *domain.Build) error {
		next, ok := domain.ApplyBuildEvent(build.State, domain.BuildEventArtifactMissing)
		if !ok {
			return nil
		}
		build.State = next
		ended := s.now()
		build.EndedAt = &ended
		applied = true
		return nil
	})
	if err != nil {
		s.log.ErrorContext(ctx, "mark artifact missing",
			slog.String("build_id", buildID), slog.String("error", err.Error()))
		return
	}
	if !applied {
		return
	}
	s.stamp(ctx, buildID, domain.StampError, ReasonArtifactMissing, domain.Metadata{
		"cause": errString(lastErr),
	})
	if s.dispatcher == nil {
		return
	}
	sig, err := signal.New(signal.KindBuildUnavailable, s.trainID, signal.BuildUnavailablePayload{
		BuildID: buildID,
		Cause:   errString(lastErr),
	})
	if err != nil {
		s.log.ErrorContext(ctx, "build build_unavailable signal", slog.String("error", err.Error()))
		return
	}
	if err := s.dispatcher.Dispatch(ctx, sig); err != nil {
		s.log.ErrorContext(ctx, "dispatch build_unavailable",
			slog.String("build_id", buildID), slog.String("error", err.Error()))
	}
}

// AttachVersion records the artifact's version identity and readies the
// build. A ready build moves its platform run out of kickoff.
func (s *Service) AttachVersion(ctx context.Context, buildID, versionName, versionCode string) (domain.Build, error) {
	versionName = strings.TrimSpace(versionName)
	versionCode = strings.TrimSpace(versionCode)
	if versionName == "" || versionCode == "" {
		return domain.Build{}, errors.New("version name and code are required")
	}
	applied := false
	build, err := s.builds.UpdateBuild(ctx, buildID, func(build *domain.Build) error {
		next, ok := domain.ApplyBuildEvent(build.State, domain.BuildEventVersionAttached)
		if !ok {
			return nil
		}
		build.State = next
		build.VersionName = versionName
		build.VersionCode = versionCode
		ended := s.now()
		build.EndedAt = &ended
		applied = true
		return nil
	})
	if err != nil {
		return domain.Build{}, err
	}
	if !applied {
		return build, nil
	}
	s.stamp(ctx, build.ID, domain.StampSuccess, ReasonReady, domain.Metadata{
		"version_name": versionName,
		"version_code": versionCode,
	})

	_, err = s.runs.UpdateRun(ctx, build.RunID, func(run *domain.PlatformRun) error {
		if !domain.CanTransitionRunPhase(run.Phase, domain.RunStabilization) {
			return nil
		}
		run.Phase = domain.RunStabilization
		return nil
	})
	if err != nil {
		return build, err
	}
	return build, nil
}

// Cancel asks CI to cancel the build's workflow because a newer commit
// superseded it. Cancelling a run that already finished is a success,
// not an error: cancel races with completion by design of the CI APIs.
func (s *Service) Cancel(ctx context.Context, buildID string) error {
	build, err := s.builds.GetBuild(ctx, buildID)
	if err != nil {
		return err
	}
	if build.Terminal() {
		return nil
	}

	if build.WorkflowID != "" {
		err := s.ci.Cancel(ctx, provider.RunHandle{ID: build.WorkflowID})
		if err != nil && !provider.IsCode(err, provider.CodeRunNotRunnable) {
			return err
		}
	}

	applied := false
	_, err = s.builds.UpdateBuild(ctx, build.ID, func(build *domain.Build) error {
		next, ok := domain.ApplyBuildEvent(build.State, domain.BuildEventWorkflowCancelled)
		if !ok {
			return nil
		}
		build.State = next
		ended := s.now()
		build.EndedAt = &ended
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		s.stamp(ctx, build.ID, domain.StampInfo, ReasonCancelled, nil)
	}
	return nil
}

func (s *Service) stamp(ctx context.Context, buildID string, kind domain.StampKind, reason string, payload domain.Metadata) {
	_, err := s.stamps.Append(ctx, domain.Stamp{
		OccurredAt: s.now(),
		Kind:       kind,
		Reason:     reason,
		OwnerType:  domain.OwnerBuild,
		OwnerID:    buildID,
		Payload:    payload,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "stamp build event",
			slog.String("build_id", buildID),
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
