package builds

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/railyard-labs/railyard-go/internal/domain"
	"github.com/railyard-labs/railyard-go/internal/platform/objectstore"
	"github.com/railyard-labs/railyard-go/internal/provider"
	"github.com/railyard-labs/railyard-go/internal/repo"
	"github.com/railyard-labs/railyard-go/internal/signal"
	"github.com/railyard-labs/railyard-go/internal/task"
)

type fakeBuildRepo struct {
	builds map[string]domain.Build
}

func (f *fakeBuildRepo) CreateBuild(ctx context.Context, build domain.Build) error {
	f.builds[build.ID] = build
	return nil
}

func (f *fakeBuildRepo) GetBuild(ctx context.Context, id string) (domain.Build, error) {
	build, ok := f.builds[id]
	if !ok {
		return domain.Build{}, repo.ErrNotFound
	}
	return build, nil
}

func (f *fakeBuildRepo) FindBuildByWorkflow(ctx context.Context, workflowID string) (domain.Build, error) {
	for _, build := range f.builds {
		if build.WorkflowID == workflowID {
			return build, nil
		}
	}
	return domain.Build{}, repo.ErrNotFound
}

func (f *fakeBuildRepo) ListBuildsByRun(ctx context.Context, runID string) ([]domain.Build, error) {
	out := make([]domain.Build, 0)
	for _, build := range f.builds {
		if build.RunID == runID {
			out = append(out, build)
		}
	}
	return out, nil
}

func (f *fakeBuildRepo) UpdateBuild(ctx context.Context, id string, mutate func(*domain.Build) error) (domain.Build, error) {
	build, ok := f.builds[id]
	if !ok {
		return domain.Build{}, repo.ErrNotFound
	}
	if err := mutate(&build); err != nil {
		return domain.Build{}, err
	}
	f.builds[id] = build
	return build, nil
}

type fakeRunRepo struct {
	runs map[string]domain.PlatformRun
}

func (f *fakeRunRepo) CreateRun(ctx context.Context, run domain.PlatformRun) error {
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRunRepo) GetRun(ctx context.Context, id string) (domain.PlatformRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return domain.PlatformRun{}, repo.ErrNotFound
	}
	return run, nil
}

func (f *fakeRunRepo) ListRunsByRelease(ctx context.Context, releaseID string) ([]domain.PlatformRun, error) {
	return nil, nil
}

func (f *fakeRunRepo) UpdateRun(ctx context.Context, id string, mutate func(*domain.PlatformRun) error) (domain.PlatformRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return domain.PlatformRun{}, repo.ErrNotFound
	}
	if err := mutate(&run); err != nil {
		return domain.PlatformRun{}, err
	}
	f.runs[id] = run
	return run, nil
}

type fakeReleaseRepo struct {
	releases map[string]domain.Release
}

func (f *fakeReleaseRepo) CreateRelease(ctx context.Context, release domain.Release) error {
	f.releases[release.ID] = release
	return nil
}

func (f *fakeReleaseRepo) GetRelease(ctx context.Context, id string) (domain.Release, error) {
	release, ok := f.releases[id]
	if !ok {
		return domain.Release{}, repo.ErrNotFound
	}
	return release, nil
}

func (f *fakeReleaseRepo) FindOpenRelease(ctx context.Context, trainID string) (domain.Release, error) {
	for _, release := range f.releases {
		if release.TrainID == trainID && !release.Terminal() {
			return release, nil
		}
	}
	return domain.Release{}, repo.ErrNotFound
}

func (f *fakeReleaseRepo) ListReleases(ctx context.Context, filter repo.ReleaseFilter) ([]domain.Release, error) {
	return nil, nil
}

func (f *fakeReleaseRepo) UpdateRelease(ctx context.Context, id string, mutate func(*domain.Release) error) (domain.Release, error) {
	release, ok := f.releases[id]
	if !ok {
		return domain.Release{}, repo.ErrNotFound
	}
	if err := mutate(&release); err != nil {
		return domain.Release{}, err
	}
	f.releases[id] = release
	return release, nil
}

type fakeStamps struct {
	stamps []domain.Stamp
}

func (f *fakeStamps) Append(ctx context.Context, stamp domain.Stamp) (int64, error) {
	f.stamps = append(f.stamps, stamp)
	return int64(len(f.stamps)), nil
}

func (f *fakeStamps) AppendSignal(ctx context.Context, stamp domain.Stamp) (int64, bool, error) {
	for _, existing := range f.stamps {
		if existing.OwnerType == stamp.OwnerType && existing.OwnerID == stamp.OwnerID &&
			existing.SignalSHA256 == stamp.SignalSHA256 {
			return 0, false, nil
		}
	}
	f.stamps = append(f.stamps, stamp)
	return int64(len(f.stamps)), true, nil
}

type fakeCi struct {
	handle     provider.RunHandle
	triggerErr error
	cancelErr  error
	artifact   []byte
	fetchErr   error
	cancels    []string
	triggers   int
}

func (f *fakeCi) Trigger(ctx context.Context, workflow, ref string, inputs map[string]string) (provider.RunHandle, error) {
	f.triggers++
	if f.triggerErr != nil {
		return provider.RunHandle{}, f.triggerErr
	}
	return f.handle, nil
}

func (f *fakeCi) Find(ctx context.Context, handle provider.RunHandle) (provider.RunStatus, error) {
	return provider.RunStatus{Handle: handle}, nil
}

func (f *fakeCi) Cancel(ctx context.Context, handle provider.RunHandle) error {
	f.cancels = append(f.cancels, handle.ID)
	return f.cancelErr
}

func (f *fakeCi) FetchArtifact(ctx context.Context, handle provider.RunHandle) (io.ReadCloser, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return io.NopCloser(bytes.NewReader(f.artifact)), nil
}

type fakeObjectStore struct {
	objects map[string][]byte
}

func (f *fakeObjectStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[bucket+"/"+key] = data
	return nil
}

func (f *fakeObjectStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, objectstore.ObjectInfo{}, errors.New("no such object")
	}
	return io.NopCloser(bytes.NewReader(data)), objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeObjectStore) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return objectstore.ObjectInfo{}, errors.New("no such object")
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeObjectStore) Delete(ctx context.Context, bucket, key string) error {
	delete(f.objects, bucket+"/"+key)
	return nil
}

func (f *fakeObjectStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://minio.local/" + bucket + "/" + key, nil
}

type enqueued struct {
	name string
	args task.Args
	opts task.Options
}

type fakeRunner struct {
	enqueues []enqueued
}

func (f *fakeRunner) Enqueue(ctx context.Context, name string, args task.Args, opts task.Options) error {
	f.enqueues = append(f.enqueues, enqueued{name: name, args: args, opts: opts})
	return nil
}

type fakeDispatcher struct {
	signals []signal.Signal
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, sig signal.Signal) error {
	f.signals = append(f.signals, sig)
	return nil
}

type fixture struct {
	svc        *Service
	builds     *fakeBuildRepo
	runs       *fakeRunRepo
	releases   *fakeReleaseRepo
	stamps     *fakeStamps
	ci         *fakeCi
	store      *fakeObjectStore
	runner     *fakeRunner
	dispatcher *fakeDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	builds := &fakeBuildRepo{builds: map[string]domain.Build{}}
	runs := &fakeRunRepo{runs: map[string]domain.PlatformRun{
		"run-1": {
			ID:        "run-1",
			ReleaseID: "rel-1",
			Platform:  domain.PlatformAndroid,
			Phase:     domain.RunKickoff,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		},
	}}
	releases := &fakeReleaseRepo{releases: map[string]domain.Release{
		"rel-1": {
			ID:      "rel-1",
			TrainID: "train-1",
			Version: "2.14.0",
			Phase:   domain.ReleaseOnTrack,
		},
	}}
	stamps := &fakeStamps{}
	ci := &fakeCi{handle: provider.RunHandle{ID: "wf-9", Link: "https://ci/runs/9"}, artifact: []byte("aab")}
	store := &fakeObjectStore{objects: map[string][]byte{}}
	runner := &fakeRunner{}
	dispatcher := &fakeDispatcher{}

	svc, err := NewService("train-1", builds, runs, releases, stamps, ci, store, "build-artifacts", runner, dispatcher, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &fixture{
		svc:        svc,
		builds:     builds,
		runs:       runs,
		releases:   releases,
		stamps:     stamps,
		ci:         ci,
		store:      store,
		runner:     runner,
		dispatcher: dispatcher,
	}
}

func (f *fixture) seedBuild(t *testing.T, state domain.BuildState, workflowID string) domain.Build {
	t.Helper()
	build := domain.Build{
		ID:         "b-1",
		RunID:      "run-1",
		CommitSHA:  "abc123",
		State:      state,
		WorkflowID: workflowID,
		CreatedAt:  time.Now().UTC(),
	}
	f.builds.builds[build.ID] = build
	return build
}

func workflowSignal(t *testing.T, status, conclusion string) signal.Signal {
	t.Helper()
	sig, err := signal.New(signal.KindWorkflowRun, "train-1", signal.WorkflowRunPayload{
		Status:     status,
		Conclusion: conclusion,
		CiRef:      "wf-9",
		CiLink:     "https://ci/runs/9",
	})
	if err != nil {
		t.Fatalf("signal.New: %v", err)
	}
	return sig
}

func TestCreateBuildEnqueuesTrigger(t *testing.T) {
	f := newFixture(t)

	build, err := f.svc.CreateBuild(context.Background(), "run-1", "abc123", "android-release")
	if err != nil {
		t.Fatalf("CreateBuild: %v", err)
	}
	if build.State != domain.BuildTriggering {
		t.Fatalf("state = %s", build.State)
	}
	if len(f.runner.enqueues) != 1 || f.runner.enqueues[0].name != TaskTrigger {
		t.Fatalf("unexpected enqueues %+v", f.runner.enqueues)
	}
	if f.runner.enqueues[0].args["build_id"] != build.ID {
		t.Fatalf("task args = %v", f.runner.enqueues[0].args)
	}
}

func TestCreateBuildWithoutWorkflowIsConfigError(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateBuild(context.Background(), "run-1", "abc123", "")
	if !provider.IsCode(err, provider.CodeDispatchMissing) {
		t.Fatalf("expected dispatch_missing, got %v", err)
	}
}

func TestTriggerMovesBuildToTriggered(t *testing.T) {
	f := newFixture(t)
	f.seedBuild(t, domain.BuildTriggering, "")

	if err := f.svc.Trigger(context.Background(), "b-1", "android-release", nil); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	build := f.builds.builds["b-1"]
	if build.State != domain.BuildTriggered {
		t.Fatalf("state = %s", build.State)
	}
	if build.WorkflowID != "wf-9" {
		t.Fatalf("workflow id = %q", build.WorkflowID)
	}

	// A retried delivery after success must not trigger again.
	if err := f.svc.Trigger(context.Background(), "b-1", "android-release", nil); err != nil {
		t.Fatalf("Trigger retry: %v", err)
	}
	if f.ci.triggers != 1 {
		t.Fatalf("expected one trigger call, got %d", f.ci.triggers)
	}
}

func TestTriggerTerminalErrorFailsBuild(t *testing.T) {
	f := newFixture(t)
	f.seedBuild(t, domain.BuildTriggering, "")
	f.ci.triggerErr = provider.Terminal(provider.CodeWorkflowTriggerFailed, errors.New("no such workflow"))

	err := f.svc.Trigger(context.Background(), "b-1", "android-release", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	build := f.builds.builds["b-1"]
	if build.State != domain.BuildTriggerFailed {
		t.Fatalf("state = %s", build.State)
	}
	if len(f.stamps.stamps) != 1 || f.stamps.stamps[0].Reason != ReasonTriggerFailed {
		t.Fatalf("unexpected stamps %+v", f.stamps.stamps)
	}
}

func TestTriggerTransientErrorLeavesBuildTriggering(t *testing.T) {
	f := newFixture(t)
	f.seedBuild(t, domain.BuildTriggering, "")
	f.ci.triggerErr = provider.Transient(provider.CodeRateLimited, errors.New("429"))

	err := f.svc.Trigger(context.Background(), "b-1", "android-release", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := f.builds.builds["b-1"].State; got != domain.BuildTriggering {
		t.Fatalf("state = %s", got)
	}
	if len(f.stamps.stamps) != 0 {
		t.Fatalf("expected no stamps, got %+v", f.stamps.stamps)
	}
}

func TestWorkflowRunSuccessEnqueuesArtifactCollection(t *testing.T) {
	f := newFixture(t)
	f.seedBuild(t, domain.BuildWorkflowStarted, "wf-9")

	sig := workflowSignal(t, provider.RunStatusCompleted, provider.RunConclusionSuccess)
	if err := f.svc.HandleWorkflowRun(context.Background(), sig); err != nil {
		t.Fatalf("HandleWorkflowRun: %v", err)
	}
	if got := f.builds.builds["b-1"].State; got != domain.BuildAboutToDeploy {
		t.Fatalf("state = %s", got)
	}
	if len(f.runner.enqueues) != 1 || f.runner.enqueues[0].name != TaskCollectArtifact {
		t.Fatalf("unexpected enqueues %+v", f.runner.enqueues)
	}
	if len(f.stamps.stamps) != 1 {
		t.Fatalf("expected one stamp, got %d", len(f.stamps.stamps))
	}
}

func TestWorkflowRunDuplicateDeliveryIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.seedBuild(t, domain.BuildWorkflowStarted, "wf-9")

	sig := workflowSignal(t, provider.RunStatusCompleted, provider.RunConclusionSuccess)
	if err := f.svc.HandleWorkflowRun(context.Background(), sig); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.svc.HandleWorkflowRun(context.Background(), sig); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if got := f.builds.builds["b-1"].State; got != domain.BuildAboutToDeploy {
		t.Fatalf("state = %s", got)
	}
	if len(f.stamps.stamps) != 1 {
		t.Fatalf("expected exactly one stamp, got %d", len(f.stamps.stamps))
	}
}

func TestWorkflowRunFailureMarksCIFailed(t *testing.T) {
	f := newFixture(t)
	f.seedBuild(t, domain.BuildTriggered, "wf-9")

	sig := workflowSignal(t, provider.RunStatusCompleted, provider.RunConclusionFailure)
	if err := f.svc.HandleWorkflowRun(context.Background(), sig); err != nil {
		t.Fatalf("HandleWorkflowRun: %v", err)
	}
	build := f.builds.builds["b-1"]
	if build.State != domain.BuildCIFailed {
		t.Fatalf("state = %s", build.State)
	}
	if build.EndedAt == nil {
		t.Fatal("expected ended_at to be set")
	}
	if len(f.stamps.stamps) != 1 || f.stamps.stamps[0].Kind != domain.StampError {
		t.Fatalf("unexpected stamps %+v", f.stamps.stamps)
	}
}

func TestWorkflowRunUnknownBuildIsIgnored(t *testing.T) {
	f := newFixture(t)

	sig := workflowSignal(t, provider.RunStatusCompleted, provider.RunConclusionSuccess)
	if err := f.svc.HandleWorkflowRun(context.Background(), sig); err != nil {
		t.Fatalf("HandleWorkflowRun: %v", err)
	}
	if len(f.stamps.stamps) != 0 {
		t.Fatalf("expected no stamps, got %+v", f.stamps.stamps)
	}
}

func TestCollectArtifactStoresAndAdvances(t *testing.T) {
	f := newFixture(t)
	f.seedBuild(t, domain.BuildAboutToDeploy, "wf-9")

	if err := f.svc.CollectArtifact(context.Background(), "b-1"); err != nil {
		t.Fatalf("CollectArtifact: %v", err)
	}
	build := f.builds.builds["b-1"]
	if build.State != domain.BuildFound {
		t.Fatalf("state = %s", build.State)
	}
	if build.ArtifactKey != "run-1/b-1" {
		t.Fatalf("artifact key = %q", build.ArtifactKey)
	}
	if _, ok := f.store.objects["build-artifacts/run-1/b-1"]; !ok {
		t.Fatal("artifact not written to object store")
	}
}

func TestCollectArtifactAnnouncesBuildFound(t *testing.T) {
	f := newFixture(t)
	f.seedBuild(t, domain.BuildAboutToDeploy, "wf-9")

	if err := f.svc.CollectArtifact(context.Background(), "b-1"); err != nil {
		t.Fatalf("CollectArtifact: %v", err)
	}
	if len(f.dispatcher.signals) != 1 {
		t.Fatalf("expected one signal, got %+v", f.dispatcher.signals)
	}
	sig := f.dispatcher.signals[0]
	if sig.Kind != signal.KindBuildFound {
		t.Fatalf("kind = %s", sig.Kind)
	}
	payload, err := sig.BuildFound()
	if err != nil {
		t.Fatalf("BuildFound: %v", err)
	}
	if payload.BuildID != "b-1" {
		t.Fatalf("build id = %q", payload.BuildID)
	}
	if payload.VersionName != "2.14.0" {
		t.Fatalf("version name = %q", payload.VersionName)
	}
	if payload.VersionCode != "abc123" {
		t.Fatalf("version code = %q", payload.VersionCode)
	}

	// A retried collection against an already found build must not
	// announce again.
	if err := f.svc.CollectArtifact(context.Background(), "b-1"); err != nil {
		t.Fatalf("CollectArtifact retry: %v", err)
	}
	if len(f.dispatcher.signals) != 1 {
		t.Fatalf("expected one signal after retry, got %d", len(f.dispatcher.signals))
	}
}

func TestCollectArtifactNotFoundPropagatesForRetry(t *testing.T) {
	f := newFixture(t)
	f.seedBuild(t, domain.BuildAboutToDeploy, "wf-9")
	f.ci.fetchErr = provider.Transient(provider.CodeArtifactNotFound, errors.New("not there yet"))

	err := f.svc.CollectArtifact(context.Background(), "b-1")
	if !provider.IsCode(err, provider.CodeArtifactNotFound) {
		t.Fatalf("expected artifact_not_found, got %v", err)
	}
	if got := f.builds.builds["b-1"].State; got != domain.BuildAboutToDeploy {
		t.Fatalf("state = %s", got)
	}
}

func TestOnArtifactExhaustedMarksUnavailable(t *testing.T) {
	f := newFixture(t)
	f.seedBuild(t, domain.BuildAboutToDeploy, "wf-9")

	f.svc.OnArtifactExhausted(context.Background(), task.Args{"build_id": "b-1"}, errors.New("gone"))
	build := f.builds.builds["b-1"]
	if build.State != domain.BuildUnavailable {
		t.Fatalf("state = %s", build.State)
	}
	if len(f.stamps.stamps) != 1 || f.stamps.stamps[0].Reason != ReasonArtifactMissing {
		t.Fatalf("unexpected stamps %+v", f.stamps.stamps)
	}
}

func TestAttachVersionReadiesBuildAndRun(t *testing.T) {
	f := newFixture(t)
	f.seedBuild(t, domain.BuildFound, "wf-9")

	build, err := f.svc.AttachVersion(context.Background(), "b-1", "2.14.0", "451")
	if err != nil {
		t.Fatalf("AttachVersion: %v", err)
	}
	if build.State != domain.BuildReady {
		t.Fatalf("state = %s", build.State)
	}
	run := f.runs.runs["run-1"]
	if run.Phase != domain.RunStabilization {
		t.Fatalf("run phase = %s", run.Phase)
	}
}

func TestHandleBuildFoundReadiesBuildAndRun(t *testing.T) {
	f := newFixture(t)
	f.seedBuild(t, domain.BuildFound, "wf-9")

	sig, err := signal.New(signal.KindBuildFound, "train-1", signal.BuildFoundPayload{
		BuildID:     "b-1",
		VersionName: "2.14.0",
		VersionCode: "abc123",
	})
	if err != nil {
		t.Fatalf("signal.New: %v", err)
	}
	if err := f.svc.HandleBuildFound(context.Background(), sig); err != nil {
		t.Fatalf("HandleBuildFound: %v", err)
	}
	build := f.builds.builds["b-1"]
	if build.State != domain.BuildReady {
		t.Fatalf("state = %s", build.State)
	}
	if build.VersionName != "2.14.0" || build.VersionCode != "abc123" {
		t.Fatalf("version = %q/%q", build.VersionName, build.VersionCode)
	}
	if got := f.runs.runs["run-1"].Phase; got != domain.RunStabilization {
		t.Fatalf("run phase = %s", got)
	}

	// Re-delivery hits the transition guard and changes nothing.
	if err := f.svc.HandleBuildFound(context.Background(), sig); err != nil {
		t.Fatalf("HandleBuildFound redelivery: %v", err)
	}
	if got := f.builds.builds["b-1"].State; got != domain.BuildReady {
		t.Fatalf("state after redelivery = %s", got)
	}
}

func TestOnArtifactExhaustedAnnouncesUnavailable(t *testing.T) {
	f := newFixture(t)
	f.seedBuild(t, domain.BuildAboutToDeploy, "wf-9")

	f.svc.OnArtifactExhausted(context.Background(), task.Args{"build_id": "b-1"}, errors.New("gone"))
	if len(f.dispatcher.signals) != 1 || f.dispatcher.signals[0].Kind != signal.KindBuildUnavailable {
		t.Fatalf("unexpected signals %+v", f.dispatcher.signals)
	}
}

func TestCancelFinishedBuildIsSuccess(t *testing.T) {
	f := newFixture(t)
	f.seedBuild(t, domain.BuildReady, "wf-9")

	if err := f.svc.Cancel(context.Background(), "b-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(f.ci.cancels) != 0 {
		t.Fatalf("expected no cancel calls, got %v", f.ci.cancels)
	}
}

func TestCancelRacingCompletionIsSuccess(t *testing.T) {
	f := newFixture(t)
	f.seedBuild(t, domain.BuildWorkflowStarted, "wf-9")
	f.ci.cancelErr = provider.Terminal(provider.CodeRunNotRunnable, errors.New("already finished"))

	if err := f.svc.Cancel(context.Background(), "b-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := f.builds.builds["b-1"].State; got != domain.BuildCICancelled {
		t.Fatalf("state = %s", got)
	}
}
