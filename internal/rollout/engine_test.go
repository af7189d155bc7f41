package rollout

import (
	"context"
	"testing"
	"time"

	"github.com/railyard-labs/railyard-go/internal/domain"
	"github.com/railyard-labs/railyard-go/internal/provider"
	"github.com/railyard-labs/railyard-go/internal/repo"
	"github.com/railyard-labs/railyard-go/internal/signal"
)

type fakeRolloutRepo struct {
	rollouts map[string]domain.Rollout
}

func (f *fakeRolloutRepo) CreateRollout(ctx context.Context, rollout domain.Rollout) error {
	f.rollouts[rollout.ID] = rollout
	return nil
}

func (f *fakeRolloutRepo) GetRollout(ctx context.Context, id string) (domain.Rollout, error) {
	rollout, ok := f.rollouts[id]
	if !ok {
		return domain.Rollout{}, repo.ErrNotFound
	}
	return rollout, nil
}

func (f *fakeRolloutRepo) FindActiveRollout(ctx context.Context, runID string) (domain.Rollout, error) {
	for _, rollout := range f.rollouts {
		if rollout.RunID == runID && !rollout.Terminal() {
			return rollout, nil
		}
	}
	return domain.Rollout{}, repo.ErrNotFound
}

func (f *fakeRolloutRepo) UpdateRollout(ctx context.Context, id string, mutate func(*domain.Rollout) error) (domain.Rollout, error) {
	rollout, ok := f.rollouts[id]
	if !ok {
		return domain.Rollout{}, repo.ErrNotFound
	}
	if err := mutate(&rollout); err != nil {
		return domain.Rollout{}, err
	}
	if err := rollout.Validate(); err != nil {
		return domain.Rollout{}, err
	}
	f.rollouts[id] = rollout
	return rollout, nil
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
	out := make([]domain.PlatformRun, 0)
	for _, run := range f.runs {
		if run.ReleaseID == releaseID {
			out = append(out, run)
		}
	}
	return out, nil
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

type fakeSubmissionRepo struct {
	submissions map[string]domain.Submission
}

func (f *fakeSubmissionRepo) CreateSubmission(ctx context.Context, submission domain.Submission) error {
	f.submissions[submission.ID] = submission
	return nil
}

func (f *fakeSubmissionRepo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	submission, ok := f.submissions[id]
	if !ok {
		return domain.Submission{}, repo.ErrNotFound
	}
	return submission, nil
}

func (f *fakeSubmissionRepo) FindActiveSubmission(ctx context.Context, runID string) (domain.Submission, error) {
	for _, submission := range f.submissions {
		if submission.RunID == runID && !submission.Terminal() {
			return submission, nil
		}
	}
	return domain.Submission{}, repo.ErrNotFound
}

func (f *fakeSubmissionRepo) ListSubmissionsByRun(ctx context.Context, runID string) ([]domain.Submission, error) {
	out := make([]domain.Submission, 0)
	for _, submission := range f.submissions {
		if submission.RunID == runID {
			out = append(out, submission)
		}
	}
	return out, nil
}

func (f *fakeSubmissionRepo) UpdateSubmission(ctx context.Context, id string, mutate func(*domain.Submission) error) (domain.Submission, error) {
	submission, ok := f.submissions[id]
	if !ok {
		return domain.Submission{}, repo.ErrNotFound
	}
	if err := mutate(&submission); err != nil {
		return domain.Submission{}, err
	}
	f.submissions[id] = submission
	return submission, nil
}

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

func (f *fakeStamps) reasons() []string {
	out := make([]string, 0, len(f.stamps))
	for _, stamp := range f.stamps {
		out = append(out, stamp.Reason)
	}
	return out
}

type fakeStore struct {
	kind    domain.StoreKind
	info    provider.ReleaseInfo
	findErr error
	calls   []string
}

func (f *fakeStore) Kind() domain.StoreKind { return f.kind }

func (f *fakeStore) FindBuild(ctx context.Context, buildNumber string) error {
	f.calls = append(f.calls, "FindBuild:"+buildNumber)
	return nil
}

func (f *fakeStore) PrepareRelease(ctx context.Context, buildNumber, version string, phased bool, metadata domain.Metadata, force bool) (provider.ReleaseInfo, error) {
	f.calls = append(f.calls, "PrepareRelease:"+buildNumber)
	return f.info, nil
}

func (f *fakeStore) SubmitRelease(ctx context.Context, buildNumber, version string) error {
	f.calls = append(f.calls, "SubmitRelease:"+buildNumber)
	return nil
}

func (f *fakeStore) StartRelease(ctx context.Context, buildNumber string) error {
	f.calls = append(f.calls, "StartRelease:"+buildNumber)
	return nil
}

func (f *fakeStore) SetRolloutStage(ctx context.Context, buildNumber string, percentage float64) (provider.ReleaseInfo, error) {
	f.calls = append(f.calls, "SetRolloutStage:"+buildNumber)
	f.info.PhasedStage = percentage
	return f.info, nil
}

func (f *fakeStore) FindRelease(ctx context.Context, buildNumber string) (provider.ReleaseInfo, error) {
	f.calls = append(f.calls, "FindRelease:"+buildNumber)
	return f.info, f.findErr
}

func (f *fakeStore) FindLiveRelease(ctx context.Context) (provider.ReleaseInfo, error) {
	return f.info, nil
}

func (f *fakeStore) PausePhasedRelease(ctx context.Context) (provider.ReleaseInfo, error) {
	f.calls = append(f.calls, "PausePhasedRelease")
	return f.info, nil
}

func (f *fakeStore) ResumePhasedRelease(ctx context.Context) (provider.ReleaseInfo, error) {
	f.calls = append(f.calls, "ResumePhasedRelease")
	return f.info, nil
}

func (f *fakeStore) HaltPhasedRelease(ctx context.Context) (provider.ReleaseInfo, error) {
	f.calls = append(f.calls, "HaltPhasedRelease")
	return f.info, nil
}

func (f *fakeStore) CompletePhasedRelease(ctx context.Context) (provider.ReleaseInfo, error) {
	f.calls = append(f.calls, "CompletePhasedRelease")
	f.info.PhasedComplete = true
	f.info.PhasedStage = 100
	return f.info, nil
}

type fakeDispatcher struct {
	signals []signal.Signal
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, sig signal.Signal) error {
	f.signals = append(f.signals, sig)
	return nil
}

type fixture struct {
	engine     *Engine
	rollouts   *fakeRolloutRepo
	runs       *fakeRunRepo
	stamps     *fakeStamps
	store      *fakeStore
	dispatcher *fakeDispatcher
}

func newFixture(t *testing.T, kind domain.StoreKind, state domain.RolloutState, stageIndex int) *fixture {
	t.Helper()

	rollouts := &fakeRolloutRepo{rollouts: map[string]domain.Rollout{
		"ro-1": {
			ID:                "ro-1",
			RunID:             "run-1",
			SubmissionID:      "sub-1",
			State:             state,
			Stages:            []float64{10, 50, 100},
			CurrentStageIndex: stageIndex,
			CreatedAt:         time.Now().UTC(),
		},
	}}
	runs := &fakeRunRepo{runs: map[string]domain.PlatformRun{
		"run-1": {
			ID:        "run-1",
			ReleaseID: "rel-1",
			Platform:  domain.PlatformIOS,
			Phase:     domain.RunRollout,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		},
	}}
	submissions := &fakeSubmissionRepo{submissions: map[string]domain.Submission{
		"sub-1": {
			ID:        "sub-1",
			RunID:     "run-1",
			BuildID:   "b-1",
			Store:     kind,
			State:     domain.SubmissionFinished,
			Sequence:  1,
			CreatedAt: time.Now().UTC(),
		},
	}}
	builds := &fakeBuildRepo{builds: map[string]domain.Build{
		"b-1": {
			ID:          "b-1",
			RunID:       "run-1",
			CommitSHA:   "abc123",
			State:       domain.BuildReady,
			VersionCode: "451",
			CreatedAt:   time.Now().UTC(),
		},
	}}
	stamps := &fakeStamps{}
	store := &fakeStore{kind: kind}
	dispatcher := &fakeDispatcher{}

	engine, err := NewEngine(
		"train-1",
		"railyard",
		rollouts,
		runs,
		submissions,
		builds,
		stamps,
		provider.Set{Store: map[domain.StoreKind]provider.StoreProvider{kind: store}},
		nil,
		dispatcher,
		nil,
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &fixture{engine: engine, rollouts: rollouts, runs: runs, stamps: stamps, store: store, dispatcher: dispatcher}
}

func TestStartMovesToFirstStage(t *testing.T) {
	f := newFixture(t, domain.StorePlayStore, domain.RolloutCreated, -1)

	rollout, err := f.engine.Start(context.Background(), "ro-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rollout.State != domain.RolloutStarted {
		t.Fatalf("state = %s", rollout.State)
	}
	if rollout.CurrentStageIndex != 0 {
		t.Fatalf("stage index = %d", rollout.CurrentStageIndex)
	}
	if got := f.store.calls; len(got) != 2 || got[0] != "StartRelease:451" || got[1] != "SetRolloutStage:451" {
		t.Fatalf("unexpected store calls %v", got)
	}
	if got := f.stamps.reasons(); len(got) != 1 || got[0] != ReasonStarted {
		t.Fatalf("unexpected stamps %v", got)
	}
}

func TestIncreaseAdvancesOneStage(t *testing.T) {
	f := newFixture(t, domain.StorePlayStore, domain.RolloutStarted, 0)

	rollout, err := f.engine.Increase(context.Background(), "ro-1")
	if err != nil {
		t.Fatalf("Increase: %v", err)
	}
	if rollout.CurrentStageIndex != 1 {
		t.Fatalf("stage index = %d", rollout.CurrentStageIndex)
	}
	if rollout.StorePercentage != 50 {
		t.Fatalf("store percentage = %v", rollout.StorePercentage)
	}
}

func TestIncreasePastLastStageRejected(t *testing.T) {
	f := newFixture(t, domain.StorePlayStore, domain.RolloutStarted, 2)

	_, err := f.engine.Increase(context.Background(), "ro-1")
	if !provider.IsCode(err, provider.CodeRunNotRunnable) {
		t.Fatalf("expected run_not_runnable, got %v", err)
	}
	if len(f.stamps.stamps) != 0 {
		t.Fatalf("expected no stamps, got %v", f.stamps.reasons())
	}
}

func TestHaltEndsRollout(t *testing.T) {
	f := newFixture(t, domain.StoreAppStore, domain.RolloutStarted, 1)

	rollout, err := f.engine.Halt(context.Background(), "ro-1")
	if err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if rollout.State != domain.RolloutHalted {
		t.Fatalf("state = %s", rollout.State)
	}
	if rollout.EndedAt == nil {
		t.Fatal("expected ended_at to be set")
	}
	if got := f.stamps.stamps; len(got) != 1 || got[0].Kind != domain.StampError || got[0].Reason != ReasonHalted {
		t.Fatalf("unexpected stamps %+v", got)
	}
}

func TestReleaseToAllCompletesRunPhase(t *testing.T) {
	f := newFixture(t, domain.StorePlayStore, domain.RolloutStarted, 1)

	rollout, err := f.engine.ReleaseToAll(context.Background(), "ro-1")
	if err != nil {
		t.Fatalf("ReleaseToAll: %v", err)
	}
	if rollout.State != domain.RolloutFullyReleased {
		t.Fatalf("state = %s", rollout.State)
	}
	run, err := f.runs.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Phase != domain.RunFinishing {
		t.Fatalf("run phase = %s", run.Phase)
	}
}

func TestReleaseToAllAnnouncesStageChange(t *testing.T) {
	f := newFixture(t, domain.StorePlayStore, domain.RolloutStarted, 1)

	if _, err := f.engine.ReleaseToAll(context.Background(), "ro-1"); err != nil {
		t.Fatalf("ReleaseToAll: %v", err)
	}
	if len(f.dispatcher.signals) != 1 {
		t.Fatalf("expected one signal, got %+v", f.dispatcher.signals)
	}
	sig := f.dispatcher.signals[0]
	if sig.Kind != signal.KindRolloutStageChanged {
		t.Fatalf("kind = %s", sig.Kind)
	}
	payload, err := sig.RolloutStageChanged()
	if err != nil {
		t.Fatalf("RolloutStageChanged: %v", err)
	}
	if payload.RolloutID != "ro-1" || payload.RunID != "run-1" {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.State != string(domain.RolloutFullyReleased) {
		t.Fatalf("state = %s", payload.State)
	}
}

func TestSyncAdvancesStageFromStorePercentage(t *testing.T) {
	f := newFixture(t, domain.StorePlayStore, domain.RolloutStarted, 0)
	f.store.info = provider.ReleaseInfo{PhasedStage: 50}

	rollout, err := f.engine.SyncStoreStatus(context.Background(), "ro-1")
	if err != nil {
		t.Fatalf("SyncStoreStatus: %v", err)
	}
	if rollout.CurrentStageIndex != 1 {
		t.Fatalf("stage index = %d", rollout.CurrentStageIndex)
	}
	if got := f.stamps.reasons(); len(got) != 1 || got[0] != ReasonStageAdvanced {
		t.Fatalf("unexpected stamps %v", got)
	}
}

func TestSyncNeverRegressesStageIndex(t *testing.T) {
	f := newFixture(t, domain.StorePlayStore, domain.RolloutStarted, 2)
	f.store.info = provider.ReleaseInfo{PhasedStage: 10}

	rollout, err := f.engine.SyncStoreStatus(context.Background(), "ro-1")
	if err != nil {
		t.Fatalf("SyncStoreStatus: %v", err)
	}
	if rollout.CurrentStageIndex != 2 {
		t.Fatalf("stage index regressed to %d", rollout.CurrentStageIndex)
	}
	if got := f.stamps.reasons(); len(got) != 1 || got[0] != ReasonInSync {
		t.Fatalf("unexpected stamps %v", got)
	}
	if len(f.dispatcher.signals) != 0 {
		t.Fatalf("in-sync reconciliation must not announce, got %+v", f.dispatcher.signals)
	}
}

func TestSyncStoreHaltForcesLocalHalt(t *testing.T) {
	f := newFixture(t, domain.StoreAppStore, domain.RolloutStarted, 1)
	f.store.info = provider.ReleaseInfo{PhasedStage: 50, HaltedByStore: true}

	rollout, err := f.engine.SyncStoreStatus(context.Background(), "ro-1")
	if err != nil {
		t.Fatalf("SyncStoreStatus: %v", err)
	}
	if rollout.State != domain.RolloutHalted {
		t.Fatalf("state = %s", rollout.State)
	}
	if got := f.stamps.reasons(); len(got) != 1 || got[0] != ReasonHaltedByStore {
		t.Fatalf("unexpected stamps %v", got)
	}
}

func TestSyncCompletionAdvancesRun(t *testing.T) {
	f := newFixture(t, domain.StoreAppStore, domain.RolloutStarted, 2)
	f.store.info = provider.ReleaseInfo{PhasedStage: 100, PhasedComplete: true}

	rollout, err := f.engine.SyncStoreStatus(context.Background(), "ro-1")
	if err != nil {
		t.Fatalf("SyncStoreStatus: %v", err)
	}
	if rollout.State != domain.RolloutCompleted {
		t.Fatalf("state = %s", rollout.State)
	}
	run, err := f.runs.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Phase != domain.RunFinishing {
		t.Fatalf("run phase = %s", run.Phase)
	}
	if len(f.dispatcher.signals) != 1 || f.dispatcher.signals[0].Kind != signal.KindRolloutStageChanged {
		t.Fatalf("unexpected signals %+v", f.dispatcher.signals)
	}
}

func TestSyncSkipsHaltedRollout(t *testing.T) {
	f := newFixture(t, domain.StoreAppStore, domain.RolloutHalted, 1)
	f.store.info = provider.ReleaseInfo{PhasedStage: 100, PhasedComplete: true}

	rollout, err := f.engine.SyncStoreStatus(context.Background(), "ro-1")
	if err != nil {
		t.Fatalf("SyncStoreStatus: %v", err)
	}
	if rollout.State != domain.RolloutHalted {
		t.Fatalf("operator halt lost to sync: state = %s", rollout.State)
	}
	if len(f.store.calls) != 0 {
		t.Fatalf("expected no store calls, got %v", f.store.calls)
	}
	if len(f.stamps.stamps) != 0 {
		t.Fatalf("expected no stamps, got %v", f.stamps.reasons())
	}
}

func TestSyncPlayStoreFullExposureIsComplete(t *testing.T) {
	f := newFixture(t, domain.StorePlayStore, domain.RolloutStarted, 2)
	f.store.info = provider.ReleaseInfo{PhasedStage: 100}

	rollout, err := f.engine.SyncStoreStatus(context.Background(), "ro-1")
	if err != nil {
		t.Fatalf("SyncStoreStatus: %v", err)
	}
	if rollout.State != domain.RolloutCompleted {
		t.Fatalf("state = %s", rollout.State)
	}
}

func TestSyncAppStorePauseReflectedLocally(t *testing.T) {
	f := newFixture(t, domain.StoreAppStore, domain.RolloutStarted, 1)
	f.store.info = provider.ReleaseInfo{PhasedStage: 50, PausedByStore: true}

	rollout, err := f.engine.SyncStoreStatus(context.Background(), "ro-1")
	if err != nil {
		t.Fatalf("SyncStoreStatus: %v", err)
	}
	if rollout.State != domain.RolloutPaused {
		t.Fatalf("state = %s", rollout.State)
	}
	if got := f.stamps.reasons(); len(got) != 1 || got[0] != ReasonPaused {
		t.Fatalf("unexpected stamps %v", got)
	}
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	f := newFixture(t, domain.StoreAppStore, domain.RolloutStarted, 0)

	rollout, err := f.engine.Pause(context.Background(), "ro-1")
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if rollout.State != domain.RolloutPaused {
		t.Fatalf("state = %s", rollout.State)
	}

	rollout, err = f.engine.Resume(context.Background(), "ro-1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if rollout.State != domain.RolloutStarted {
		t.Fatalf("state = %s", rollout.State)
	}
	if got := f.stamps.reasons(); len(got) != 2 || got[0] != ReasonPaused || got[1] != ReasonResumed {
		t.Fatalf("unexpected stamps %v", got)
	}
}
