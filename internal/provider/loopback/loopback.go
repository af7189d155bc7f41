// Package loopback implements the provider contracts in memory. It
// backs local development and end-to-end runs, where triggering real CI
// or talking to a real store console is not an option. Behavior is
// deterministic: workflows complete successfully, reviews approve on
// the next poll, rollout state mutates exactly as requested.
package loopback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/railyard-labs/railyard-go/internal/domain"
	"github.com/railyard-labs/railyard-go/internal/provider"
)

// Ci simulates a CI system. Triggered workflows are immediately
// complete and successful.
type Ci struct {
	mu       sync.Mutex
	runs     map[string]provider.RunStatus
	Artifact []byte
}

func NewCi() *Ci {
	return &Ci{
		runs:     map[string]provider.RunStatus{},
		Artifact: []byte("loopback-artifact"),
	}
}

func (c *Ci) Trigger(ctx context.Context, workflow, ref string, inputs map[string]string) (provider.RunHandle, error) {
	if strings.TrimSpace(workflow) == "" {
		return provider.RunHandle{}, provider.Config(provider.CodeDispatchMissing,
			fmt.Errorf("workflow is required"))
	}
	handle := provider.RunHandle{
		ID:       uuid.NewString(),
		Workflow: workflow,
		Ref:      ref,
		Link:     "loopback://runs/" + workflow,
	}
	c.mu.Lock()
	c.runs[handle.ID] = provider.RunStatus{
		Handle:     handle,
		Status:     provider.RunStatusCompleted,
		Conclusion: provider.RunConclusionSuccess,
	}
	c.mu.Unlock()
	return handle, nil
}

func (c *Ci) Find(ctx context.Context, handle provider.RunHandle) (provider.RunStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.runs[handle.ID]
	if !ok {
		return provider.RunStatus{}, provider.Terminal(provider.CodeRunNotFound,
			fmt.Errorf("run %s not found", handle.ID))
	}
	return status, nil
}

func (c *Ci) Cancel(ctx context.Context, handle provider.RunHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.runs[handle.ID]
	if !ok {
		return provider.Terminal(provider.CodeRunNotFound,
			fmt.Errorf("run %s not found", handle.ID))
	}
	if status.Finished() {
		return provider.Terminal(provider.CodeRunNotRunnable,
			fmt.Errorf("run %s already finished", handle.ID))
	}
	status.Status = provider.RunStatusCompleted
	status.Conclusion = provider.RunConclusionCancelled
	c.runs[handle.ID] = status
	return nil
}

func (c *Ci) FetchArtifact(ctx context.Context, handle provider.RunHandle) (io.ReadCloser, error) {
	c.mu.Lock()
	_, ok := c.runs[handle.ID]
	c.mu.Unlock()
	if !ok {
		return nil, provider.Terminal(provider.CodeArtifactNotFound,
			fmt.Errorf("run %s has no artifact", handle.ID))
	}
	return io.NopCloser(bytes.NewReader(c.Artifact)), nil
}

type storeRelease struct {
	info      provider.ReleaseInfo
	submitted bool
}

// Store simulates one distribution channel. App store releases require
// a submit before approval; everything else approves on prepare.
type Store struct {
	kind domain.StoreKind

	mu       sync.Mutex
	releases map[string]*storeRelease
	current  string
}

func NewStore(kind domain.StoreKind) *Store {
	return &Store{kind: kind, releases: map[string]*storeRelease{}}
}

func (s *Store) Kind() domain.StoreKind { return s.kind }

func (s *Store) FindBuild(ctx context.Context, buildNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.releases[buildNumber]; !ok {
		return provider.Terminal(provider.CodeBuildNotFound,
			fmt.Errorf("build %s not in store", buildNumber))
	}
	return nil
}

func (s *Store) PrepareRelease(ctx context.Context, buildNumber, version string, phased bool, metadata domain.Metadata, force bool) (provider.ReleaseInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.releases[buildNumber]; ok && !force {
		return existing.info, provider.Terminal(provider.CodeReleaseAlreadyExists,
			fmt.Errorf("release for build %s already exists", buildNumber))
	}
	review := provider.ReviewApproved
	if s.kind.RequiresReview() {
		review = ""
	}
	release := &storeRelease{
		info: provider.ReleaseInfo{
			BuildNumber: buildNumber,
			Version:     version,
			ReviewState: review,
		},
	}
	s.releases[buildNumber] = release
	return release.info, nil
}

func (s *Store) SubmitRelease(ctx context.Context, buildNumber, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, ok := s.releases[buildNumber]
	if !ok {
		return provider.Terminal(provider.CodeReleaseNotFound,
			fmt.Errorf("release for build %s not found", buildNumber))
	}
	release.submitted = true
	release.info.ReviewState = provider.ReviewWaiting
	return nil
}

func (s *Store) StartRelease(ctx context.Context, buildNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, ok := s.releases[buildNumber]
	if !ok {
		return provider.Terminal(provider.CodeReleaseNotFound,
			fmt.Errorf("release for build %s not found", buildNumber))
	}
	release.info.CurrentlyLive = true
	s.current = buildNumber
	return nil
}

func (s *Store) SetRolloutStage(ctx context.Context, buildNumber string, percentage float64) (provider.ReleaseInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, ok := s.releases[buildNumber]
	if !ok {
		return provider.ReleaseInfo{}, provider.Terminal(provider.CodeReleaseNotFound,
			fmt.Errorf("release for build %s not found", buildNumber))
	}
	release.info.PhasedStage = percentage
	if percentage >= 100 {
		release.info.PhasedComplete = true
	}
	return release.info, nil
}

func (s *Store) FindRelease(ctx context.Context, buildNumber string) (provider.ReleaseInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, ok := s.releases[buildNumber]
	if !ok {
		return provider.ReleaseInfo{}, provider.Terminal(provider.CodeReleaseNotFound,
			fmt.Errorf("release for build %s not found", buildNumber))
	}
	// Reviews approve on the poll after submission.
	if release.submitted && release.info.WaitingForReview() {
		release.info.ReviewState = provider.ReviewApproved
	}
	return release.info, nil
}

func (s *Store) FindLiveRelease(ctx context.Context) (provider.ReleaseInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		return provider.ReleaseInfo{}, provider.Terminal(provider.CodeReleaseNotFound,
			fmt.Errorf("no live release"))
	}
	return s.releases[s.current].info, nil
}

func (s *Store) PausePhasedRelease(ctx context.Context) (provider.ReleaseInfo, error) {
	return s.mutateCurrent(func(info *provider.ReleaseInfo) { info.PausedByStore = true })
}

func (s *Store) ResumePhasedRelease(ctx context.Context) (provider.ReleaseInfo, error) {
	return s.mutateCurrent(func(info *provider.ReleaseInfo) { info.PausedByStore = false })
}

func (s *Store) HaltPhasedRelease(ctx context.Context) (provider.ReleaseInfo, error) {
	return s.mutateCurrent(func(info *provider.ReleaseInfo) {
		info.HaltedByStore = true
		info.CurrentlyLive = false
	})
}

func (s *Store) CompletePhasedRelease(ctx context.Context) (provider.ReleaseInfo, error) {
	return s.mutateCurrent(func(info *provider.ReleaseInfo) {
		info.PhasedStage = 100
		info.PhasedComplete = true
	})
}

func (s *Store) mutateCurrent(mutate func(*provider.ReleaseInfo)) (provider.ReleaseInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		return provider.ReleaseInfo{}, provider.Terminal(provider.CodeReleaseNotFound,
			fmt.Errorf("no live release"))
	}
	release := s.releases[s.current]
	mutate(&release.info)
	return release.info, nil
}

// Vcs simulates version control refs.
type Vcs struct {
	mu       sync.Mutex
	branches map[string]string
	tags     map[string]string
	pulls    []provider.PullRequest
}

func NewVcs(defaultBranch string) *Vcs {
	return &Vcs{
		branches: map[string]string{defaultBranch: "HEAD"},
		tags:     map[string]string{},
	}
}

func (v *Vcs) CreateBranch(ctx context.Context, name, fromRef string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.branches[name]; ok {
		return provider.Terminal(provider.CodeBranchAlreadyExists,
			fmt.Errorf("branch %s already exists", name))
	}
	v.branches[name] = fromRef
	return nil
}

func (v *Vcs) BranchExists(ctx context.Context, name string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.branches[name]
	return ok, nil
}

func (v *Vcs) CreateTag(ctx context.Context, name, ref string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.tags[name]; ok {
		return provider.Terminal(provider.CodeTagAlreadyExists,
			fmt.Errorf("tag %s already exists", name))
	}
	v.tags[name] = ref
	return nil
}

func (v *Vcs) CreatePullRequest(ctx context.Context, source, target, title string) (provider.PullRequest, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, pull := range v.pulls {
		if pull.Source == source && pull.Target == target {
			return pull, provider.Terminal(provider.CodePullAlreadyExists,
				fmt.Errorf("pull request %s -> %s already exists", source, target))
		}
	}
	pull := provider.PullRequest{
		Number: len(v.pulls) + 1,
		Title:  title,
		Source: source,
		Target: target,
	}
	v.pulls = append(v.pulls, pull)
	return pull, nil
}

func (v *Vcs) MergePullRequest(ctx context.Context, number int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if number < 1 || number > len(v.pulls) {
		return provider.Terminal(provider.CodeRunNotFound,
			fmt.Errorf("pull request %d not found", number))
	}
	return nil
}

func (v *Vcs) LatestReleaseTag(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	latest := ""
	for tag := range v.tags {
		if latest == "" || tag > latest {
			latest = tag
		}
	}
	return latest, nil
}

// Register binds loopback constructors under the "loopback" kind for
// every store kind.
func Register(registry *provider.Registry, defaultBranch string) {
	registry.RegisterCi("loopback", func() (provider.CiProvider, error) {
		return NewCi(), nil
	})
	registry.RegisterVcs("loopback", func() (provider.VcsProvider, error) {
		return NewVcs(defaultBranch), nil
	})
	for _, kind := range []domain.StoreKind{domain.StoreAppStore, domain.StorePlayStore, domain.StoreFirebase} {
		registry.RegisterStore(kind, func() (provider.StoreProvider, error) {
			return NewStore(kind), nil
		})
	}
}
