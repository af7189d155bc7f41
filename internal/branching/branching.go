// Package branching implements the pluggable pre-release and
// post-release VCS strategies a train can use. Finalize operations are
// retried after partial failures, so every strategy treats already-exists
// answers from the VCS as idempotent successes.
package branching

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/railyard-labs/railyard-go/internal/domain"
	"github.com/railyard-labs/railyard-go/internal/provider"
)

// Strategy prepares the release branch at kickoff and finalizes the VCS
// state once the release finishes.
type Strategy interface {
	Kind() domain.BranchingStrategyKind
	Prepare(ctx context.Context, train domain.ReleaseTrain, release domain.Release) (string, error)
	Finalize(ctx context.Context, train domain.ReleaseTrain, release domain.Release) error
}

// ForTrain selects the strategy configured on the train.
func ForTrain(train domain.ReleaseTrain, vcs provider.VcsProvider) (Strategy, error) {
	if vcs == nil {
		return nil, errors.New("vcs provider is required")
	}
	switch domain.NormalizeBranchingStrategy(string(train.Branching)) {
	case domain.BranchingTrunk:
		return &trunkStrategy{vcs: vcs}, nil
	case domain.BranchingParallel:
		return &parallelStrategy{vcs: vcs}, nil
	case domain.BranchingBackmerge:
		return &backmergeStrategy{vcs: vcs}, nil
	default:
		return nil, provider.Config(provider.CodeParameterInvalid, fmt.Errorf("unsupported branching strategy %q", train.Branching))
	}
}

// cutBranch creates the release branch from the given ref, tolerating a
// branch left behind by an earlier partial attempt.
func cutBranch(ctx context.Context, vcs provider.VcsProvider, name, fromRef string) error {
	exists, err := vcs.BranchExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check branch %s: %w", name, err)
	}
	if exists {
		return nil
	}
	if err := vcs.CreateBranch(ctx, name, fromRef); err != nil {
		if ignorableExists(err) {
			return nil
		}
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

func createTag(ctx context.Context, vcs provider.VcsProvider, name, ref string) error {
	if err := vcs.CreateTag(ctx, name, ref); err != nil {
		if ignorableExists(err) {
			return nil
		}
		return fmt.Errorf("create tag %s: %w", name, err)
	}
	return nil
}

// mergeViaPullRequest opens and merges a PR from source into target. A
// PR already open for the pair means an earlier attempt got that far;
// the merge is skipped and the retry is a success.
func mergeViaPullRequest(ctx context.Context, vcs provider.VcsProvider, source, target, title string) error {
	pr, err := vcs.CreatePullRequest(ctx, source, target, title)
	if err != nil {
		if ignorableExists(err) {
			return nil
		}
		return fmt.Errorf("open pull request %s -> %s: %w", source, target, err)
	}
	if err := vcs.MergePullRequest(ctx, pr.Number); err != nil {
		if ignorableExists(err) {
			return nil
		}
		return fmt.Errorf("merge pull request #%d: %w", pr.Number, err)
	}
	return nil
}

func ignorableExists(err error) bool {
	switch provider.CodeOf(err) {
	case provider.CodeBranchAlreadyExists, provider.CodeTagAlreadyExists, provider.CodePullAlreadyExists, provider.CodeReleaseAlreadyExists:
		return true
	default:
		return false
	}
}

// baseRef returns the ref a release branch is cut from: the working
// branch, or the last release tag for a hotfix.
func baseRef(ctx context.Context, vcs provider.VcsProvider, train domain.ReleaseTrain, release domain.Release) (string, error) {
	if !release.Hotfix {
		return train.WorkingBranch, nil
	}
	tag, err := vcs.LatestReleaseTag(ctx)
	if err != nil {
		return "", fmt.Errorf("find last release tag: %w", err)
	}
	if strings.TrimSpace(tag) == "" {
		return "", provider.Config(provider.CodeParameterInvalid, errors.New("hotfix requires a previous release tag"))
	}
	return tag, nil
}
