package branching

import (
	"context"
	"fmt"

	"github.com/railyard-labs/railyard-go/internal/domain"
	"github.com/railyard-labs/railyard-go/internal/provider"
)

// parallelStrategy keeps the release branch ahead of the working branch
// throughout the release; finalize merges it forward first, then tags.
type parallelStrategy struct {
	vcs provider.VcsProvider
}

func (s *parallelStrategy) Kind() domain.BranchingStrategyKind {
	return domain.BranchingParallel
}

func (s *parallelStrategy) Prepare(ctx context.Context, train domain.ReleaseTrain, release domain.Release) (string, error) {
	from, err := baseRef(ctx, s.vcs, train, release)
	if err != nil {
		return "", err
	}
	branch := release.Branch
	if branch == "" {
		branch = train.ReleaseBranchName(release.CreatedAt)
	}
	if err := cutBranch(ctx, s.vcs, branch, from); err != nil {
		return "", err
	}
	return branch, nil
}

func (s *parallelStrategy) Finalize(ctx context.Context, train domain.ReleaseTrain, release domain.Release) error {
	title := fmt.Sprintf("Merge release %s forward into %s", release.Version, train.WorkingBranch)
	if err := mergeViaPullRequest(ctx, s.vcs, release.Branch, train.WorkingBranch, title); err != nil {
		return err
	}
	return createTag(ctx, s.vcs, train.TagName(release.Version), release.Branch)
}
