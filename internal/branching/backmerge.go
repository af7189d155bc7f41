package branching

import (
	"context"
	"fmt"

	"github.com/railyard-labs/railyard-go/internal/domain"
	"github.com/railyard-labs/railyard-go/internal/provider"
)

// backmergeStrategy finalizes through an intermediate backmerge branch,
// in two pull requests, so the working branch never sees an unreviewed
// direct merge.
type backmergeStrategy struct {
	vcs provider.VcsProvider
}

func (s *backmergeStrategy) Kind() domain.BranchingStrategyKind {
	return domain.BranchingBackmerge
}

func (s *backmergeStrategy) Prepare(ctx context.Context, train domain.ReleaseTrain, release domain.Release) (string, error) {
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

func (s *backmergeStrategy) Finalize(ctx context.Context, train domain.ReleaseTrain, release domain.Release) error {
	if err := createTag(ctx, s.vcs, train.TagName(release.Version), release.Branch); err != nil {
		return err
	}
	intermediate := train.BackmergeBranch
	first := fmt.Sprintf("Backmerge release %s into %s", release.Version, intermediate)
	if err := mergeViaPullRequest(ctx, s.vcs, release.Branch, intermediate, first); err != nil {
		return err
	}
	second := fmt.Sprintf("Merge %s into %s after release %s", intermediate, train.WorkingBranch, release.Version)
	return mergeViaPullRequest(ctx, s.vcs, intermediate, train.WorkingBranch, second)
}
