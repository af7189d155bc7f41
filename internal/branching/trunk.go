package branching

import (
	"context"
	"fmt"

	"github.com/railyard-labs/railyard-go/internal/domain"
	"github.com/railyard-labs/railyard-go/internal/provider"
)

// trunkStrategy is the "almost trunk" workflow: the release branch is
// cut from the working branch at kickoff and merged back once the
// release finishes.
type trunkStrategy struct {
	vcs provider.VcsProvider
}

func (s *trunkStrategy) Kind() domain.BranchingStrategyKind {
	return domain.BranchingTrunk
}

func (s *trunkStrategy) Prepare(ctx context.Context, train domain.ReleaseTrain, release domain.Release) (string, error) {
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

func (s *trunkStrategy) Finalize(ctx context.Context, train domain.ReleaseTrain, release domain.Release) error {
	if err := createTag(ctx, s.vcs, train.TagName(release.Version), release.Branch); err != nil {
		return err
	}
	title := fmt.Sprintf("Merge release %s back into %s", release.Version, train.WorkingBranch)
	return mergeViaPullRequest(ctx, s.vcs, release.Branch, train.WorkingBranch, title)
}
