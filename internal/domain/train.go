package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// BranchingStrategyKind selects the VCS workflow a train uses.
type BranchingStrategyKind string

const (
	BranchingTrunk     BranchingStrategyKind = "trunk"
	BranchingParallel  BranchingStrategyKind = "parallel"
	BranchingBackmerge BranchingStrategyKind = "backmerge"
)

// NormalizeBranchingStrategy maps free-form values to canonical kinds.
func NormalizeBranchingStrategy(value string) BranchingStrategyKind {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(BranchingTrunk), "almost_trunk", "trunk_based":
		return BranchingTrunk
	case string(BranchingParallel), "parallel_branches":
		return BranchingParallel
	case string(BranchingBackmerge), "release_backmerge":
		return BranchingBackmerge
	default:
		return ""
	}
}

// TrainPlatform configures one target platform of a train.
type TrainPlatform struct {
	Platform      Platform
	Store         StoreKind
	Workflow      string
	RolloutStages []float64
}

// ReleaseTrain is the recurring configuration for releasing one app.
type ReleaseTrain struct {
	ID              string
	App             string
	Active          bool
	WorkingBranch   string
	BackmergeBranch string
	Branching       BranchingStrategyKind
	VersionSeed     string
	SoakPeriod      time.Duration
	Platforms       []TrainPlatform
}

func (t ReleaseTrain) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("train id is required")
	}
	if strings.TrimSpace(t.App) == "" {
		return errors.New("app is required")
	}
	if strings.TrimSpace(t.WorkingBranch) == "" {
		return errors.New("working branch is required")
	}
	if NormalizeBranchingStrategy(string(t.Branching)) == "" {
		return errors.New("branching strategy is invalid")
	}
	if t.Branching == BranchingBackmerge && strings.TrimSpace(t.BackmergeBranch) == "" {
		return errors.New("backmerge branch is required for backmerge strategy")
	}
	if len(t.Platforms) == 0 {
		return errors.New("at least one platform is required")
	}
	for _, p := range t.Platforms {
		if NormalizePlatform(string(p.Platform)) == "" {
			return fmt.Errorf("platform %q is invalid", p.Platform)
		}
		if !p.Store.Valid() {
			return fmt.Errorf("store %q is invalid", p.Store)
		}
		if strings.TrimSpace(p.Workflow) == "" {
			return fmt.Errorf("workflow is required for platform %s", p.Platform)
		}
	}
	return nil
}

// HasBuildSteps reports whether the train has CI workflows to run; the
// release start guard requires it.
func (t ReleaseTrain) HasBuildSteps() bool {
	for _, p := range t.Platforms {
		if strings.TrimSpace(p.Workflow) != "" {
			return true
		}
	}
	return false
}

// PlatformConfig returns the train configuration for a platform.
func (t ReleaseTrain) PlatformConfig(platform Platform) (TrainPlatform, bool) {
	for _, p := range t.Platforms {
		if p.Platform == platform {
			return p, true
		}
	}
	return TrainPlatform{}, false
}

// ReleaseBranchName computes the branch a release is cut onto, in the
// form r/<app>/<date>.
func (t ReleaseTrain) ReleaseBranchName(date time.Time) string {
	return fmt.Sprintf("r/%s/%s", strings.TrimSpace(t.App), date.UTC().Format("2006-01-02"))
}

// TagName computes the tag recorded when a release is finalized.
func (t ReleaseTrain) TagName(version string) string {
	return "v" + strings.TrimSpace(version)
}
