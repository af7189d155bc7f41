// Package config loads release train definitions from a YAML file.
// Trains are operator-managed configuration, not runtime state; the
// orchestrator reads them once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/railyard-labs/railyard-go/internal/domain"
)

// File is the top-level shape of a train configuration file.
type File struct {
	Trains []Train `yaml:"trains"`
}

// Train is the YAML shape of one release train.
type Train struct {
	ID              string     `yaml:"id"`
	App             string     `yaml:"app"`
	Active          bool       `yaml:"active"`
	WorkingBranch   string     `yaml:"working_branch"`
	BackmergeBranch string     `yaml:"backmerge_branch"`
	Branching       string     `yaml:"branching"`
	VersionSeed     string     `yaml:"version_seed"`
	SoakPeriod      string     `yaml:"soak_period"`
	Platforms       []Platform `yaml:"platforms"`
}

// Platform is the YAML shape of one train platform target.
type Platform struct {
	Platform      string    `yaml:"platform"`
	Store         string    `yaml:"store"`
	Workflow      string    `yaml:"workflow"`
	RolloutStages []float64 `yaml:"rollout_stages"`
}

// Load reads and validates a train configuration file.
func Load(path string) ([]domain.ReleaseTrain, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes train configuration from YAML bytes.
func Parse(data []byte) ([]domain.ReleaseTrain, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(file.Trains) == 0 {
		return nil, errors.New("config defines no trains")
	}

	trains := make([]domain.ReleaseTrain, 0, len(file.Trains))
	seen := make(map[string]struct{}, len(file.Trains))
	for i, raw := range file.Trains {
		train, err := raw.toDomain()
		if err != nil {
			return nil, fmt.Errorf("train %d (%s): %w", i, raw.ID, err)
		}
		if _, ok := seen[train.ID]; ok {
			return nil, fmt.Errorf("train id %q is duplicated", train.ID)
		}
		seen[train.ID] = struct{}{}
		trains = append(trains, train)
	}
	return trains, nil
}

func (t Train) toDomain() (domain.ReleaseTrain, error) {
	var soak time.Duration
	if strings.TrimSpace(t.SoakPeriod) != "" {
		parsed, err := time.ParseDuration(strings.TrimSpace(t.SoakPeriod))
		if err != nil {
			return domain.ReleaseTrain{}, fmt.Errorf("soak_period: %w", err)
		}
		if parsed < 0 {
			return domain.ReleaseTrain{}, errors.New("soak_period must be >= 0")
		}
		soak = parsed
	}

	platforms := make([]domain.TrainPlatform, 0, len(t.Platforms))
	for _, p := range t.Platforms {
		stages, err := normalizeStages(p.RolloutStages)
		if err != nil {
			return domain.ReleaseTrain{}, fmt.Errorf("platform %s: %w", p.Platform, err)
		}
		platforms = append(platforms, domain.TrainPlatform{
			Platform:      domain.NormalizePlatform(p.Platform),
			Store:         domain.StoreKind(strings.ToLower(strings.TrimSpace(p.Store))),
			Workflow:      strings.TrimSpace(p.Workflow),
			RolloutStages: stages,
		})
	}

	train := domain.ReleaseTrain{
		ID:              strings.TrimSpace(t.ID),
		App:             strings.TrimSpace(t.App),
		Active:          t.Active,
		WorkingBranch:   strings.TrimSpace(t.WorkingBranch),
		BackmergeBranch: strings.TrimSpace(t.BackmergeBranch),
		Branching:       domain.NormalizeBranchingStrategy(t.Branching),
		VersionSeed:     strings.TrimSpace(t.VersionSeed),
		SoakPeriod:      soak,
		Platforms:       platforms,
	}
	if err := train.Validate(); err != nil {
		return domain.ReleaseTrain{}, err
	}
	return train, nil
}

// normalizeStages enforces strictly increasing percentages in (0, 100].
func normalizeStages(stages []float64) ([]float64, error) {
	if len(stages) == 0 {
		return nil, nil
	}
	previous := 0.0
	out := make([]float64, 0, len(stages))
	for _, stage := range stages {
		if stage <= previous {
			return nil, fmt.Errorf("rollout_stages must be strictly increasing, got %v", stages)
		}
		if stage > 100 {
			return nil, fmt.Errorf("rollout stage %v exceeds 100", stage)
		}
		previous = stage
		out = append(out, stage)
	}
	if out[len(out)-1] != 100 {
		return nil, errors.New("last rollout stage must be 100")
	}
	return out, nil
}
