package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/railyard-labs/railyard-go/internal/domain"
)

type RolloutStore struct {
	db DB
}

func NewRolloutStore(db DB) *RolloutStore {
	if db == nil {
		return nil
	}
	return &RolloutStore{db: db}
}

const rolloutColumns = `rollout_id, run_id, submission_id, state, stages, current_stage_index, store_percentage, created_at, ended_at`

func (s *RolloutStore) CreateRollout(ctx context.Context, rollout domain.Rollout) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("rollout store not initialized")
	}
	if err := rollout.Validate(); err != nil {
		return err
	}
	stages, err := encodeStages(rollout.Stages)
	if err != nil {
		return fmt.Errorf("encode stages: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO rollouts (
			rollout_id,
			run_id,
			submission_id,
			state,
			stages,
			current_stage_index,
			store_percentage,
			created_at,
			ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		strings.TrimSpace(rollout.ID),
		strings.TrimSpace(rollout.RunID),
		strings.TrimSpace(rollout.SubmissionID),
		string(rollout.State),
		stages,
		rollout.CurrentStageIndex,
		rollout.StorePercentage,
		normalizeTime(rollout.CreatedAt),
		nullTime(rollout.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert rollout: %w", err)
	}
	return nil
}

func (s *RolloutStore) GetRollout(ctx context.Context, id string) (domain.Rollout, error) {
	if s == nil || s.db == nil {
		return domain.Rollout{}, fmt.Errorf("rollout store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Rollout{}, fmt.Errorf("rollout id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+rolloutColumns+` FROM rollouts WHERE rollout_id = $1`,
		id,
	)
	return scanRollout(row)
}

// FindActiveRollout returns the latest non-terminal rollout of a
// platform run. A halted rollout still counts as active here because it
// blocks a new rollout until superseded.
func (s *RolloutStore) FindActiveRollout(ctx context.Context, runID string) (domain.Rollout, error) {
	if s == nil || s.db == nil {
		return domain.Rollout{}, fmt.Errorf("rollout store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Rollout{}, fmt.Errorf("platform run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+rolloutColumns+`
		 FROM rollouts
		 WHERE run_id = $1 AND state NOT IN ($2, $3, $4)
		 ORDER BY created_at DESC
		 LIMIT 1`,
		runID,
		string(domain.RolloutCompleted),
		string(domain.RolloutFullyReleased),
		string(domain.RolloutSuperseded),
	)
	return scanRollout(row)
}

func (s *RolloutStore) UpdateRollout(ctx context.Context, id string, mutate func(*domain.Rollout) error) (domain.Rollout, error) {
	if s == nil || s.db == nil {
		return domain.Rollout{}, fmt.Errorf("rollout store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Rollout{}, fmt.Errorf("rollout id is required")
	}
	var out domain.Rollout
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT `+rolloutColumns+` FROM rollouts WHERE rollout_id = $1 FOR UPDATE`,
			id,
		)
		rollout, err := scanRollout(row)
		if err != nil {
			return err
		}
		if err := mutate(&rollout); err != nil {
			return err
		}
		if err := rollout.Validate(); err != nil {
			return err
		}
		stages, err := encodeStages(rollout.Stages)
		if err != nil {
			return fmt.Errorf("encode stages: %w", err)
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE rollouts
			 SET state = $1, stages = $2, current_stage_index = $3,
			     store_percentage = $4, ended_at = $5
			 WHERE rollout_id = $6`,
			string(rollout.State),
			stages,
			rollout.CurrentStageIndex,
			rollout.StorePercentage,
			nullTime(rollout.EndedAt),
			id,
		)
		if err != nil {
			return fmt.Errorf("update rollout: %w", err)
		}
		out = rollout
		return nil
	})
	if err != nil {
		return domain.Rollout{}, err
	}
	return out, nil
}

func scanRollout(row rowScanner) (domain.Rollout, error) {
	var rollout domain.Rollout
	var state string
	var stagesRaw []byte
	var endedAt sql.NullTime
	if err := row.Scan(
		&rollout.ID,
		&rollout.RunID,
		&rollout.SubmissionID,
		&state,
		&stagesRaw,
		&rollout.CurrentStageIndex,
		&rollout.StorePercentage,
		&rollout.CreatedAt,
		&endedAt,
	); err != nil {
		return domain.Rollout{}, handleNotFound(err)
	}
	stages, err := decodeStages(stagesRaw)
	if err != nil {
		return domain.Rollout{}, fmt.Errorf("decode stages: %w", err)
	}
	rollout.State = domain.NormalizeRolloutState(state)
	rollout.Stages = stages
	rollout.EndedAt = timePtr(endedAt)
	return rollout, nil
}
