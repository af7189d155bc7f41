package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/railyard-labs/railyard-go/internal/domain"
)

type PlatformRunStore struct {
	db DB
}

func NewPlatformRunStore(db DB) *PlatformRunStore {
	if db == nil {
		return nil
	}
	return &PlatformRunStore{db: db}
}

const platformRunColumns = `run_id, release_id, platform, phase, active, created_at, ended_at`

func (s *PlatformRunStore) CreateRun(ctx context.Context, run domain.PlatformRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("platform run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO platform_runs (
			run_id,
			release_id,
			platform,
			phase,
			active,
			created_at,
			ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.ReleaseID),
		string(run.Platform),
		string(run.Phase),
		run.Active,
		normalizeTime(run.CreatedAt),
		nullTime(run.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert platform run: %w", err)
	}
	return nil
}

func (s *PlatformRunStore) GetRun(ctx context.Context, id string) (domain.PlatformRun, error) {
	if s == nil || s.db == nil {
		return domain.PlatformRun{}, fmt.Errorf("platform run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PlatformRun{}, fmt.Errorf("platform run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+platformRunColumns+` FROM platform_runs WHERE run_id = $1`,
		id,
	)
	return scanPlatformRun(row)
}

func (s *PlatformRunStore) ListRunsByRelease(ctx context.Context, releaseID string) ([]domain.PlatformRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("platform run store not initialized")
	}
	releaseID = strings.TrimSpace(releaseID)
	if releaseID == "" {
		return nil, fmt.Errorf("release id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+platformRunColumns+`
		 FROM platform_runs
		 WHERE release_id = $1
		 ORDER BY platform ASC`,
		releaseID,
	)
	if err != nil {
		return nil, fmt.Errorf("list platform runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.PlatformRun, 0, 2)
	for rows.Next() {
		run, err := scanPlatformRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan platform run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list platform runs: %w", err)
	}
	return runs, nil
}

func (s *PlatformRunStore) UpdateRun(ctx context.Context, id string, mutate func(*domain.PlatformRun) error) (domain.PlatformRun, error) {
	if s == nil || s.db == nil {
		return domain.PlatformRun{}, fmt.Errorf("platform run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PlatformRun{}, fmt.Errorf("platform run id is required")
	}
	var out domain.PlatformRun
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT `+platformRunColumns+` FROM platform_runs WHERE run_id = $1 FOR UPDATE`,
			id,
		)
		run, err := scanPlatformRun(row)
		if err != nil {
			return err
		}
		if err := mutate(&run); err != nil {
			return err
		}
		if err := run.Validate(); err != nil {
			return err
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE platform_runs
			 SET phase = $1, active = $2, ended_at = $3
			 WHERE run_id = $4`,
			string(run.Phase),
			run.Active,
			nullTime(run.EndedAt),
			id,
		)
		if err != nil {
			return fmt.Errorf("update platform run: %w", err)
		}
		out = run
		return nil
	})
	if err != nil {
		return domain.PlatformRun{}, err
	}
	return out, nil
}

func scanPlatformRun(row rowScanner) (domain.PlatformRun, error) {
	var run domain.PlatformRun
	var platform, phase string
	var endedAt sql.NullTime
	if err := row.Scan(
		&run.ID,
		&run.ReleaseID,
		&platform,
		&phase,
		&run.Active,
		&run.CreatedAt,
		&endedAt,
	); err != nil {
		return domain.PlatformRun{}, handleNotFound(err)
	}
	run.Platform = domain.NormalizePlatform(platform)
	run.Phase = domain.NormalizeRunPhase(phase)
	run.EndedAt = timePtr(endedAt)
	return run, nil
}
