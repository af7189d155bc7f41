package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/railyard-labs/railyard-go/internal/domain"
	"github.com/railyard-labs/railyard-go/internal/repo"
)

type ReleaseStore struct {
	db DB
}

func NewReleaseStore(db DB) *ReleaseStore {
	if db == nil {
		return nil
	}
	return &ReleaseStore{db: db}
}

const releaseColumns = `release_id, train_id, version, phase, branch, tag, hotfix, scheduled_at, created_at, completed_at`

func (s *ReleaseStore) CreateRelease(ctx context.Context, release domain.Release) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("release store not initialized")
	}
	if err := release.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO releases (
			release_id,
			train_id,
			version,
			phase,
			branch,
			tag,
			hotfix,
			scheduled_at,
			created_at,
			completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		strings.TrimSpace(release.ID),
		strings.TrimSpace(release.TrainID),
		strings.TrimSpace(release.Version),
		string(release.Phase),
		nullIfEmpty(release.Branch),
		nullIfEmpty(release.Tag),
		release.Hotfix,
		normalizeTime(release.ScheduledAt),
		normalizeTime(release.CreatedAt),
		nullTime(release.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert release: %w", err)
	}
	return nil
}

func (s *ReleaseStore) GetRelease(ctx context.Context, id string) (domain.Release, error) {
	if s == nil || s.db == nil {
		return domain.Release{}, fmt.Errorf("release store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Release{}, fmt.Errorf("release id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+releaseColumns+` FROM releases WHERE release_id = $1`,
		id,
	)
	return scanRelease(row)
}

// FindOpenRelease returns the single non-terminal release of a train.
func (s *ReleaseStore) FindOpenRelease(ctx context.Context, trainID string) (domain.Release, error) {
	if s == nil || s.db == nil {
		return domain.Release{}, fmt.Errorf("release store not initialized")
	}
	trainID = strings.TrimSpace(trainID)
	if trainID == "" {
		return domain.Release{}, fmt.Errorf("train id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+releaseColumns+`
		 FROM releases
		 WHERE train_id = $1 AND phase NOT IN ($2, $3)
		 ORDER BY created_at DESC
		 LIMIT 1`,
		trainID,
		string(domain.ReleaseFinished),
		string(domain.ReleaseStopped),
	)
	return scanRelease(row)
}

func (s *ReleaseStore) ListReleases(ctx context.Context, filter repo.ReleaseFilter) ([]domain.Release, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("release store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if strings.TrimSpace(filter.TrainID) != "" {
		args = append(args, strings.TrimSpace(filter.TrainID))
		clauses = append(clauses, fmt.Sprintf("train_id = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Phase) != "" {
		args = append(args, strings.TrimSpace(filter.Phase))
		clauses = append(clauses, fmt.Sprintf("phase = $%d", len(args)))
	}

	query := `SELECT ` + releaseColumns + ` FROM releases`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	defer rows.Close()

	releases := make([]domain.Release, 0)
	for rows.Next() {
		release, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan release: %w", err)
		}
		releases = append(releases, release)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	return releases, nil
}

// UpdateRelease applies mutate under an exclusive row lock so a
// concurrently delivered duplicate signal cannot apply the same
// transition twice.
func (s *ReleaseStore) UpdateRelease(ctx context.Context, id string, mutate func(*domain.Release) error) (domain.Release, error) {
	if s == nil || s.db == nil {
		return domain.Release{}, fmt.Errorf("release store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Release{}, fmt.Errorf("release id is required")
	}
	var out domain.Release
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT `+releaseColumns+` FROM releases WHERE release_id = $1 FOR UPDATE`,
			id,
		)
		release, err := scanRelease(row)
		if err != nil {
			return err
		}
		if err := mutate(&release); err != nil {
			return err
		}
		if err := release.Validate(); err != nil {
			return err
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE releases
			 SET version = $1, phase = $2, branch = $3, tag = $4, completed_at = $5
			 WHERE release_id = $6`,
			strings.TrimSpace(release.Version),
			string(release.Phase),
			nullIfEmpty(release.Branch),
			nullIfEmpty(release.Tag),
			nullTime(release.CompletedAt),
			id,
		)
		if err != nil {
			return fmt.Errorf("update release: %w", err)
		}
		out = release
		return nil
	})
	if err != nil {
		return domain.Release{}, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelease(row rowScanner) (domain.Release, error) {
	var release domain.Release
	var branch, tag sql.NullString
	var completedAt sql.NullTime
	var phase string
	if err := row.Scan(
		&release.ID,
		&release.TrainID,
		&release.Version,
		&phase,
		&branch,
		&tag,
		&release.Hotfix,
		&release.ScheduledAt,
		&release.CreatedAt,
		&completedAt,
	); err != nil {
		return domain.Release{}, handleNotFound(err)
	}
	release.Phase = domain.NormalizeReleasePhase(phase)
	release.Branch = branch.String
	release.Tag = tag.String
	release.CompletedAt = timePtr(completedAt)
	return release, nil
}
