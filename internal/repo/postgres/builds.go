package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/railyard-labs/railyard-go/internal/domain"
)

type BuildStore struct {
	db DB
}

func NewBuildStore(db DB) *BuildStore {
	if db == nil {
		return nil
	}
	return &BuildStore{db: db}
}

const buildColumns = `build_id, run_id, commit_sha, version_name, version_code, state, workflow_id, workflow_link, artifact_key, created_at, ended_at`

func (s *BuildStore) CreateBuild(ctx context.Context, build domain.Build) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("build store not initialized")
	}
	if err := build.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO builds (
			build_id,
			run_id,
			commit_sha,
			version_name,
			version_code,
			state,
			workflow_id,
			workflow_link,
			artifact_key,
			created_at,
			ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		strings.TrimSpace(build.ID),
		strings.TrimSpace(build.RunID),
		strings.TrimSpace(build.CommitSHA),
		nullIfEmpty(build.VersionName),
		nullIfEmpty(build.VersionCode),
		string(build.State),
		nullIfEmpty(build.WorkflowID),
		nullIfEmpty(build.WorkflowLink),
		nullIfEmpty(build.ArtifactKey),
		normalizeTime(build.CreatedAt),
		nullTime(build.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	return nil
}

func (s *BuildStore) GetBuild(ctx context.Context, id string) (domain.Build, error) {
	if s == nil || s.db == nil {
		return domain.Build{}, fmt.Errorf("build store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Build{}, fmt.Errorf("build id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+buildColumns+` FROM builds WHERE build_id = $1`,
		id,
	)
	return scanBuild(row)
}

// FindBuildByWorkflow correlates a workflow_run signal to its build.
func (s *BuildStore) FindBuildByWorkflow(ctx context.Context, workflowID string) (domain.Build, error) {
	if s == nil || s.db == nil {
		return domain.Build{}, fmt.Errorf("build store not initialized")
	}
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return domain.Build{}, fmt.Errorf("workflow id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+buildColumns+` FROM builds WHERE workflow_id = $1 ORDER BY created_at DESC LIMIT 1`,
		workflowID,
	)
	return scanBuild(row)
}

func (s *BuildStore) ListBuildsByRun(ctx context.Context, runID string) ([]domain.Build, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("build store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("platform run id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+buildColumns+`
		 FROM builds
		 WHERE run_id = $1
		 ORDER BY created_at ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	builds := make([]domain.Build, 0)
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		builds = append(builds, build)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	return builds, nil
}

func (s *BuildStore) UpdateBuild(ctx context.Context, id string, mutate func(*domain.Build) error) (domain.Build, error) {
	if s == nil || s.db == nil {
		return domain.Build{}, fmt.Errorf("build store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Build{}, fmt.Errorf("build id is required")
	}
	var out domain.Build
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT `+buildColumns+` FROM builds WHERE build_id = $1 FOR UPDATE`,
			id,
		)
		build, err := scanBuild(row)
		if err != nil {
			return err
		}
		if err := mutate(&build); err != nil {
			return err
		}
		if err := build.Validate(); err != nil {
			return err
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE builds
			 SET version_name = $1, version_code = $2, state = $3, workflow_id = $4,
			     workflow_link = $5, artifact_key = $6, ended_at = $7
			 WHERE build_id = $8`,
			nullIfEmpty(build.VersionName),
			nullIfEmpty(build.VersionCode),
			string(build.State),
			nullIfEmpty(build.WorkflowID),
			nullIfEmpty(build.WorkflowLink),
			nullIfEmpty(build.ArtifactKey),
			nullTime(build.EndedAt),
			id,
		)
		if err != nil {
			return fmt.Errorf("update build: %w", err)
		}
		out = build
		return nil
	})
	if err != nil {
		return domain.Build{}, err
	}
	return out, nil
}

func scanBuild(row rowScanner) (domain.Build, error) {
	var build domain.Build
	var versionName, versionCode, workflowID, workflowLink, artifactKey sql.NullString
	var state string
	var endedAt sql.NullTime
	if err := row.Scan(
		&build.ID,
		&build.RunID,
		&build.CommitSHA,
		&versionName,
		&versionCode,
		&state,
		&workflowID,
		&workflowLink,
		&artifactKey,
		&build.CreatedAt,
		&endedAt,
	); err != nil {
		return domain.Build{}, handleNotFound(err)
	}
	build.State = domain.NormalizeBuildState(state)
	build.VersionName = versionName.String
	build.VersionCode = versionCode.String
	build.WorkflowID = workflowID.String
	build.WorkflowLink = workflowLink.String
	build.ArtifactKey = artifactKey.String
	build.EndedAt = timePtr(endedAt)
	return build, nil
}
