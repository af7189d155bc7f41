package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/railyard-labs/railyard-go/internal/domain"
)

type SubmissionStore struct {
	db DB
}

func NewSubmissionStore(db DB) *SubmissionStore {
	if db == nil {
		return nil
	}
	return &SubmissionStore{db: db}
}

const submissionColumns = `submission_id, run_id, build_id, store, state, sequence, failure_code, created_at, ended_at`

func (s *SubmissionStore) CreateSubmission(ctx context.Context, submission domain.Submission) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("submission store not initialized")
	}
	if err := submission.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO submissions (
			submission_id,
			run_id,
			build_id,
			store,
			state,
			sequence,
			failure_code,
			created_at,
			ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		strings.TrimSpace(submission.ID),
		strings.TrimSpace(submission.RunID),
		strings.TrimSpace(submission.BuildID),
		string(submission.Store),
		string(submission.State),
		submission.Sequence,
		nullIfEmpty(submission.FailureCode),
		normalizeTime(submission.CreatedAt),
		nullTime(submission.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s *SubmissionStore) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	if s == nil || s.db == nil {
		return domain.Submission{}, fmt.Errorf("submission store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Submission{}, fmt.Errorf("submission id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE submission_id = $1`,
		id,
	)
	return scanSubmission(row)
}

// FindActiveSubmission returns the latest non-terminal submission of a
// platform run. At most one submission is in flight per run at a time.
func (s *SubmissionStore) FindActiveSubmission(ctx context.Context, runID string) (domain.Submission, error) {
	if s == nil || s.db == nil {
		return domain.Submission{}, fmt.Errorf("submission store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Submission{}, fmt.Errorf("platform run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+submissionColumns+`
		 FROM submissions
		 WHERE run_id = $1 AND state NOT IN ($2, $3, $4, $5)
		 ORDER BY sequence DESC
		 LIMIT 1`,
		runID,
		string(domain.SubmissionFinished),
		string(domain.SubmissionCancelled),
		string(domain.SubmissionFailed),
		string(domain.SubmissionActionRequired),
	)
	return scanSubmission(row)
}

func (s *SubmissionStore) ListSubmissionsByRun(ctx context.Context, runID string) ([]domain.Submission, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("submission store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("platform run id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+submissionColumns+`
		 FROM submissions
		 WHERE run_id = $1
		 ORDER BY sequence ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	submissions := make([]domain.Submission, 0)
	for rows.Next() {
		submission, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		submissions = append(submissions, submission)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return submissions, nil
}

func (s *SubmissionStore) UpdateSubmission(ctx context.Context, id string, mutate func(*domain.Submission) error) (domain.Submission, error) {
	if s == nil || s.db == nil {
		return domain.Submission{}, fmt.Errorf("submission store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Submission{}, fmt.Errorf("submission id is required")
	}
	var out domain.Submission
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT `+submissionColumns+` FROM submissions WHERE submission_id = $1 FOR UPDATE`,
			id,
		)
		submission, err := scanSubmission(row)
		if err != nil {
			return err
		}
		if err := mutate(&submission); err != nil {
			return err
		}
		if err := submission.Validate(); err != nil {
			return err
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE submissions
			 SET state = $1, failure_code = $2, ended_at = $3
			 WHERE submission_id = $4`,
			string(submission.State),
			nullIfEmpty(submission.FailureCode),
			nullTime(submission.EndedAt),
			id,
		)
		if err != nil {
			return fmt.Errorf("update submission: %w", err)
		}
		out = submission
		return nil
	})
	if err != nil {
		return domain.Submission{}, err
	}
	return out, nil
}

func scanSubmission(row rowScanner) (domain.Submission, error) {
	var submission domain.Submission
	var store, state string
	var failureCode sql.NullString
	var endedAt sql.NullTime
	if err := row.Scan(
		&submission.ID,
		&submission.RunID,
		&submission.BuildID,
		&store,
		&state,
		&submission.Sequence,
		&failureCode,
		&submission.CreatedAt,
		&endedAt,
	); err != nil {
		return domain.Submission{}, handleNotFound(err)
	}
	submission.Store = domain.StoreKind(store)
	submission.State = domain.NormalizeSubmissionState(state)
	submission.FailureCode = failureCode.String
	submission.EndedAt = timePtr(endedAt)
	return submission, nil
}
