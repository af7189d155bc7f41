package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/railyard-labs/railyard-go/internal/domain"
	"github.com/railyard-labs/railyard-go/internal/repo"
)

// StampStore is the append-only timeline. Rows are never updated or
// deleted; AppendSignal additionally deduplicates on the signal hash so
// a re-delivered signal leaves exactly one stamp behind.
type StampStore struct {
	db DB
}

func NewStampStore(db DB) *StampStore {
	if db == nil {
		return nil
	}
	return &StampStore{db: db}
}

const stampColumns = `stamp_id, occurred_at, kind, reason, owner_type, owner_id, signal_sha256, payload, integrity_sha256`

func (s *StampStore) Append(ctx context.Context, stamp domain.Stamp) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("stamp store not initialized")
	}
	if stamp.OccurredAt.IsZero() {
		stamp.OccurredAt = time.Now().UTC()
	}
	if err := stamp.Validate(); err != nil {
		return 0, err
	}

	payloadJSON, err := encodeMetadata(stamp.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	integrity, err := computeStampIntegrity(stamp, payloadJSON)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRowContext(
		ctx,
		`INSERT INTO stamps (
			occurred_at,
			kind,
			reason,
			owner_type,
			owner_id,
			signal_sha256,
			payload,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING stamp_id`,
		stamp.OccurredAt.UTC(),
		string(stamp.Kind),
		strings.TrimSpace(stamp.Reason),
		strings.TrimSpace(stamp.OwnerType),
		strings.TrimSpace(stamp.OwnerID),
		nullIfEmpty(strings.TrimSpace(stamp.SignalSHA256)),
		payloadJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert stamp: %w", err)
	}
	return id, nil
}

// AppendSignal records a signal-driven stamp at most once per
// (owner, signal hash). The inserted flag is false when the same signal
// was already stamped, which callers treat as "already applied".
func (s *StampStore) AppendSignal(ctx context.Context, stamp domain.Stamp) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, fmt.Errorf("stamp store not initialized")
	}
	if strings.TrimSpace(stamp.SignalSHA256) == "" {
		return 0, false, fmt.Errorf("signal hash is required")
	}
	if stamp.OccurredAt.IsZero() {
		stamp.OccurredAt = time.Now().UTC()
	}
	if err := stamp.Validate(); err != nil {
		return 0, false, err
	}

	payloadJSON, err := encodeMetadata(stamp.Payload)
	if err != nil {
		return 0, false, fmt.Errorf("marshal payload: %w", err)
	}
	integrity, err := computeStampIntegrity(stamp, payloadJSON)
	if err != nil {
		return 0, false, err
	}

	var id int64
	err = s.db.QueryRowContext(
		ctx,
		`INSERT INTO stamps (
			occurred_at,
			kind,
			reason,
			owner_type,
			owner_id,
			signal_sha256,
			payload,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (owner_type, owner_id, signal_sha256) DO NOTHING
		RETURNING stamp_id`,
		stamp.OccurredAt.UTC(),
		string(stamp.Kind),
		strings.TrimSpace(stamp.Reason),
		strings.TrimSpace(stamp.OwnerType),
		strings.TrimSpace(stamp.OwnerID),
		strings.TrimSpace(stamp.SignalSHA256),
		payloadJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("insert signal stamp: %w", err)
	}
	return id, true, nil
}

func (s *StampStore) ListStamps(ctx context.Context, filter repo.StampFilter) ([]domain.Stamp, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("stamp store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if strings.TrimSpace(filter.OwnerType) != "" {
		args = append(args, strings.TrimSpace(filter.OwnerType))
		clauses = append(clauses, fmt.Sprintf("owner_type = $%d", len(args)))
	}
	if strings.TrimSpace(filter.OwnerID) != "" {
		args = append(args, strings.TrimSpace(filter.OwnerID))
		clauses = append(clauses, fmt.Sprintf("owner_id = $%d", len(args)))
	}

	query := `SELECT ` + stampColumns + ` FROM stamps`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY occurred_at ASC, stamp_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stamps: %w", err)
	}
	defer rows.Close()

	stamps := make([]domain.Stamp, 0)
	for rows.Next() {
		var stamp domain.Stamp
		var kind string
		var signalHash sql.NullString
		var payloadRaw []byte
		if err := rows.Scan(
			&stamp.ID,
			&stamp.OccurredAt,
			&kind,
			&stamp.Reason,
			&stamp.OwnerType,
			&stamp.OwnerID,
			&signalHash,
			&payloadRaw,
			&stamp.IntegritySHA256,
		); err != nil {
			return nil, fmt.Errorf("scan stamp: %w", err)
		}
		payload, err := decodeMetadata(payloadRaw)
		if err != nil {
			return nil, fmt.Errorf("decode stamp payload: %w", err)
		}
		stamp.Kind = domain.StampKind(kind)
		stamp.SignalSHA256 = signalHash.String
		stamp.Payload = payload
		stamps = append(stamps, stamp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stamps: %w", err)
	}
	return stamps, nil
}

// computeStampIntegrity hashes the canonical JSON form of the stamp so
// tampering with a stored row is detectable.
func computeStampIntegrity(stamp domain.Stamp, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt   time.Time       `json:"occurred_at"`
		Kind         string          `json:"kind"`
		Reason       string          `json:"reason"`
		OwnerType    string          `json:"owner_type"`
		OwnerID      string          `json:"owner_id"`
		SignalSHA256 string          `json:"signal_sha256,omitempty"`
		Payload      json.RawMessage `json:"payload"`
	}

	in := integrityInput{
		OccurredAt:   stamp.OccurredAt.UTC(),
		Kind:         string(stamp.Kind),
		Reason:       strings.TrimSpace(stamp.Reason),
		OwnerType:    strings.TrimSpace(stamp.OwnerType),
		OwnerID:      strings.TrimSpace(stamp.OwnerID),
		SignalSHA256: strings.TrimSpace(stamp.SignalSHA256),
		Payload:      payloadJSON,
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
