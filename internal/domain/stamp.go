package domain

import (
	"errors"
	"strings"
	"time"
)

// StampKind distinguishes the severity of a timeline entry.
type StampKind string

const (
	StampInfo    StampKind = "info"
	StampSuccess StampKind = "success"
	StampError   StampKind = "error"
)

// Stamp is an immutable append-only audit record attached to a release,
// platform run, submission or rollout. Stamps double as the durable
// signal log used for idempotency checks.
type Stamp struct {
	ID              int64
	OccurredAt      time.Time
	Kind            StampKind
	Reason          string
	OwnerType       string
	OwnerID         string
	SignalSHA256    string
	Payload         Metadata
	IntegritySHA256 string
}

func (s Stamp) Validate() error {
	if s.OccurredAt.IsZero() {
		return errors.New("occurred at is required")
	}
	if strings.TrimSpace(string(s.Kind)) == "" {
		return errors.New("kind is required")
	}
	if strings.TrimSpace(s.Reason) == "" {
		return errors.New("reason is required")
	}
	if strings.TrimSpace(s.OwnerType) == "" {
		return errors.New("owner type is required")
	}
	if strings.TrimSpace(s.OwnerID) == "" {
		return errors.New("owner id is required")
	}
	return nil
}

// Owner types stamps may attach to.
const (
	OwnerRelease     = "release"
	OwnerPlatformRun = "platform_run"
	OwnerBuild       = "build"
	OwnerSubmission  = "submission"
	OwnerRollout     = "rollout"
)
