package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies what happened. External kinds arrive from the webhook
// layer; internal kinds are raised by the engine itself when one machine
// needs to nudge another.
type Kind string

const (
	// External signals.
	KindPush        Kind = "push"
	KindPullRequest Kind = "pull_request"
	KindWorkflowRun Kind = "workflow_run"

	// Internal signals.
	KindBuildFound          Kind = "build_found"
	KindBuildUnavailable    Kind = "build_unavailable"
	KindSubmissionApproved  Kind = "submission_approved"
	KindSubmissionRejected  Kind = "submission_rejected"
	KindRolloutStageChanged Kind = "rollout_stage_changed"
	KindSoakPeriodEnded     Kind = "soak_period_ended"
)

// NormalizeKind maps free-form kind values to canonical ones.
func NormalizeKind(value string) Kind {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(KindPush):
		return KindPush
	case string(KindPullRequest):
		return KindPullRequest
	case string(KindWorkflowRun):
		return KindWorkflowRun
	case string(KindBuildFound):
		return KindBuildFound
	case string(KindBuildUnavailable):
		return KindBuildUnavailable
	case string(KindSubmissionApproved):
		return KindSubmissionApproved
	case string(KindSubmissionRejected):
		return KindSubmissionRejected
	case string(KindRolloutStageChanged):
		return KindRolloutStageChanged
	case string(KindSoakPeriodEnded):
		return KindSoakPeriodEnded
	default:
		return ""
	}
}

// Commit is the VCS commit shape carried by push signals.
type Commit struct {
	SHA       string    `json:"sha"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author"`
}

// PushPayload is the payload of a push signal.
type PushPayload struct {
	Ref        string   `json:"ref"`
	HeadCommit Commit   `json:"headCommit"`
	Commits    []Commit `json:"commits"`
}

// WorkflowRunPayload is the payload of a workflow_run signal.
type WorkflowRunPayload struct {
	Status       string `json:"status"`
	Conclusion   string `json:"conclusion"`
	ArtifactsURL string `json:"artifactsUrl"`
	CiRef        string `json:"ciRef"`
	CiLink       string `json:"ciLink"`
}

// BuildFoundPayload is the payload of a build_found signal. It carries
// the version identity resolved for the stored artifact; snake_case
// keys because the signal is raised internally, not by a webhook.
type BuildFoundPayload struct {
	BuildID     string `json:"build_id"`
	VersionName string `json:"version_name"`
	VersionCode string `json:"version_code"`
}

// BuildUnavailablePayload is the payload of a build_unavailable signal.
type BuildUnavailablePayload struct {
	BuildID string `json:"build_id"`
	Cause   string `json:"cause"`
}

// RolloutStageChangedPayload is the payload of a rollout_stage_changed
// signal. Handlers must re-read the rollout; the payload is a hint, not
// the authoritative state.
type RolloutStageChangedPayload struct {
	RolloutID       string  `json:"rollout_id"`
	RunID           string  `json:"run_id"`
	State           string  `json:"state"`
	StorePercentage float64 `json:"store_percentage"`
}

// SoakPeriodEndedPayload is the payload of a soak_period_ended signal.
type SoakPeriodEndedPayload struct {
	ReleaseID string `json:"release_id"`
}

// Signal is one delivery. Payload stays raw until a handler decodes it
// into the kind-specific shape; handlers must re-read authoritative
// state instead of trusting payload staleness.
type Signal struct {
	Kind    Kind            `json:"kind"`
	TrainID string          `json:"trainId"`
	Payload json.RawMessage `json:"payload"`
}

func (s Signal) Validate() error {
	if NormalizeKind(string(s.Kind)) == "" {
		return fmt.Errorf("signal kind %q is invalid", string(s.Kind))
	}
	if strings.TrimSpace(s.TrainID) == "" {
		return errors.New("train id is required")
	}
	return nil
}

// SHA256 returns the dedup hash of the signal: a hex digest over the
// canonical JSON of (kind, train, payload). Two deliveries of the same
// event hash identically, which is what the stamp log dedups on.
func (s Signal) SHA256() (string, error) {
	type hashInput struct {
		Kind    Kind            `json:"kind"`
		TrainID string          `json:"trainId"`
		Payload json.RawMessage `json:"payload"`
	}
	payload := s.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	blob, err := json.Marshal(hashInput{
		Kind:    NormalizeKind(string(s.Kind)),
		TrainID: strings.TrimSpace(s.TrainID),
		Payload: payload,
	})
	if err != nil {
		return "", fmt.Errorf("marshal signal: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// Push decodes the payload as a push signal.
func (s Signal) Push() (PushPayload, error) {
	var payload PushPayload
	if err := json.Unmarshal(s.Payload, &payload); err != nil {
		return PushPayload{}, fmt.Errorf("decode push payload: %w", err)
	}
	if strings.TrimSpace(payload.HeadCommit.SHA) == "" {
		return PushPayload{}, errors.New("push payload has no head commit")
	}
	return payload, nil
}

// WorkflowRun decodes the payload as a workflow_run signal.
func (s Signal) WorkflowRun() (WorkflowRunPayload, error) {
	var payload WorkflowRunPayload
	if err := json.Unmarshal(s.Payload, &payload); err != nil {
		return WorkflowRunPayload{}, fmt.Errorf("decode workflow_run payload: %w", err)
	}
	if strings.TrimSpace(payload.Status) == "" {
		return WorkflowRunPayload{}, errors.New("workflow_run payload has no status")
	}
	return payload, nil
}

// BuildFound decodes the payload as a build_found signal.
func (s Signal) BuildFound() (BuildFoundPayload, error) {
	var payload BuildFoundPayload
	if err := json.Unmarshal(s.Payload, &payload); err != nil {
		return BuildFoundPayload{}, fmt.Errorf("decode build_found payload: %w", err)
	}
	if strings.TrimSpace(payload.BuildID) == "" {
		return BuildFoundPayload{}, errors.New("build_found payload has no build id")
	}
	return payload, nil
}

// RolloutStageChanged decodes the payload as a rollout_stage_changed
// signal.
func (s Signal) RolloutStageChanged() (RolloutStageChangedPayload, error) {
	var payload RolloutStageChangedPayload
	if err := json.Unmarshal(s.Payload, &payload); err != nil {
		return RolloutStageChangedPayload{}, fmt.Errorf("decode rollout_stage_changed payload: %w", err)
	}
	if strings.TrimSpace(payload.RolloutID) == "" {
		return RolloutStageChangedPayload{}, errors.New("rollout_stage_changed payload has no rollout id")
	}
	return payload, nil
}

// SoakPeriodEnded decodes the payload as a soak_period_ended signal.
func (s Signal) SoakPeriodEnded() (SoakPeriodEndedPayload, error) {
	var payload SoakPeriodEndedPayload
	if err := json.Unmarshal(s.Payload, &payload); err != nil {
		return SoakPeriodEndedPayload{}, fmt.Errorf("decode soak_period_ended payload: %w", err)
	}
	if strings.TrimSpace(payload.ReleaseID) == "" {
		return SoakPeriodEndedPayload{}, errors.New("soak_period_ended payload has no release id")
	}
	return payload, nil
}

// New builds an internal signal with a JSON-encoded payload.
func New(kind Kind, trainID string, payload any) (Signal, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Signal{}, fmt.Errorf("marshal payload: %w", err)
	}
	sig := Signal{Kind: kind, TrainID: strings.TrimSpace(trainID), Payload: raw}
	if err := sig.Validate(); err != nil {
		return Signal{}, err
	}
	return sig, nil
}
