package domain

import (
	"errors"
	"strings"
	"time"
)

// SubmissionState represents the review lifecycle of a store submission.
type SubmissionState string

const (
	SubmissionCreated            SubmissionState = "created"
	SubmissionPreparing          SubmissionState = "preparing"
	SubmissionPrepared           SubmissionState = "prepared"
	SubmissionSubmittedForReview SubmissionState = "submitted_for_review"
	SubmissionApproved           SubmissionState = "approved"
	SubmissionFinished           SubmissionState = "finished"
	SubmissionReviewFailed       SubmissionState = "review_failed"
	SubmissionCancelled          SubmissionState = "cancelled"
	SubmissionFailed             SubmissionState = "failed"
	SubmissionActionRequired     SubmissionState = "failed_with_action_required"
)

// SubmissionEvent is a dispatched signal driving a submission transition.
type SubmissionEvent string

const (
	SubmissionEventStartPrepare   SubmissionEvent = "start_prepare"
	SubmissionEventPrepared       SubmissionEvent = "prepared"
	SubmissionEventSubmit         SubmissionEvent = "submit_for_review"
	SubmissionEventApprove        SubmissionEvent = "approve"
	SubmissionEventFinish         SubmissionEvent = "finish"
	SubmissionEventReject         SubmissionEvent = "reject"
	SubmissionEventResubmit       SubmissionEvent = "resubmit"
	SubmissionEventCancel         SubmissionEvent = "cancel"
	SubmissionEventFail           SubmissionEvent = "fail"
	SubmissionEventActionRequired SubmissionEvent = "fail_with_action_required"
)

// Submission is one store-review attempt for a build.
type Submission struct {
	ID          string
	RunID       string
	BuildID     string
	Store       StoreKind
	State       SubmissionState
	Sequence    int
	FailureCode string
	CreatedAt   time.Time
	EndedAt     *time.Time
}

func (s Submission) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("submission id is required")
	}
	if strings.TrimSpace(s.RunID) == "" {
		return errors.New("platform run id is required")
	}
	if strings.TrimSpace(s.BuildID) == "" {
		return errors.New("build id is required")
	}
	if !s.Store.Valid() {
		return errors.New("store kind is invalid")
	}
	if NormalizeSubmissionState(string(s.State)) == "" {
		return errors.New("state is invalid")
	}
	return nil
}

// Terminal reports whether the submission can make no further progress.
func (s Submission) Terminal() bool {
	switch s.State {
	case SubmissionFinished, SubmissionCancelled, SubmissionFailed, SubmissionActionRequired:
		return true
	default:
		return false
	}
}

// FailedTerminal reports a terminal state other than finished; reaching
// one triggers a compensating signal so the platform run can decide
// whether to retry against the same or a newer build.
func (s Submission) FailedTerminal() bool {
	return s.Terminal() && s.State != SubmissionFinished
}

// NormalizeSubmissionState maps free-form state values to canonical ones.
func NormalizeSubmissionState(value string) SubmissionState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(SubmissionCreated):
		return SubmissionCreated
	case string(SubmissionPreparing):
		return SubmissionPreparing
	case string(SubmissionPrepared):
		return SubmissionPrepared
	case string(SubmissionSubmittedForReview):
		return SubmissionSubmittedForReview
	case string(SubmissionApproved):
		return SubmissionApproved
	case string(SubmissionFinished):
		return SubmissionFinished
	case string(SubmissionReviewFailed):
		return SubmissionReviewFailed
	case string(SubmissionCancelled):
		return SubmissionCancelled
	case string(SubmissionFailed):
		return SubmissionFailed
	case string(SubmissionActionRequired):
		return SubmissionActionRequired
	default:
		return ""
	}
}

type submissionTransition struct {
	from []SubmissionState
	to   SubmissionState
	// requiresReview restricts the transition to stores that gate
	// releases behind review.
	requiresReview bool
}

var submissionTransitions = map[SubmissionEvent]submissionTransition{
	SubmissionEventStartPrepare:   {from: []SubmissionState{SubmissionCreated}, to: SubmissionPreparing},
	SubmissionEventPrepared:       {from: []SubmissionState{SubmissionPreparing}, to: SubmissionPrepared},
	SubmissionEventSubmit:         {from: []SubmissionState{SubmissionPrepared}, to: SubmissionSubmittedForReview, requiresReview: true},
	SubmissionEventApprove:        {from: []SubmissionState{SubmissionSubmittedForReview}, to: SubmissionApproved},
	SubmissionEventFinish:         {from: []SubmissionState{SubmissionApproved, SubmissionPrepared}, to: SubmissionFinished},
	SubmissionEventReject:         {from: []SubmissionState{SubmissionSubmittedForReview}, to: SubmissionReviewFailed},
	SubmissionEventResubmit:       {from: []SubmissionState{SubmissionReviewFailed}, to: SubmissionSubmittedForReview},
	SubmissionEventCancel:         {from: []SubmissionState{SubmissionCreated, SubmissionPreparing, SubmissionPrepared, SubmissionSubmittedForReview, SubmissionReviewFailed}, to: SubmissionCancelled},
	SubmissionEventFail:           {from: []SubmissionState{SubmissionCreated, SubmissionPreparing, SubmissionPrepared, SubmissionSubmittedForReview}, to: SubmissionFailed},
	SubmissionEventActionRequired: {from: []SubmissionState{SubmissionPreparing, SubmissionPrepared, SubmissionSubmittedForReview}, to: SubmissionActionRequired},
}

// ApplySubmissionEvent evaluates the submission transition table for the
// given store kind. prepared moves to submitted_for_review only for
// stores requiring review; reviewless stores finish directly.
func ApplySubmissionEvent(current SubmissionState, event SubmissionEvent, store StoreKind) (SubmissionState, bool) {
	transition, ok := submissionTransitions[event]
	if !ok {
		return current, false
	}
	if transition.requiresReview && !store.RequiresReview() {
		return current, false
	}
	if event == SubmissionEventFinish && current == SubmissionPrepared && store.RequiresReview() {
		return current, false
	}
	if current == transition.to {
		return current, false
	}
	for _, from := range transition.from {
		if current == from {
			return transition.to, true
		}
	}
	return current, false
}
