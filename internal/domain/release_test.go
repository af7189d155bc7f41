package domain

import "testing"

func TestNormalizeReleasePhase(t *testing.T) {
	cases := []struct {
		in   string
		want ReleasePhase
	}{
		{"created", ReleaseCreated},
		{"pending", ReleaseCreated},
		{" On_Track ", ReleaseOnTrack},
		{"post_release_started", ReleasePostReleasePhase},
		{"finished", ReleaseFinished},
		{"stopped", ReleaseStopped},
		{"bogus", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeReleasePhase(tc.in); got != tc.want {
			t.Fatalf("NormalizeReleasePhase(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCanTransitionReleasePhase(t *testing.T) {
	cases := []struct {
		from ReleasePhase
		to   ReleasePhase
		want bool
	}{
		{ReleaseCreated, ReleaseOnTrack, true},
		{ReleaseCreated, ReleaseStopped, true},
		{ReleaseCreated, ReleaseFinished, false},
		{ReleaseOnTrack, ReleasePostReleasePhase, true},
		{ReleaseOnTrack, ReleaseFinished, false},
		{ReleasePostReleasePhase, ReleaseFinished, true},
		{ReleaseFinished, ReleaseOnTrack, false},
		{ReleaseStopped, ReleaseOnTrack, false},
		// Re-finishing a finished release is a permitted no-op.
		{ReleaseFinished, ReleaseFinished, true},
		{ReleaseStopped, ReleaseStopped, true},
		{ReleaseOnTrack, ReleaseOnTrack, false},
		{"", ReleaseOnTrack, false},
	}
	for _, tc := range cases {
		if got := CanTransitionReleasePhase(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransitionReleasePhase(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCanTransitionRunPhase(t *testing.T) {
	cases := []struct {
		from RunPhase
		to   RunPhase
		want bool
	}{
		{RunKickoff, RunStabilization, true},
		{RunKickoff, RunRollout, true},
		{RunStabilization, RunKickoff, false},
		{RunReview, RunRollout, true},
		{RunRollout, RunReview, false},
		{RunFinishing, RunFinished, true},
		{RunReview, RunStopped, true},
		{RunReview, RunFailed, true},
		{RunFinished, RunStopped, false},
		{RunStopped, RunRollout, false},
		{RunFinished, RunFinished, true},
	}
	for _, tc := range cases {
		if got := CanTransitionRunPhase(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransitionRunPhase(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestReleaseValidate(t *testing.T) {
	release := Release{ID: "rel-1", TrainID: "train-1", Version: "1.2.0", Phase: ReleaseCreated}
	if err := release.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	release.Version = ""
	if err := release.Validate(); err == nil {
		t.Fatalf("expected error for missing version")
	}
}
