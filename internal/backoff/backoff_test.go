package backoff

import (
	"testing"
	"time"
)

func TestLinearIncreasesThenGivesUp(t *testing.T) {
	policy := Linear(10*time.Second, 8)
	var prev time.Duration
	for attempt := 1; attempt <= 8; attempt++ {
		delay, ok := policy.Decide(ClassTransient, attempt)
		if !ok {
			t.Fatalf("attempt %d: expected retry", attempt)
		}
		if delay <= prev {
			t.Fatalf("attempt %d: delay %v not increasing past %v", attempt, delay, prev)
		}
		prev = delay
	}
	if _, ok := policy.Decide(ClassTransient, 9); ok {
		t.Fatalf("expected give-up past the attempt ceiling")
	}
	if _, ok := policy.Decide(ClassTransient, 10); ok {
		t.Fatalf("expected give-up to be sticky past the ceiling")
	}
}

func TestExponentialDelays(t *testing.T) {
	policy := Exponential(time.Second, 30*time.Second, 10)
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{7, 30 * time.Second},
	}
	for _, tc := range cases {
		delay, ok := policy.Decide(ClassTransient, tc.attempt)
		if !ok {
			t.Fatalf("attempt %d: expected retry", tc.attempt)
		}
		if delay != tc.want {
			t.Fatalf("attempt %d: delay %v, want %v", tc.attempt, delay, tc.want)
		}
	}
}

func TestStaticAndEnduringDelays(t *testing.T) {
	static := Static(5*time.Second, 2, 4)
	for attempt := 1; attempt <= 3; attempt++ {
		delay, ok := static.Decide(ClassTransient, attempt)
		if !ok || delay != 10*time.Second {
			t.Fatalf("static attempt %d: (%v, %v)", attempt, delay, ok)
		}
	}

	enduring := Enduring(time.Minute, 100)
	delay, ok := enduring.Decide(ClassTransient, 100)
	if !ok || delay != time.Minute {
		t.Fatalf("enduring attempt 100: (%v, %v)", delay, ok)
	}
	if _, ok := enduring.Decide(ClassTransient, 101); ok {
		t.Fatalf("enduring must give up past its attempt ceiling")
	}
}

func TestTerminalAndConfigNeverRetry(t *testing.T) {
	policy := Linear(time.Second, 10)
	for _, class := range []ErrorClass{ClassTerminal, ClassConfig} {
		if _, ok := policy.Decide(class, 1); ok {
			t.Fatalf("class %s must give up immediately", class)
		}
	}
}

func TestUnknownRetriesToSmallCeiling(t *testing.T) {
	policy := Linear(time.Second, 10)
	if _, ok := policy.Decide(ClassUnknown, 1); !ok {
		t.Fatalf("unknown attempt 1 should retry")
	}
	if _, ok := policy.Decide(ClassUnknown, 2); !ok {
		t.Fatalf("unknown attempt 2 should retry")
	}
	if _, ok := policy.Decide(ClassUnknown, 3); ok {
		t.Fatalf("unknown attempt 3 should give up")
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := Linear(time.Second, 1).Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := (Policy{Kind: KindLinear, Period: 0, MaxAttempts: 1}).Validate(); err == nil {
		t.Fatalf("expected error for zero period")
	}
	if err := (Policy{Kind: KindStatic, Period: time.Second, MaxAttempts: 1}).Validate(); err == nil {
		t.Fatalf("expected error for static policy without factor")
	}
	if err := (Policy{Kind: "bogus", Period: time.Second, MaxAttempts: 1}).Validate(); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
