package auditlog

import (
	"net"
	"testing"
	"time"
)

func TestComputeIntegritySHA256Deterministic(t *testing.T) {
	occurredAt := time.Unix(1700000000, 0).UTC()
	event := Event{
		OccurredAt:   occurredAt,
		Actor:        "ops@railyard",
		Action:       "rollout.halt",
		ResourceType: "rollout",
		ResourceID:   "ro-1",
		RequestID:    "req-123",
		IP:           net.ParseIP("192.0.2.1"),
		UserAgent:    "railyard-cli",
	}
	payloadJSON := []byte(`{"stage":1}`)

	a, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("integrity mismatch: %q vs %q", a, b)
	}
}

func TestComputeIntegritySHA256ChangesOnPayload(t *testing.T) {
	occurredAt := time.Unix(1700000000, 0).UTC()
	event := Event{
		OccurredAt:   occurredAt,
		Actor:        "ops@railyard",
		Action:       "release.stop",
		ResourceType: "release",
		ResourceID:   "rel-1",
	}

	a, err := ComputeIntegritySHA256(event, []byte(`{"reason":"regression"}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, []byte(`{"reason":"rollback"}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a == b {
		t.Fatal("expected integrity to differ")
	}
}

func TestEventValidate(t *testing.T) {
	event := Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        "ops@railyard",
		Action:       "rollout.pause",
		ResourceType: "rollout",
		ResourceID:   "ro-1",
	}
	if err := event.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	event.Actor = " "
	if err := event.Validate(); err == nil {
		t.Fatal("expected actor validation error")
	}
}
