package env

import (
	"testing"
	"time"
)

func TestStringDefault(t *testing.T) {
	if got := String("RAILYARD_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("String = %q", got)
	}
	t.Setenv("RAILYARD_TEST_SET", "value")
	if got := String("RAILYARD_TEST_SET", "fallback"); got != "value" {
		t.Fatalf("String = %q", got)
	}
}

func TestDurationParse(t *testing.T) {
	t.Setenv("RAILYARD_TEST_DURATION", "90s")
	d, err := Duration("RAILYARD_TEST_DURATION", time.Second)
	if err != nil {
		t.Fatalf("Duration: %v", err)
	}
	if d != 90*time.Second {
		t.Fatalf("Duration = %s", d)
	}

	t.Setenv("RAILYARD_TEST_DURATION", "ninety")
	if _, err := Duration("RAILYARD_TEST_DURATION", time.Second); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestIntAndBool(t *testing.T) {
	t.Setenv("RAILYARD_TEST_INT", "42")
	i, err := Int("RAILYARD_TEST_INT", 1)
	if err != nil || i != 42 {
		t.Fatalf("Int = %d, err = %v", i, err)
	}

	t.Setenv("RAILYARD_TEST_BOOL", "true")
	b, err := Bool("RAILYARD_TEST_BOOL", false)
	if err != nil || !b {
		t.Fatalf("Bool = %v, err = %v", b, err)
	}
}
