package lock

import "testing"

func TestKeyIDIsStable(t *testing.T) {
	a := keyID("app/play_store")
	b := keyID("app/play_store")
	if a != b {
		t.Fatalf("keyID not stable: %d != %d", a, b)
	}
}

func TestKeyIDDiffersByStore(t *testing.T) {
	if keyID("app/play_store") == keyID("app/app_store") {
		t.Fatal("distinct keys collided")
	}
}

func TestNewAdvisoryLockerRequiresDB(t *testing.T) {
	if NewAdvisoryLocker(nil) != nil {
		t.Fatal("expected nil locker for nil db")
	}
}
