package locksource

import (
	"context"
	"testing"
)

func TestLocalTryLock(t *testing.T) {
	ctx := context.Background()
	src := Local()

	a, b := src.NewLock(), src.NewLock()
	ok, err := a.TryLock(ctx, "scan")
	if err != nil || !ok {
		t.Fatalf("first TryLock: ok=%v err=%v", ok, err)
	}
	ok, err = b.TryLock(ctx, "scan")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second TryLock on held key succeeded")
	}
	// an unrelated key is unaffected
	ok, err = b.TryLock(ctx, "sync.osv")
	if err != nil || !ok {
		t.Fatalf("TryLock on free key: ok=%v err=%v", ok, err)
	}
	if err := b.Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := a.Unlock(); err != nil {
		t.Fatal(err)
	}
	ok, err = b.TryLock(ctx, "scan")
	if err != nil || !ok {
		t.Fatalf("TryLock after Unlock: ok=%v err=%v", ok, err)
	}
}

func TestLocalUnlockWithoutLock(t *testing.T) {
	if err := Local().NewLock().Unlock(); err == nil {
		t.Error("expected error unlocking a lock never taken")
	}
}
