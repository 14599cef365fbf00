package membership

import (
	"context"
	"testing"
	"time"
)

func TestKeyedLockSerializesSameAddr(t *testing.T) {
	l := newKeyedLock()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		release2, err := l.Acquire(ctx, "a")
		if err != nil {
			t.Error(err)
			return
		}
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should not succeed while the first still holds the lock")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire should succeed once the first releases")
	}
}

func TestKeyedLockDistinctAddrsDontBlock(t *testing.T) {
	l := newKeyedLock()
	ctx := context.Background()

	releaseA, err := l.Acquire(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB, err := l.Acquire(ctx, "b")
		if err != nil {
			t.Error(err)
			return
		}
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("distinct addrs should not contend for the same semaphore")
	}
}

func TestApplyConcurrencyCapBoundsParallelism(t *testing.T) {
	gate := newApplyConcurrencyCap(1)
	ctx := context.Background()

	release, err := gate.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	blocked := make(chan struct{})
	go func() {
		release2, err := gate.Acquire(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		close(blocked)
		release2()
	}()

	select {
	case <-blocked:
		t.Fatal("second acquire should block while the cap is at its limit of 1")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("second acquire should succeed once the slot frees up")
	}
}
