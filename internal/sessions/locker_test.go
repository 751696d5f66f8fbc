package sessions

import (
	"context"
	"testing"
	"time"
)

func TestLockerSerializesWriters(t *testing.T) {
	locker := NewLocker(time.Second)
	ctx := context.Background()

	release, err := locker.Lock(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		r, err := locker.Lock(ctx, "s1")
		if err != nil {
			t.Error(err)
			return
		}
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second writer acquired the lock while held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second writer never acquired the lock after release")
	}
}

func TestLockerIndependentSessions(t *testing.T) {
	locker := NewLocker(time.Second)
	ctx := context.Background()

	r1, err := locker.Lock(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	defer r1()

	r2, err := locker.Lock(ctx, "s2")
	if err != nil {
		t.Fatal("locks on different sessions must not contend:", err)
	}
	r2()
}

func TestLockerTimeout(t *testing.T) {
	locker := NewLocker(50 * time.Millisecond)
	ctx := context.Background()

	release, err := locker.Lock(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	if _, err := locker.Lock(ctx, "s1"); err != ErrLockTimeout {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestLockerContextCancel(t *testing.T) {
	locker := NewLocker(time.Minute)

	release, err := locker.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := locker.Lock(ctx, "s1"); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
