package locks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/statekeeper/statekeeper/pkg/statestore"
)

func newTestManager(t *testing.T, holderID string) (*Manager, *statestore.MemoryStore) {
	t.Helper()
	store := statestore.NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	return NewManager(store, holderID, zerolog.Nop()), store
}

func TestManager_Acquire_Basic(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "runner-a")

	lease, err := m.Acquire(ctx, "phase-network", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if lease.HolderID != "runner-a" {
		t.Errorf("expected holder runner-a, got %s", lease.HolderID)
	}
	if !lease.ExpiresAt.After(time.Now()) {
		t.Error("expected lease to expire in the future")
	}
}

func TestManager_Acquire_Busy(t *testing.T) {
	ctx := context.Background()
	a, store := newTestManager(t, "runner-a")
	b := NewManager(store, "runner-b", zerolog.Nop())

	if _, err := a.Acquire(ctx, "phase-network", time.Minute); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	_, err := b.Acquire(ctx, "phase-network", time.Minute)
	if !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func TestManager_Acquire_ReclaimsExpired(t *testing.T) {
	ctx := context.Background()
	a, store := newTestManager(t, "runner-a")
	b := NewManager(store, "runner-b", zerolog.Nop())

	if _, err := a.Acquire(ctx, "phase-network", 20*time.Millisecond); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	lease, err := b.Acquire(ctx, "phase-network", time.Minute)
	if err != nil {
		t.Fatalf("expected expired lock to be reclaimed, got %v", err)
	}
	if lease.HolderID != "runner-b" {
		t.Errorf("expected holder runner-b, got %s", lease.HolderID)
	}
}

func TestManager_Renew_ExtendsLease(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "runner-a")

	lease, err := m.Acquire(ctx, "phase-compute", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	before := lease.ExpiresAt

	time.Sleep(10 * time.Millisecond)

	if err := m.Renew(ctx, lease); err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if !lease.ExpiresAt.After(before) {
		t.Error("expected renewed lease to expire later")
	}
}

func TestManager_Renew_LostLease(t *testing.T) {
	ctx := context.Background()
	a, store := newTestManager(t, "runner-a")
	b := NewManager(store, "runner-b", zerolog.Nop())

	lease, err := a.Acquire(ctx, "phase-compute", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Let the lease expire and be reclaimed by another runner.
	time.Sleep(40 * time.Millisecond)
	if _, err := b.Acquire(ctx, "phase-compute", time.Minute); err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}

	if err := a.Renew(ctx, lease); !errors.Is(err, ErrNotHeld) {
		t.Errorf("expected ErrNotHeld, got %v", err)
	}
}

func TestManager_Release_Basic(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "runner-a")

	lease, err := m.Acquire(ctx, "phase-db", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := m.Release(ctx, lease); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// The key is free again.
	if _, err := m.Acquire(ctx, "phase-db", time.Minute); err != nil {
		t.Fatalf("expected re-acquire after release, got %v", err)
	}
}

func TestManager_Release_Reclaimed(t *testing.T) {
	ctx := context.Background()
	a, store := newTestManager(t, "runner-a")
	b := NewManager(store, "runner-b", zerolog.Nop())

	lease, err := a.Acquire(ctx, "phase-db", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	reclaimed, err := b.Acquire(ctx, "phase-db", time.Minute)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}

	if err := a.Release(ctx, lease); !errors.Is(err, ErrNotHeld) {
		t.Errorf("expected ErrNotHeld, got %v", err)
	}

	// The stale release must not have freed the reclaimed lease.
	if _, err := a.Acquire(ctx, "phase-db", time.Minute); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy while the reclaimed lease is live, got %v", err)
	}
	if err := b.Release(ctx, reclaimed); err != nil {
		t.Errorf("reclaimed holder failed to release: %v", err)
	}
}

func TestManager_Acquire_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}

	const contenders = 16
	var wg sync.WaitGroup
	winners := make(chan string, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := NewManager(store, "", zerolog.Nop())
			if _, err := m.Acquire(ctx, "phase-contested", time.Minute); err == nil {
				winners <- m.HolderID()
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly one winner, got %d", count)
	}
}

func TestManager_KeepAlive_HoldsLease(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "runner-a")

	lease, err := m.Acquire(ctx, "phase-scan", 60*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	keepCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.KeepAlive(keepCtx, lease) }()

	// Outlive the original TTL several times over.
	time.Sleep(200 * time.Millisecond)

	b := NewManager(m.store, "runner-b", zerolog.Nop())
	if _, err := b.Acquire(ctx, "phase-scan", time.Minute); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy while keepalive renews, got %v", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected nil on cancellation, got %v", err)
	}
	if err := m.Release(ctx, lease); err != nil {
		t.Errorf("Release after keepalive failed: %v", err)
	}
}
