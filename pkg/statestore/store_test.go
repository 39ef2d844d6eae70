package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// newTestStores returns both implementations so every contract test runs
// against the in-memory fake and the SQLite backend.
func newTestStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	if err := sqlite.Init(context.Background()); err != nil {
		t.Fatalf("failed to init sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "missing")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got: %v", err)
			}
		})
	}
}

func TestStore_ConditionalCreate_ThenGet(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec, err := store.ConditionalCreate(ctx, "observed:web", json.RawMessage(`{"status":"Present"}`), 0)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if rec.Version != 1 {
				t.Errorf("Expected version 1 on create, got %d", rec.Version)
			}

			got, err := store.Get(ctx, "observed:web")
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if string(got.Value) != `{"status":"Present"}` {
				t.Errorf("Unexpected value: %s", got.Value)
			}
			if got.ExpiresAt != nil {
				t.Errorf("Expected no expiry, got %v", got.ExpiresAt)
			}
		})
	}
}

func TestStore_ConditionalCreate_AlreadyExists(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := store.ConditionalCreate(ctx, "lock:network", json.RawMessage(`{}`), time.Minute); err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			_, err := store.ConditionalCreate(ctx, "lock:network", json.RawMessage(`{}`), time.Minute)
			if !errors.Is(err, ErrAlreadyExists) {
				t.Errorf("Expected ErrAlreadyExists, got: %v", err)
			}
		})
	}
}

func TestStore_ConditionalCreate_ReclaimsExpired(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := store.ConditionalCreate(ctx, "lock:compute", json.RawMessage(`{"holder":"a"}`), 20*time.Millisecond); err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			time.Sleep(40 * time.Millisecond)

			// Expired record must read as absent.
			if _, err := store.Get(ctx, "lock:compute"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Expected ErrNotFound for expired record, got: %v", err)
			}

			// And the key must be reclaimable, with the version continuing
			// past the stale record so its holder cannot delete the new one.
			rec, err := store.ConditionalCreate(ctx, "lock:compute", json.RawMessage(`{"holder":"b"}`), time.Minute)
			if err != nil {
				t.Fatalf("Expected reclaim to succeed, got: %v", err)
			}
			if rec.Version != 2 {
				t.Errorf("Expected version 2 after reclaim, got %d", rec.Version)
			}
			if err := store.CompareAndDelete(ctx, "lock:compute", 1); !errors.Is(err, ErrVersionConflict) {
				t.Errorf("Expected ErrVersionConflict for the stale version, got: %v", err)
			}
		})
	}
}

func TestStore_Put_VersionConflict(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec, err := store.ConditionalCreate(ctx, "circuit:global", json.RawMessage(`{"status":"CLOSED"}`), 0)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			updated, err := store.Put(ctx, "circuit:global", json.RawMessage(`{"status":"OPEN"}`), rec.Version)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if updated.Version != 2 {
				t.Errorf("Expected version 2, got %d", updated.Version)
			}

			// A second writer holding the stale version must lose.
			_, err = store.Put(ctx, "circuit:global", json.RawMessage(`{"status":"HALF_OPEN"}`), rec.Version)
			if !errors.Is(err, ErrVersionConflict) {
				t.Errorf("Expected ErrVersionConflict, got: %v", err)
			}
		})
	}
}

func TestStore_Put_MissingRecord(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Put(context.Background(), "missing", json.RawMessage(`{}`), 1)
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got: %v", err)
			}
		})
	}
}

func TestStore_PutTTL_ExtendsDeadline(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec, err := store.ConditionalCreate(ctx, "lock:db", json.RawMessage(`{}`), 50*time.Millisecond)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			renewed, err := store.PutTTL(ctx, "lock:db", json.RawMessage(`{}`), rec.Version, time.Minute)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if renewed.ExpiresAt == nil {
				t.Fatal("Expected an expiry deadline after renewal")
			}
			if renewed.ExpiresAt.Before(time.Now().Add(30 * time.Second)) {
				t.Errorf("Expected deadline extended by ~1m, got %v", renewed.ExpiresAt)
			}

			time.Sleep(80 * time.Millisecond)
			if _, err := store.Get(ctx, "lock:db"); err != nil {
				t.Errorf("Renewed record should still be live, got: %v", err)
			}
		})
	}
}

func TestStore_CompareAndDelete(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec, err := store.ConditionalCreate(ctx, "lock:web", json.RawMessage(`{}`), time.Minute)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			if err := store.CompareAndDelete(ctx, "lock:web", rec.Version+1); !errors.Is(err, ErrVersionConflict) {
				t.Errorf("Expected ErrVersionConflict on wrong version, got: %v", err)
			}

			if err := store.CompareAndDelete(ctx, "lock:web", rec.Version); err != nil {
				t.Fatalf("Expected delete to succeed, got: %v", err)
			}

			if err := store.CompareAndDelete(ctx, "lock:web", rec.Version); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound after delete, got: %v", err)
			}
		})
	}
}

func TestStore_List_PrefixAndOrder(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for _, key := range []string{"drift:web", "drift:db", "observed:web"} {
				if _, err := store.ConditionalCreate(ctx, key, json.RawMessage(`{}`), 0); err != nil {
					t.Fatalf("Expected no error creating %s, got: %v", key, err)
				}
			}

			records, err := store.List(ctx, "drift:")
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if len(records) != 2 {
				t.Fatalf("Expected 2 drift records, got %d", len(records))
			}
			if records[0].Key != "drift:db" || records[1].Key != "drift:web" {
				t.Errorf("Expected key-ordered results, got %s, %s", records[0].Key, records[1].Key)
			}
		})
	}
}

func TestStore_PurgeExpired(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := store.ConditionalCreate(ctx, "lock:a", json.RawMessage(`{}`), 10*time.Millisecond); err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if _, err := store.ConditionalCreate(ctx, "lock:b", json.RawMessage(`{}`), time.Minute); err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			time.Sleep(30 * time.Millisecond)

			purged, err := store.PurgeExpired(ctx)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if purged != 1 {
				t.Errorf("Expected 1 purged record, got %d", purged)
			}
		})
	}
}

func TestStore_ConcurrentCAS_OneWinnerPerVersion(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec, err := store.ConditionalCreate(ctx, "circuit:global", json.RawMessage(`{"n":0}`), 0)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			const writers = 8
			var wg sync.WaitGroup
			wins := make(chan struct{}, writers)

			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := store.Put(ctx, "circuit:global", json.RawMessage(`{"n":1}`), rec.Version); err == nil {
						wins <- struct{}{}
					}
				}()
			}
			wg.Wait()
			close(wins)

			var winners int
			for range wins {
				winners++
			}
			if winners != 1 {
				t.Errorf("Expected exactly 1 CAS winner, got %d", winners)
			}
		})
	}
}
