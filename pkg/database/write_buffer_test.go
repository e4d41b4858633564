package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type resultRecorder struct {
	mu      sync.Mutex
	results []WriteResult
}

func (r *resultRecorder) record(res WriteResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func (r *resultRecorder) snapshot() []WriteResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]WriteResult(nil), r.results...)
}

// slowStore counts concurrent saves to prove flushes never overlap
type slowStore struct {
	*MemStore
	mu       sync.Mutex
	inFlight int
	maxSeen  int
}

func (s *slowStore) Save(ctx context.Context, key string, doc []byte) error {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxSeen {
		s.maxSeen = s.inFlight
	}
	s.mu.Unlock()

	time.Sleep(2 * time.Millisecond)
	err := s.MemStore.Save(ctx, key, doc)

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	return err
}

func TestWriteBufferCoalescesPerKey(t *testing.T) {
	store := NewMemStore()
	rec := &resultRecorder{}
	wb := NewWriteBuffer(store, time.Hour, rec.record)
	defer wb.Close()

	wb.Save(KeyUsers, []byte(`{"a":"1"}`))
	wb.Save(KeyUsers, []byte(`{"a":"2"}`))
	wb.Save(KeyUsers, []byte(`{"a":"3"}`))
	wb.Save(KeyAdmin, []byte(`{"username":"admin","password":"x"}`))

	if wb.Pending() != 2 {
		t.Fatalf("expected 2 pending documents, got %d", wb.Pending())
	}

	wb.Flush()

	if store.SaveCount(KeyUsers) != 1 {
		t.Fatalf("expected one coalesced write, got %d", store.SaveCount(KeyUsers))
	}
	got, _ := store.Load(context.Background(), KeyUsers)
	if string(got) != `{"a":"3"}` {
		t.Fatalf("latest version must win, got %q", got)
	}

	results := rec.snapshot()
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("unexpected error for %s: %v", r.Key, r.Err)
		}
	}
	if wb.Pending() != 0 {
		t.Fatalf("expected nothing pending after flush")
	}
}

func TestWriteBufferFlushesOnTick(t *testing.T) {
	store := NewMemStore()
	wb := NewWriteBuffer(store, 10*time.Millisecond, nil)
	defer wb.Close()

	wb.Save(KeyOfflineMessages, []byte(`{}`))

	deadline := time.Now().Add(2 * time.Second)
	for store.SaveCount(KeyOfflineMessages) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("document was never flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWriteBufferCloseFlushes(t *testing.T) {
	store := NewMemStore()
	wb := NewWriteBuffer(store, time.Hour, nil)

	wb.Save(KeyAdmin, []byte(`{"username":"admin","password":"new"}`))
	wb.Close()
	wb.Close() // idempotent

	got, err := store.Load(context.Background(), KeyAdmin)
	if err != nil {
		t.Fatalf("expected final flush on close: %v", err)
	}
	if string(got) != `{"username":"admin","password":"new"}` {
		t.Fatalf("unexpected document %q", got)
	}
}

func TestWriteBufferReportsFailures(t *testing.T) {
	store := NewMemStore()
	store.SetSaveError(errors.New("read-only filesystem"))
	rec := &resultRecorder{}
	wb := NewWriteBuffer(store, time.Hour, rec.record)
	defer wb.Close()

	wb.Save(KeyUsers, []byte(`{}`))
	wb.Flush()

	results := rec.snapshot()
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !errors.Is(results[0].Err, ErrPersistenceWrite) {
		t.Fatalf("expected ErrPersistenceWrite, got %v", results[0].Err)
	}
	if results[0].Key != KeyUsers {
		t.Fatalf("expected key %s, got %s", KeyUsers, results[0].Key)
	}

	// No retry by default
	if wb.Pending() != 0 {
		t.Fatalf("failed document must be dropped without retry")
	}
}

func TestWriteBufferRetryFailed(t *testing.T) {
	store := NewMemStore()
	store.SetSaveError(errors.New("connection refused"))
	wb := NewWriteBuffer(store, time.Hour, nil)
	wb.RetryFailed = true
	defer wb.Close()

	wb.Save(KeyUsers, []byte(`{"v":"1"}`))
	wb.Flush()
	if wb.Pending() != 1 {
		t.Fatalf("expected failed document to be re-queued")
	}

	store.SetSaveError(nil)
	wb.Flush()
	got, _ := store.Load(context.Background(), KeyUsers)
	if string(got) != `{"v":"1"}` {
		t.Fatalf("retry did not write document, got %q", got)
	}
}

func TestWriteBufferRetryDoesNotClobberNewer(t *testing.T) {
	store := NewMemStore()
	wb := NewWriteBuffer(store, time.Hour, nil)
	wb.RetryFailed = true
	defer wb.Close()

	// A newer version is already pending when the old one is re-queued
	wb.Save(KeyUsers, []byte(`{"v":"2"}`))
	wb.requeue(KeyUsers, []byte(`{"v":"1"}`))
	wb.Flush()

	got, _ := store.Load(context.Background(), KeyUsers)
	if string(got) != `{"v":"2"}` {
		t.Fatalf("stale retry overwrote newer document: %q", got)
	}
}

func TestWriteBufferFlushesDoNotOverlap(t *testing.T) {
	store := &slowStore{MemStore: NewMemStore()}
	wb := NewWriteBuffer(store, time.Millisecond, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				wb.Save(KeyOfflineMessages, []byte(`{}`))
				wb.Flush()
			}
		}(i)
	}
	wg.Wait()
	wb.Close()

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.maxSeen > 1 {
		t.Fatalf("expected serialized writes, saw %d concurrent", store.maxSeen)
	}
}
