package database

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// WriteResult reports the outcome of one buffered document write
type WriteResult struct {
	Key      string
	Err      error // wraps ErrPersistenceWrite on failure
	Duration time.Duration
}

// WriteBuffer coalesces document saves and writes them to a Store on a
// timer so callers never block on I/O. Only the newest pending version of
// each key is written.
type WriteBuffer struct {
	store         Store
	flushInterval time.Duration
	onResult      func(WriteResult)

	// RetryFailed re-queues a failed document for the next flush unless a
	// newer version arrived meanwhile. Set before the first Save.
	RetryFailed bool

	mu      sync.Mutex
	pending map[string][]byte

	// Held for a whole flush so concurrent flushes can't reorder writes
	flushMu sync.Mutex

	// Shutdown
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWriteBuffer creates a write buffer with the given flush interval.
// onResult may be nil.
func NewWriteBuffer(store Store, flushInterval time.Duration, onResult func(WriteResult)) *WriteBuffer {
	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}
	wb := &WriteBuffer{
		store:         store,
		flushInterval: flushInterval,
		onResult:      onResult,
		pending:       make(map[string][]byte),
		shutdown:      make(chan struct{}),
	}

	// Start flush loop
	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// Save queues doc under key, replacing any version still pending
func (wb *WriteBuffer) Save(key string, doc []byte) {
	wb.mu.Lock()
	wb.pending[key] = doc
	wb.mu.Unlock()
}

// Pending reports how many documents are waiting to be written
func (wb *WriteBuffer) Pending() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.pending)
}

// Flush writes everything pending now and waits for it
func (wb *WriteBuffer) Flush() {
	wb.flush()
}

// Close stops the flush loop after a final flush
func (wb *WriteBuffer) Close() {
	wb.closeOnce.Do(func() {
		close(wb.shutdown)
	})
	wb.wg.Wait()
}

// flushLoop periodically flushes buffered writes
func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.flush()
		case <-wb.shutdown:
			// Final flush on shutdown
			wb.flush()
			return
		}
	}
}

func (wb *WriteBuffer) flush() {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	// Grab all pending documents
	wb.mu.Lock()
	batch := wb.pending
	wb.pending = make(map[string][]byte)
	wb.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	keys := make([]string, 0, len(batch))
	for key := range batch {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	start := time.Now()
	failed := 0
	for _, key := range keys {
		doc := batch[key]
		writeStart := time.Now()
		err := wb.store.Save(context.Background(), key, doc)
		result := WriteResult{Key: key, Duration: time.Since(writeStart)}

		if err != nil {
			failed++
			result.Err = fmt.Errorf("%w: %s: %v", ErrPersistenceWrite, key, err)
			if wb.RetryFailed {
				wb.requeue(key, doc)
			}
		}
		if wb.onResult != nil {
			wb.onResult(result)
		}
	}

	elapsed := time.Since(start)
	if elapsed > 100*time.Millisecond {
		log.Printf("WriteBuffer: flushed %d document(s) (%d failed) in %v", len(keys), failed, elapsed)
	}
}

// requeue puts a failed document back unless a newer version is pending
func (wb *WriteBuffer) requeue(key string, doc []byte) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if _, newer := wb.pending[key]; !newer {
		wb.pending[key] = doc
	}
}
