package blockuploader

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

var errFakeBlock = errors.New("fake block failure")

// fakeStore is an in-memory BlockStore with scripted failures and optional random latency.
type fakeStore struct {
	// failures maps a block index to the number of attempts that fail before success.
	// A negative value fails every attempt.
	failures map[uint32]int
	// permanent makes failing attempts of these blocks permanent.
	permanent map[uint32]bool
	// maxLatency enables random per-request latency.
	maxLatency time.Duration
	// onPut runs before every PutBlock.
	onPut func(block Block)
	// deleteErr is returned by Delete.
	deleteErr error

	mu       sync.Mutex
	rnd      *rand.Rand
	attempts map[uint32]int
	blocks   map[string][]byte
	order    []string
	deletes  []Target

	running    int32
	maxRunning int32
	puts       int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		failures:  map[uint32]int{},
		permanent: map[uint32]bool{},
		rnd:       rand.New(rand.NewSource(1)),
		attempts:  map[uint32]int{},
		blocks:    map[string][]byte{},
	}
}

func (s *fakeStore) PutBlock(_ context.Context, _ Target, block Block) error {
	running := atomic.AddInt32(&s.running, 1)
	defer atomic.AddInt32(&s.running, -1)
	for {
		peak := atomic.LoadInt32(&s.maxRunning)
		if running <= peak || atomic.CompareAndSwapInt32(&s.maxRunning, peak, running) {
			break
		}
	}
	atomic.AddInt32(&s.puts, 1)

	if s.onPut != nil {
		s.onPut(block)
	}

	s.mu.Lock()
	s.attempts[block.Index]++
	attempt := s.attempts[block.Index]
	var latency time.Duration
	if s.maxLatency > 0 {
		latency = time.Duration(s.rnd.Int63n(int64(s.maxLatency)))
	}
	s.mu.Unlock()

	time.Sleep(latency)

	if failing, ok := s.failures[block.Index]; ok && (failing < 0 || attempt <= failing) {
		err := fmt.Errorf("block %d attempt %d: %w", block.Index, attempt, errFakeBlock)
		if s.permanent[block.Index] {
			return Permanent(err)
		}
		return &TransientTransportError{StatusCode: 500, Body: err.Error()}
	}

	s.mu.Lock()
	s.blocks[block.ID] = block.Payload
	s.order = append(s.order, block.ID)
	s.mu.Unlock()

	return nil
}

func (s *fakeStore) Delete(_ context.Context, target Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, target)
	return s.deleteErr
}

func (s *fakeStore) attemptsOf(index uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[index]
}

func (s *fakeStore) deleteCalls() []Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Target(nil), s.deletes...)
}

func (s *fakeStore) completionOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// failingReader returns data and then fails.
type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func testPayload(size int) []byte {
	data := make([]byte, size)
	rnd := rand.New(rand.NewSource(42))
	_, _ = rnd.Read(data)
	return data
}

func noSleep(context.Context, time.Duration) {}
