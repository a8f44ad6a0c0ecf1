package batch

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/beeker1121/goque"

	"github.com/timzifer/fleetcollector/storage"
)

// Spill is durable overflow storage for measurements evicted from a full queue.
type Spill interface {
	// Push stores one chunk of measurements.
	Push(chunk []storage.Measurement) error
	// Peek returns the oldest chunk without removing it, or nil when empty.
	Peek() ([]storage.Measurement, error)
	// Discard removes the oldest chunk once it has been written.
	Discard() error
	// Len reports the number of stored chunks.
	Len() uint64
	Close() error
}

// DiskSpill keeps evicted chunks in an on-disk FIFO queue so they survive
// restarts of the collector.
type DiskSpill struct {
	mu    sync.Mutex
	queue *goque.Queue
}

// OpenDiskSpill opens or creates the spill queue in dir.
func OpenDiskSpill(dir string) (*DiskSpill, error) {
	if dir == "" {
		return nil, fmt.Errorf("spill directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spill directory: %w", err)
	}
	q, err := goque.OpenQueue(dir)
	if err != nil {
		return nil, fmt.Errorf("open spill queue %s: %w", dir, err)
	}
	return &DiskSpill{queue: q}, nil
}

func (s *DiskSpill) Push(chunk []storage.Measurement) error {
	if len(chunk) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.queue.EnqueueObject(chunk); err != nil {
		return fmt.Errorf("spill %d measurements: %w", len(chunk), err)
	}
	return nil
}

func (s *DiskSpill) Peek() ([]storage.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, err := s.queue.Peek()
	if errors.Is(err, goque.ErrEmpty) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read spill: %w", err)
	}
	var chunk []storage.Measurement
	if err := item.ToObject(&chunk); err != nil {
		return nil, fmt.Errorf("decode spill chunk: %w", err)
	}
	return chunk, nil
}

func (s *DiskSpill) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.queue.Dequeue(); err != nil && !errors.Is(err, goque.ErrEmpty) {
		return fmt.Errorf("discard spill chunk: %w", err)
	}
	return nil
}

func (s *DiskSpill) Len() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Length()
}

func (s *DiskSpill) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Close()
}
