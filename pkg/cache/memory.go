package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const memoryStoreLabel = "memory"

// MemoryStore is a bounded in-process cache with LRU eviction. Expiry is
// checked lazily on read and swept opportunistically by a background
// goroutine. Call Close when done to stop the sweeper.
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	ll         *list.List // front = most recently used
	items      map[string]*list.Element

	sweepInterval time.Duration
	stopSweep     chan struct{}
	closeOnce     sync.Once
}

type memoryItem struct {
	key   string
	entry *Entry
}

// NewMemoryStore creates a memory store holding at most maxEntries
// entries (0 or negative means 1024) and sweeping expired entries every
// sweepInterval (0 or negative means 1 minute).
func NewMemoryStore(maxEntries int, sweepInterval time.Duration) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	s := &MemoryStore{
		maxEntries:    maxEntries,
		ll:            list.New(),
		items:         make(map[string]*list.Element),
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
	}

	go s.sweepLoop()

	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key Key) (*Entry, error) {
	k := key.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[k]
	if !ok {
		CacheMisses.WithLabelValues(memoryStoreLabel).Inc()
		return nil, ErrCacheMiss
	}

	item := elem.Value.(*memoryItem)
	if item.entry.IsExpired() {
		s.removeElement(elem, "expired")
		CacheMisses.WithLabelValues(memoryStoreLabel).Inc()
		return nil, ErrCacheMiss
	}

	s.ll.MoveToFront(elem)
	CacheHits.WithLabelValues(memoryStoreLabel).Inc()
	return item.entry, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil || entry.Remaining() <= 0 {
		// Already expired, don't cache
		return nil
	}

	k := key.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[k]; ok {
		elem.Value.(*memoryItem).entry = entry
		s.ll.MoveToFront(elem)
		return nil
	}

	elem := s.ll.PushFront(&memoryItem{key: k, entry: entry})
	s.items[k] = elem
	CacheEntries.WithLabelValues(memoryStoreLabel).Set(float64(s.ll.Len()))

	for s.ll.Len() > s.maxEntries {
		if back := s.ll.Back(); back != nil {
			s.removeElement(back, "lru")
		}
	}

	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key Key) error {
	k := key.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[k]; ok {
		delete(s.items, k)
		s.ll.Remove(elem)
		CacheEntries.WithLabelValues(memoryStoreLabel).Set(float64(s.ll.Len()))
	}
	return nil
}

// Len returns the current number of entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

// Close implements Store. Stops the background sweeper; safe to call
// multiple times.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopSweep)
	})
	return nil
}

// removeElement must be called with s.mu held.
func (s *MemoryStore) removeElement(elem *list.Element, reason string) {
	item := elem.Value.(*memoryItem)
	delete(s.items, item.key)
	s.ll.Remove(elem)
	CacheEvictions.WithLabelValues(memoryStoreLabel, reason).Inc()
	CacheEntries.WithLabelValues(memoryStoreLabel).Set(float64(s.ll.Len()))
}

// sweepLoop periodically removes expired entries so unread stale data
// does not pin memory until LRU pressure pushes it out.
func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopSweep:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*list.Element
	for elem := s.ll.Back(); elem != nil; elem = elem.Prev() {
		if elem.Value.(*memoryItem).entry.IsExpired() {
			expired = append(expired, elem)
		}
	}
	for _, elem := range expired {
		s.removeElement(elem, "expired")
	}
}
