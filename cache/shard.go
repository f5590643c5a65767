package cache

import (
	"container/list"
	"sync"
)

// shard is an LRU cache for one hash bucket: doubly linked list for recency
// plus a hash index for O(1) lookup.
type shard struct {
	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
	size  int
}

type domainEntry struct {
	domain string
	entry  Entry
}

func newShard(size int) *shard {
	if size < 1 {
		size = 1
	}

	return &shard{
		order: list.New(),
		index: make(map[string]*list.Element),
		size:  size,
	}
}

func (s *shard) Get(domain string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.index[domain]
	if !ok {
		return Entry{}, false
	}

	s.order.MoveToFront(el)

	return el.Value.(*domainEntry).entry, true
}

func (s *shard) Set(domain string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[domain]; ok {
		el.Value.(*domainEntry).entry = e
		s.order.MoveToFront(el)
		return
	}

	if s.order.Len() >= s.size {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.index, oldest.Value.(*domainEntry).domain)
		}
	}

	s.index[domain] = s.order.PushFront(&domainEntry{domain: domain, entry: e})
}

func (s *shard) Remove(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[domain]; ok {
		s.order.Remove(el)
		delete(s.index, domain)
	}
}

func (s *shard) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.order.Len()
}

// Snapshot returns a copy of the shard contents in recency order.
func (s *shard) Snapshot() []domainEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]domainEntry, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		entries = append(entries, *el.Value.(*domainEntry))
	}

	return entries
}
