package kv

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development.
// TTLs are honored lazily on read.
type MemoryStore struct {
	mu      sync.RWMutex
	values  map[string]entry
	lists   map[string][]string
	sets    map[string]map[string]bool
	subs    map[string]map[*memorySubscription]bool
	expires map[string]time.Time
	closed  bool
}

type entry struct {
	value string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]entry),
		lists:   make(map[string][]string),
		sets:    make(map[string]map[string]bool),
		subs:    make(map[string]map[*memorySubscription]bool),
		expires: make(map[string]time.Time),
	}
}

// expired reports and reaps a lapsed key. Caller must hold mu for writing.
func (s *MemoryStore) expired(key string) bool {
	deadline, ok := s.expires[key]
	if !ok || time.Now().Before(deadline) {
		return false
	}
	delete(s.values, key)
	delete(s.lists, key)
	delete(s.sets, key)
	delete(s.expires, key)
	return true
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		return "", ErrNotFound
	}
	e, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = entry{value: value}
	s.setTTL(key, ttl)
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired(key)
	if _, ok := s.values[key]; ok {
		return false, nil
	}
	s.values[key] = entry{value: value}
	s.setTTL(key, ttl)
	return true, nil
}

func (s *MemoryStore) setTTL(key string, ttl time.Duration) {
	if ttl > 0 {
		s.expires[key] = time.Now().Add(ttl)
	} else {
		delete(s.expires, key)
	}
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.values, key)
		delete(s.lists, key)
		delete(s.sets, key)
		delete(s.expires, key)
	}
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setTTL(key, ttl)
	return nil
}

func (s *MemoryStore) RPush(_ context.Context, key string, values ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired(key)
	s.lists[key] = append(s.lists[key], values...)
	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired(key)
	list := s.lists[key]
	n := int64(len(list))
	start, stop = normalizeRange(start, stop, n)
	if start > stop || start >= n {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (s *MemoryStore) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired(key)
	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired(key)
	list := s.lists[key]
	n := int64(len(list))
	start, stop = normalizeRange(start, stop, n)
	if start > stop || start >= n {
		s.lists[key] = nil
		return nil
	}
	trimmed := make([]string, stop-start+1)
	copy(trimmed, list[start:stop+1])
	s.lists[key] = trimmed
	return nil
}

// normalizeRange maps Redis-style inclusive indexes (negatives from the
// tail) onto [0, n).
func normalizeRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

func (s *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired(key)
	set := s.sets[key]
	if set == nil {
		set = make(map[string]bool)
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = true
	}
	return nil
}

func (s *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		delete(s.sets[key], m)
	}
	return nil
}

func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired(key)
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) Publish(_ context.Context, channel, payload string) error {
	s.mu.RLock()
	subs := make([]*memorySubscription, 0, len(s.subs[channel]))
	for sub := range s.subs[channel] {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, sub := range subs {
		sub.deliver(msg)
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	sub := &memorySubscription{
		store:    s,
		channels: channels,
		out:      make(chan Message, 64),
	}

	s.mu.Lock()
	for _, ch := range channels {
		if s.subs[ch] == nil {
			s.subs[ch] = make(map[*memorySubscription]bool)
		}
		s.subs[ch][sub] = true
	}
	s.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = sub.Close()
		}()
	}
	return sub, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	all := make([]*memorySubscription, 0)
	for _, subs := range s.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range all {
		_ = sub.Close()
	}
	return nil
}

type memorySubscription struct {
	store    *MemoryStore
	channels []string
	out      chan Message

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) deliver(msg Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.out <- msg:
		s.mu.Unlock()
		return
	default:
	}
	s.mu.Unlock()

	// A full buffer means the consumer has fallen behind. Disconnecting it
	// beats silently dropping messages: the consumer sees its channel close
	// and re-subscribes, replaying whatever it missed from the durable log.
	_ = s.Close()
}

func (s *memorySubscription) C() <-chan Message { return s.out }

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.out)
	s.mu.Unlock()

	s.store.mu.Lock()
	for _, ch := range s.channels {
		delete(s.store.subs[ch], s)
	}
	s.store.mu.Unlock()
	return nil
}
