package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryLock struct {
	owner     string
	expiresAt time.Time
}

// MemoryStore is a process-local Store with the same conditional-write
// semantics as the Redis one. Used by tests and one-shot CLI runs.
type MemoryStore struct {
	mu       sync.Mutex
	sets     map[string]map[string]float64 // tenant -> jobID -> score
	locks    map[string]memoryLock         // tenant/jobID -> lease
	canceled map[string]time.Time          // jobID -> marker expiry
}

// NewMemoryStore creates an empty in-memory queue store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sets:     make(map[string]map[string]float64),
		locks:    make(map[string]memoryLock),
		canceled: make(map[string]time.Time),
	}
}

// Add inserts a member into the tenant's set.
func (s *MemoryStore) Add(_ context.Context, tenantID, jobID string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[tenantID]
	if !ok {
		set = make(map[string]float64)
		s.sets[tenantID] = set
	}
	set[jobID] = score
	return nil
}

// Ready returns due members in score order.
func (s *MemoryStore) Ready(_ context.Context, tenantID string, maxScore float64, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type entry struct {
		id    string
		score float64
	}
	var due []entry
	for id, score := range s.sets[tenantID] {
		if score <= maxScore {
			due = append(due, entry{id, score})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].score == due[j].score {
			return due[i].id < due[j].id
		}
		return due[i].score < due[j].score
	})

	var out []string
	for _, e := range due {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, e.id)
	}
	return out, nil
}

// Remove deletes a member from the tenant's set.
func (s *MemoryStore) Remove(_ context.Context, tenantID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets[tenantID], jobID)
	return nil
}

// Contains reports set membership. Test helper.
func (s *MemoryStore) Contains(tenantID, jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sets[tenantID][jobID]
	return ok
}

// AcquireLock takes or refreshes the lease.
func (s *MemoryStore) AcquireLock(_ context.Context, tenantID, jobID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "/" + jobID
	now := time.Now()
	if l, ok := s.locks[key]; ok && l.expiresAt.After(now) && l.owner != owner {
		return false, nil
	}
	s.locks[key] = memoryLock{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// RenewLock extends the lease only for its current owner.
func (s *MemoryStore) RenewLock(_ context.Context, tenantID, jobID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "/" + jobID
	now := time.Now()
	l, ok := s.locks[key]
	if !ok || !l.expiresAt.After(now) || l.owner != owner {
		return false, nil
	}
	s.locks[key] = memoryLock{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLock drops the lease if owner holds it.
func (s *MemoryStore) ReleaseLock(_ context.Context, tenantID, jobID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "/" + jobID
	if l, ok := s.locks[key]; ok && l.owner == owner {
		delete(s.locks, key)
	}
	return nil
}

// DropLock force-removes a lease regardless of owner. Test helper.
func (s *MemoryStore) DropLock(tenantID, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, tenantID+"/"+jobID)
}

// MarkCanceled sets the cancellation marker.
func (s *MemoryStore) MarkCanceled(_ context.Context, jobID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled[jobID] = time.Now().Add(ttl)
	return nil
}

// IsCanceled reads the cancellation marker.
func (s *MemoryStore) IsCanceled(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.canceled[jobID]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(s.canceled, jobID)
		return false, nil
	}
	return true, nil
}
