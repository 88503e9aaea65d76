package aitutor

import (
	"container/list"
	"sync"
	"time"
)

// ResponseRecord describes a message previously returned to a user.
type ResponseRecord struct {
	ResponseID        string
	UserID            string
	Feature           Feature
	CreatedAt         time.Time
	FeedbackSubmitted bool
}

// ResponseRegistryStats holds registry statistics
type ResponseRegistryStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// responseEntry is linked into both the recency list and the expiry queue
type responseEntry struct {
	record     ResponseRecord
	expiration time.Time
	recency    *list.Element
	expiry     *list.Element
}

// ResponseRegistry is a bounded, in-process LRU set of recent responses with TTL.
// Feedback may only target responses it still holds.
//
// Every entry lives for the same ttl from registration, so the expiry queue is
// ordered by expiration and eviction never scans the whole registry.
type ResponseRegistry struct {
	mu      sync.Mutex
	entries map[string]*responseEntry
	recency *list.List // front is most recently used
	expiry  *list.List // front expires first
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	hits      int64
	misses    int64
	evictions int64
}

// NewResponseRegistry creates a registry holding at most maxSize responses for ttl each.
func NewResponseRegistry(maxSize int, ttl time.Duration) *ResponseRegistry {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ResponseRegistry{
		entries: make(map[string]*responseEntry, maxSize),
		recency: list.New(),
		expiry:  list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Register records a message returned to userID.
func (r *ResponseRegistry) Register(msg *Message, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	record := ResponseRecord{
		ResponseID: msg.ID,
		UserID:     userID,
		Feature:    msg.Feature,
		CreatedAt:  msg.Timestamp,
	}

	if entry, exists := r.entries[msg.ID]; exists {
		entry.record = record
		entry.expiration = now.Add(r.ttl)
		r.recency.MoveToFront(entry.recency)
		r.expiry.MoveToBack(entry.expiry)
		return
	}

	if len(r.entries) >= r.maxSize {
		r.evictLocked(now)
	}

	entry := &responseEntry{record: record, expiration: now.Add(r.ttl)}
	entry.recency = r.recency.PushFront(msg.ID)
	entry.expiry = r.expiry.PushBack(msg.ID)
	r.entries[msg.ID] = entry
}

// Lookup returns a copy of the record for responseID.
func (r *ResponseRegistry) Lookup(responseID string) (ResponseRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.getLocked(responseID)
	if !ok {
		return ResponseRecord{}, false
	}
	return entry.record, true
}

// MarkFeedback atomically flags responseID as having received feedback from userID.
// Returns ErrUnknownResponse if the response is absent, expired, or owned by
// someone else, and ErrDuplicateFeedback if it was already flagged.
func (r *ResponseRegistry) MarkFeedback(responseID, userID string) (ResponseRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.getLocked(responseID)
	if !ok || entry.record.UserID != userID {
		return ResponseRecord{}, ErrUnknownResponse
	}
	if entry.record.FeedbackSubmitted {
		return ResponseRecord{}, ErrDuplicateFeedback
	}
	entry.record.FeedbackSubmitted = true
	return entry.record, nil
}

// UnmarkFeedback clears the feedback flag, e.g. when forwarding the feedback failed.
func (r *ResponseRegistry) UnmarkFeedback(responseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[responseID]; ok {
		entry.record.FeedbackSubmitted = false
	}
}

// Stats returns registry statistics
func (r *ResponseRegistry) Stats() ResponseRegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ResponseRegistryStats{
		Hits:      r.hits,
		Misses:    r.misses,
		Evictions: r.evictions,
		Size:      len(r.entries),
	}
}

func (r *ResponseRegistry) getLocked(responseID string) (*responseEntry, bool) {
	entry, exists := r.entries[responseID]
	if !exists {
		r.misses++
		return nil, false
	}
	if r.now().After(entry.expiration) {
		r.removeLocked(responseID, entry)
		r.misses++
		return nil, false
	}
	r.recency.MoveToFront(entry.recency)
	r.hits++
	return entry, true
}

// evictLocked drops expired entries, or the least recently used one if none expired.
func (r *ResponseRegistry) evictLocked(now time.Time) {
	expired := 0
	for front := r.expiry.Front(); front != nil; front = r.expiry.Front() {
		id := front.Value.(string)
		entry := r.entries[id]
		if !now.After(entry.expiration) {
			break
		}
		r.removeLocked(id, entry)
		expired++
	}
	if expired > 0 {
		r.evictions += int64(expired)
		return
	}

	if back := r.recency.Back(); back != nil {
		id := back.Value.(string)
		r.removeLocked(id, r.entries[id])
		r.evictions++
	}
}

func (r *ResponseRegistry) removeLocked(id string, entry *responseEntry) {
	r.recency.Remove(entry.recency)
	r.expiry.Remove(entry.expiry)
	delete(r.entries, id)
}
