// Package memory provides an in-memory implementation of the aitutor.Storage interface.
// This implementation is primarily intended for testing and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

// Storage implements aitutor.Storage using in-memory maps.
// A single mutex serializes every check-and-increment.
type Storage struct {
	mu           sync.RWMutex
	entitlements map[string]*aitutor.Entitlement
	usage        map[string]*aitutor.Usage
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		entitlements: make(map[string]*aitutor.Entitlement),
		usage:        make(map[string]*aitutor.Usage),
	}
}

// GetEntitlement implements aitutor.Storage
func (s *Storage) GetEntitlement(_ context.Context, userID string) (*aitutor.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entitlements[userID]
	if !ok {
		return nil, aitutor.ErrEntitlementNotFound
	}

	// Return a copy to prevent external mutations
	entCopy := *ent
	return &entCopy, nil
}

// SetEntitlement implements aitutor.Storage
func (s *Storage) SetEntitlement(_ context.Context, ent *aitutor.Entitlement) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("invalid entitlement")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entCopy := *ent
	s.entitlements[ent.UserID] = &entCopy
	return nil
}

// GetUsage implements aitutor.Storage
func (s *Storage) GetUsage(_ context.Context, userID string, period aitutor.Period) (*aitutor.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	usage, ok := s.usage[usageKey(userID, period)]
	if !ok {
		return nil, nil // No usage yet is not an error
	}

	usageCopy := *usage
	return &usageCopy, nil
}

// ConsumeQuota implements aitutor.Storage with mutex-serialized check-and-increment
func (s *Storage) ConsumeQuota(_ context.Context, req *aitutor.ConsumeRequest) (int, error) {
	if req.Amount < 0 {
		return 0, aitutor.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(req.UserID, req.Period)
	currentUsed := 0
	if usage, ok := s.usage[key]; ok {
		currentUsed = max(usage.Used, 0)
	}
	if req.Amount == 0 {
		return currentUsed, nil
	}

	newUsed := currentUsed + req.Amount
	if req.Limit != aitutor.Unlimited && newUsed > req.Limit {
		return currentUsed, aitutor.ErrQuotaExceeded
	}

	s.usage[key] = &aitutor.Usage{
		UserID:    req.UserID,
		Used:      newUsed,
		Limit:     req.Limit,
		Period:    req.Period,
		Tier:      req.Tier,
		UpdatedAt: time.Now().UTC(),
	}
	return newUsed, nil
}

// RefundQuota implements aitutor.Storage, flooring usage at zero
func (s *Storage) RefundQuota(_ context.Context, req *aitutor.RefundRequest) (int, error) {
	if req.Amount < 0 {
		return 0, aitutor.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	usage, ok := s.usage[usageKey(req.UserID, req.Period)]
	if !ok {
		return 0, nil
	}
	usage.Used = max(usage.Used-req.Amount, 0)
	usage.UpdatedAt = time.Now().UTC()
	return usage.Used, nil
}

// SetUsage implements aitutor.Storage
func (s *Storage) SetUsage(_ context.Context, userID string, used int, period aitutor.Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(userID, period)
	if usage, ok := s.usage[key]; ok {
		usage.Used = used
		usage.UpdatedAt = time.Now().UTC()
		return nil
	}
	s.usage[key] = &aitutor.Usage{
		UserID:    userID,
		Used:      used,
		Period:    period,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

// SeedUsage implements aitutor.UsageSeeder; the check and the insert share the lock
func (s *Storage) SeedUsage(_ context.Context, userID string, used int, period aitutor.Period) (bool, error) {
	if used < 0 {
		return false, aitutor.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(userID, period)
	if _, ok := s.usage[key]; ok {
		return false, nil
	}
	s.usage[key] = &aitutor.Usage{
		UserID:    userID,
		Used:      used,
		Period:    period,
		UpdatedAt: time.Now().UTC(),
	}
	return true, nil
}

// usageKey generates a unique key for usage tracking
func usageKey(userID string, period aitutor.Period) string {
	return fmt.Sprintf("%s:%s:%s", userID, period.Type, period.Key())
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entitlements = make(map[string]*aitutor.Entitlement)
	s.usage = make(map[string]*aitutor.Usage)
}
