package aitutor

import (
	"context"
	"time"
)

// Storage defines the interface for ledger persistence.
// ConsumeQuota and RefundQuota must each be atomic per user and period.
type Storage interface {
	// GetEntitlement retrieves user's entitlement.
	// Returns ErrEntitlementNotFound if the user has none.
	GetEntitlement(ctx context.Context, userID string) (*Entitlement, error)

	// SetEntitlement stores user's entitlement
	SetEntitlement(ctx context.Context, ent *Entitlement) error

	// GetUsage retrieves usage for a specific period.
	// Returns nil, nil if nothing was recorded in the period.
	GetUsage(ctx context.Context, userID string, period Period) (*Usage, error)

	// ConsumeQuota atomically checks the limit and increments usage.
	// Returns the new total used amount, or ErrQuotaExceeded with the
	// unchanged total when the increment would exceed Limit.
	ConsumeQuota(ctx context.Context, req *ConsumeRequest) (int, error)

	// RefundQuota atomically decrements usage, floored at 0.
	// Returns the new total used amount.
	RefundQuota(ctx context.Context, req *RefundRequest) (int, error)

	// SetUsage overwrites usage for a specific period
	SetUsage(ctx context.Context, userID string, used int, period Period) error
}

// TimeSource defines an interface for getting time from the storage engine.
// Using storage engine time keeps period boundaries consistent across
// application servers with skewed clocks.
type TimeSource interface {
	// Now returns the current time from the storage engine.
	Now(ctx context.Context) (time.Time, error)
}

// UsageSeeder is implemented by storages that can create a usage counter only
// when none exists yet. Caches in front of a durable store use it to fill in
// usage without overwriting increments that landed in the meantime.
type UsageSeeder interface {
	// SeedUsage stores used for the period unless a counter already exists.
	// Reports whether the counter was created.
	SeedUsage(ctx context.Context, userID string, used int, period Period) (bool, error)
}

// ConsumeRequest represents a quota reservation request
type ConsumeRequest struct {
	UserID  string
	Feature Feature
	Tier    string
	Period  Period
	Amount  int

	// Limit is the tier limit, or Unlimited
	Limit int
}

// RefundRequest represents giving reserved quota back
type RefundRequest struct {
	UserID        string
	Period        Period
	Amount        int
	ReservationID string
}
