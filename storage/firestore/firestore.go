// Package firestore provides a Firestore implementation of the aitutor.Storage interface.
// This implementation uses Google Cloud Firestore for production-grade quota persistence.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

// Storage implements aitutor.Storage using Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	entitlementsCollection string
	usageCollection        string
	feedbackCollection     string
}

// Config holds Firestore storage configuration
type Config struct {
	// EntitlementsCollection is the Firestore collection for user entitlements
	// Default: "tutor_entitlements"
	EntitlementsCollection string

	// UsageCollection is the Firestore collection for usage tracking
	// Default: "tutor_usage"
	UsageCollection string

	// FeedbackCollection is the Firestore collection written by FeedbackSink
	// Default: "tutor_feedback"
	FeedbackCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "tutor_entitlements"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "tutor_usage"
	}
	if config.FeedbackCollection == "" {
		config.FeedbackCollection = "tutor_feedback"
	}

	return &Storage{
		client:                 client,
		entitlementsCollection: config.EntitlementsCollection,
		usageCollection:        config.UsageCollection,
		feedbackCollection:     config.FeedbackCollection,
	}, nil
}

// GetEntitlement implements aitutor.Storage
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*aitutor.Entitlement, error) {
	snap, err := s.client.Collection(s.entitlementsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, aitutor.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	if !snap.Exists() {
		return nil, aitutor.ErrEntitlementNotFound
	}

	data := snap.Data()
	return &aitutor.Entitlement{
		UserID:                userID,
		Tier:                  getString(data, "tier"),
		SubscriptionStartDate: getTime(data, "subscriptionStartDate"),
		UpdatedAt:             getTime(data, "updatedAt"),
	}, nil
}

// SetEntitlement implements aitutor.Storage
func (s *Storage) SetEntitlement(ctx context.Context, ent *aitutor.Entitlement) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("invalid entitlement")
	}

	_, err := s.client.Collection(s.entitlementsCollection).Doc(ent.UserID).Set(ctx, map[string]interface{}{
		"tier":                  ent.Tier,
		"subscriptionStartDate": ent.SubscriptionStartDate,
		"updatedAt":             time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to set entitlement: %w", err)
	}
	return nil
}

// GetUsage implements aitutor.Storage
func (s *Storage) GetUsage(ctx context.Context, userID string, period aitutor.Period) (*aitutor.Usage, error) {
	snap, err := s.usageDoc(userID, period).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil // No usage yet is not an error
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}

	data := snap.Data()
	return &aitutor.Usage{
		UserID:    userID,
		Used:      getInt(data, "used"),
		Limit:     getInt(data, "limit"),
		Period:    period,
		Tier:      getString(data, "tier"),
		UpdatedAt: getTime(data, "updatedAt"),
	}, nil
}

// ConsumeQuota implements aitutor.Storage with transaction-safe consumption.
// Firestore retries the transaction on contention, so the read and the
// conditional write observe the same document version.
func (s *Storage) ConsumeQuota(ctx context.Context, req *aitutor.ConsumeRequest) (int, error) {
	if req.Amount < 0 {
		return 0, aitutor.ErrInvalidAmount
	}

	doc := s.usageDoc(req.UserID, req.Period)
	var used int

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		currentUsed := 0
		if snap != nil && snap.Exists() {
			currentUsed = max(getInt(snap.Data(), "used"), 0)
		}
		used = currentUsed
		if req.Amount == 0 {
			return nil
		}

		newUsed := currentUsed + req.Amount
		if req.Limit != aitutor.Unlimited && newUsed > req.Limit {
			return aitutor.ErrQuotaExceeded
		}

		used = newUsed
		return tx.Set(doc, map[string]interface{}{
			"used":       newUsed,
			"limit":      req.Limit,
			"cycleStart": req.Period.Start,
			"cycleEnd":   req.Period.End,
			"periodType": string(req.Period.Type),
			"tier":       req.Tier,
			"updatedAt":  time.Now().UTC(),
		}, firestore.MergeAll)
	})

	if errors.Is(err, aitutor.ErrQuotaExceeded) {
		return used, aitutor.ErrQuotaExceeded
	}
	if err != nil {
		return 0, fmt.Errorf("failed to consume quota: %w", err)
	}
	return used, nil
}

// RefundQuota implements aitutor.Storage, flooring usage at zero
func (s *Storage) RefundQuota(ctx context.Context, req *aitutor.RefundRequest) (int, error) {
	if req.Amount < 0 {
		return 0, aitutor.ErrInvalidAmount
	}

	doc := s.usageDoc(req.UserID, req.Period)
	var used int

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if status.Code(err) == codes.NotFound || (err == nil && !snap.Exists()) {
			used = 0
			return nil
		}
		if err != nil {
			return err
		}

		used = max(getInt(snap.Data(), "used")-req.Amount, 0)
		return tx.Set(doc, map[string]interface{}{
			"used":      used,
			"updatedAt": time.Now().UTC(),
		}, firestore.MergeAll)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to refund quota: %w", err)
	}
	return used, nil
}

// SetUsage implements aitutor.Storage
func (s *Storage) SetUsage(ctx context.Context, userID string, used int, period aitutor.Period) error {
	_, err := s.usageDoc(userID, period).Set(ctx, map[string]interface{}{
		"used":       used,
		"cycleStart": period.Start,
		"cycleEnd":   period.End,
		"periodType": string(period.Type),
		"updatedAt":  time.Now().UTC(),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to set usage: %w", err)
	}
	return nil
}

// SeedUsage implements aitutor.UsageSeeder. Create fails on an existing
// document, which leaves concurrent increments intact.
func (s *Storage) SeedUsage(ctx context.Context, userID string, used int, period aitutor.Period) (bool, error) {
	if used < 0 {
		return false, aitutor.ErrInvalidAmount
	}

	_, err := s.usageDoc(userID, period).Create(ctx, map[string]interface{}{
		"used":       used,
		"cycleStart": period.Start,
		"cycleEnd":   period.End,
		"periodType": string(period.Type),
		"updatedAt":  time.Now().UTC(),
	})
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to seed usage: %w", err)
	}
	return true, nil
}

// usageDoc returns the Firestore document reference for usage tracking
func (s *Storage) usageDoc(userID string, period aitutor.Period) *firestore.DocumentRef {
	// Structure: tutor_usage/{userID}/periods/{periodType}_{periodKey}
	docID := fmt.Sprintf("%s_%s", period.Type, period.Key())

	return s.client.Collection(s.usageCollection).
		Doc(userID).
		Collection("periods").
		Doc(docID)
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
