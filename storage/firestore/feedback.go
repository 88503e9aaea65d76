package firestore

import (
	"context"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

// FeedbackSink implements aitutor.FeedbackSink by writing one document per
// response id. Create fails if the document exists, so duplicate feedback is
// rejected across instances, not only within one process.
type FeedbackSink struct {
	storage *Storage
}

// NewFeedbackSink returns a sink writing to the storage's feedback collection
func NewFeedbackSink(storage *Storage) *FeedbackSink {
	return &FeedbackSink{storage: storage}
}

// RecordFeedback implements aitutor.FeedbackSink
func (f *FeedbackSink) RecordFeedback(ctx context.Context, record *aitutor.FeedbackRecord) error {
	doc := f.storage.client.Collection(f.storage.feedbackCollection).Doc(record.ResponseID)
	_, err := doc.Create(ctx, map[string]interface{}{
		"responseId":  record.ResponseID,
		"userId":      record.UserID,
		"feature":     string(record.Feature),
		"rating":      record.Rating,
		"helpful":     record.Helpful,
		"comment":     record.Comment,
		"submittedAt": record.SubmittedAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return aitutor.ErrDuplicateFeedback
	}
	if err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	return nil
}
