package aitutor

import (
	"context"
	"sync/atomic"
	"time"
)

// Feature identifies the tutoring capability a request targets
type Feature string

const (
	// FeatureQuestionHint asks for a graded hint on a question
	FeatureQuestionHint Feature = "question_hint"
	// FeatureTopicExplanation asks for an explanation of a topic
	FeatureTopicExplanation Feature = "topic_explanation"
	// FeatureStudyPlan asks for a study plan
	FeatureStudyPlan Feature = "study_plan"
	// FeatureAnswerEvaluation asks for an evaluation of a submitted answer
	FeatureAnswerEvaluation Feature = "answer_evaluation"
	// FeaturePerformanceAnalysis asks for an analysis of exam performance
	FeaturePerformanceAnalysis Feature = "performance_analysis"
	// FeatureQuestionGeneration asks for new practice questions
	FeatureQuestionGeneration Feature = "question_generation"
	// FeatureContentEnhancement asks for improved lesson content
	FeatureContentEnhancement Feature = "content_enhancement"
	// FeatureMotivationMessage asks for an encouraging message
	FeatureMotivationMessage Feature = "motivation_message"
)

var features = []Feature{
	FeatureQuestionHint,
	FeatureTopicExplanation,
	FeatureStudyPlan,
	FeatureAnswerEvaluation,
	FeaturePerformanceAnalysis,
	FeatureQuestionGeneration,
	FeatureContentEnhancement,
	FeatureMotivationMessage,
}

// Features returns the closed set of supported features in declaration order
func Features() []Feature {
	out := make([]Feature, len(features))
	copy(out, features)
	return out
}

// Valid reports whether f belongs to the closed feature set
func (f Feature) Valid() bool {
	for _, known := range features {
		if f == known {
			return true
		}
	}
	return false
}

// RequestContext carries correlating identifiers through to the provider.
// The dispatcher never inspects it.
type RequestContext struct {
	LessonID   string            `json:"lessonId,omitempty"`
	QuestionID string            `json:"questionId,omitempty"`
	TopicID    string            `json:"topicId,omitempty"`
	ExamID     string            `json:"examId,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Role is the author of a Message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MetadataFeature is the metadata key holding the feature that produced a message
const MetadataFeature = "feature"

// Message is a unit of conversational output. Callers own returned messages;
// the core does not persist them.
type Message struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Feature   Feature           `json:"feature,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// PeriodType defines how quota accounting periods are cut
type PeriodType string

const (
	// PeriodTypeDaily resets at 00:00 UTC every day
	PeriodTypeDaily PeriodType = "daily"
	// PeriodTypeMonthly resets on the anniversary of the user's entitlement start
	PeriodTypeMonthly PeriodType = "monthly"
	// PeriodTypeInterval resets every PeriodConfig.Interval, aligned to the Unix epoch
	PeriodTypeInterval PeriodType = "interval"
)

// PeriodConfig selects the accounting period granularity
type PeriodConfig struct {
	Type PeriodType

	// Interval is the period length for PeriodTypeInterval
	Interval time.Duration
}

// Period represents a quota period with start and end times
type Period struct {
	Start time.Time
	End   time.Time
	Type  PeriodType
}

// Key returns a stable string key for this period
func (p Period) Key() string {
	switch p.Type {
	case PeriodTypeInterval:
		return p.Start.UTC().Format("2006-01-02T15:04:05Z")
	default:
		return p.Start.UTC().Format("2006-01-02")
	}
}

// Entitlement assigns a user to a tier
type Entitlement struct {
	UserID                string
	Tier                  string
	SubscriptionStartDate time.Time
	UpdatedAt             time.Time
}

// Unlimited is the TierConfig.Limit value that disables the quota check
const Unlimited = -1

// TierConfig defines the request limit of a tier
type TierConfig struct {
	Name string

	// Limit is the number of requests per period, or Unlimited
	Limit int
}

// Usage is the stored counter for a user and period
type Usage struct {
	UserID    string
	Used      int
	Limit     int
	Period    Period
	Tier      string
	UpdatedAt time.Time
}

// QuotaStatus is the read model of a user's quota in the current period
type QuotaStatus struct {
	UserID      string    `json:"userId"`
	Used        int       `json:"used"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	IsUnlimited bool      `json:"isUnlimited"`
	ResetAt     time.Time `json:"resetAt"`
	Unit        string    `json:"unit"`
	Tier        string    `json:"tier"`
}

// Reservation is the token issued by a successful Ledger.TryReserve
type Reservation struct {
	ID        string
	UserID    string
	Feature   Feature
	Tier      string
	Period    Period
	CreatedAt time.Time

	released atomic.Bool
}

// FeedbackEntry is user feedback on a previously returned message
type FeedbackEntry struct {
	ResponseID string `json:"responseId" validate:"required,max=128"`
	Rating     int    `json:"rating" validate:"min=1,max=5"`
	Helpful    bool   `json:"helpful"`
	Comment    string `json:"comment,omitempty" validate:"max=2000"`
}

// FeedbackRecord is an accepted FeedbackEntry enriched with its origin
type FeedbackRecord struct {
	FeedbackEntry
	UserID      string    `json:"userId"`
	Feature     Feature   `json:"feature"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// WarningHandler is called when a reservation crosses a usage threshold
type WarningHandler interface {
	OnWarning(ctx context.Context, status *QuotaStatus, threshold float64)
}

// Config holds quota ledger configuration
type Config struct {
	// Tiers maps tier names to their limits
	Tiers map[string]TierConfig

	// DefaultTier is used when a user has no entitlement
	DefaultTier string

	// Period selects the accounting period (default: daily)
	Period PeriodConfig

	// Unit labels the counted quantity for display (default: "requests")
	Unit string

	// WarningThresholds are usage fractions (e.g. 0.8) reported to WarningHandler
	WarningThresholds []float64

	// WarningHandler is called when a warning threshold is crossed (optional)
	WarningHandler WarningHandler

	// TimeSource overrides the clock used for period computation (optional)
	TimeSource TimeSource

	// Classifier turns storage failures into AIErrors (default: English classifier)
	Classifier *Classifier

	// Metrics is used for tracking ledger operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}
