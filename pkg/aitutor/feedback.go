package aitutor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// FeedbackSink receives accepted feedback, e.g. to persist or publish it.
type FeedbackSink interface {
	RecordFeedback(ctx context.Context, record *FeedbackRecord) error
}

// FeedbackRecorderConfig holds feedback recorder configuration
type FeedbackRecorderConfig struct {
	// Responses is the registry of messages feedback may target (required)
	Responses *ResponseRegistry

	// Identity resolves the caller (default: ContextIdentity)
	Identity Identity

	// Sink receives accepted feedback (optional)
	Sink FeedbackSink

	// Classifier turns failures into AIErrors (default: English classifier)
	Classifier *Classifier

	Metrics Metrics
	Logger  Logger
}

// FeedbackRecorder associates ratings with previously returned responses.
// Each response accepts feedback once; later submissions are rejected.
type FeedbackRecorder struct {
	responses  *ResponseRegistry
	identity   Identity
	sink       FeedbackSink
	classifier *Classifier
	validate   *validator.Validate
	translator ut.Translator
	metrics    Metrics
	logger     Logger
	now        func() time.Time
}

// NewFeedbackRecorder creates a feedback recorder
func NewFeedbackRecorder(config FeedbackRecorderConfig) (*FeedbackRecorder, error) {
	if config.Responses == nil {
		return nil, fmt.Errorf("%w: response registry is required", ErrInvalidConfig)
	}
	if config.Identity == nil {
		config.Identity = ContextIdentity{}
	}
	if config.Classifier == nil {
		config.Classifier = NewClassifier()
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}

	validate, translator := newValidator()
	return &FeedbackRecorder{
		responses:  config.Responses,
		identity:   config.Identity,
		sink:       config.Sink,
		classifier: config.Classifier,
		validate:   validate,
		translator: translator,
		metrics:    config.Metrics,
		logger:     config.Logger,
		now:        time.Now,
	}, nil
}

// newValidator builds a validator reporting JSON field names with English messages.
func newValidator() (*validator.Validate, ut.Translator) {
	validate := validator.New()

	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return validate, translator
}

// Submit records entry for the caller. The response must have been returned
// to the same caller and still be held by the registry.
func (f *FeedbackRecorder) Submit(ctx context.Context, entry FeedbackEntry) error {
	if err := f.validate.Struct(entry); err != nil {
		f.metrics.RecordFeedback("", false)
		return f.classifier.ClassifyContext(ctx, fmt.Errorf("%w: %s", ErrInvalidFeedback, f.describe(err)))
	}

	userID, err := f.identity.UserID(ctx)
	if err != nil || userID == "" {
		if err == nil {
			err = ErrUnauthenticated
		}
		return f.classifier.New(ctx, CodeAuthError, err)
	}

	record, err := f.responses.MarkFeedback(entry.ResponseID, userID)
	if err != nil {
		f.metrics.RecordFeedback("", false)
		f.logger.Debug("feedback rejected",
			Field{"userId", userID}, Field{"responseId", entry.ResponseID}, ErrField(err))
		return f.classifier.ClassifyContext(ctx, fmt.Errorf("response %q: %w", entry.ResponseID, err))
	}

	if f.sink != nil {
		err := f.sink.RecordFeedback(ctx, &FeedbackRecord{
			FeedbackEntry: entry,
			UserID:        userID,
			Feature:       record.Feature,
			SubmittedAt:   f.now().UTC(),
		})
		if errors.Is(err, ErrDuplicateFeedback) {
			// another instance already holds feedback for this response
			f.metrics.RecordFeedback(record.Feature, false)
			return f.classifier.ClassifyContext(ctx, fmt.Errorf("response %q: %w", entry.ResponseID, err))
		}
		if err != nil {
			f.responses.UnmarkFeedback(entry.ResponseID)
			f.metrics.RecordFeedback(record.Feature, false)
			f.logger.Error("failed to record feedback",
				Field{"userId", userID}, Field{"responseId", entry.ResponseID}, ErrField(err))
			return f.classifier.ClassifyContext(ctx, fmt.Errorf("record feedback: %w", err))
		}
	}

	f.metrics.RecordFeedback(record.Feature, true)
	f.logger.Info("feedback recorded",
		Field{"userId", userID}, Field{"responseId", entry.ResponseID}, Field{"rating", entry.Rating})
	return nil
}

// describe joins the translated validation failures
func (f *FeedbackRecorder) describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Translate(f.translator))
	}
	return strings.Join(msgs, "; ")
}
