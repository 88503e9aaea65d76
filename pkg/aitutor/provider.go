package aitutor

import "context"

// Request is what the dispatcher hands to a Provider.
type Request struct {
	Feature Feature
	Content string
	Context RequestContext
	UserID  string

	// HintLevel is 1..3 for FeatureQuestionHint requests made through Hint, 0 otherwise
	HintLevel int
}

// Completion is a provider's single-shot answer.
type Completion struct {
	Content  string
	Metadata map[string]string
}

// Chunk is one element of a provider stream. A chunk with Err set is
// the last one the provider sends.
type Chunk struct {
	Text string
	Err  error
}

// Provider is the upstream model collaborator.
//
// Stream returns a channel the provider closes when the completion ends.
// Implementations must stop sending and close the channel when ctx is done.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Completion, error)
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// HealthChecker is implemented by providers that can probe their upstream.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
