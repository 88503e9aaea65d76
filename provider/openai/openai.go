// Package openai implements aitutor.Provider over the OpenAI-compatible
// chat completions API, including server-sent event streaming.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"

	finishContentFilter = "content_filter"
)

// Config holds provider configuration
type Config struct {
	// BaseURL is the API root (default: DefaultBaseURL)
	BaseURL string

	// APIKey is sent as a bearer token
	APIKey string

	// Model is the model id (default: DefaultModel)
	Model string

	// SystemPrompt is sent ahead of every request (optional)
	SystemPrompt string

	// Messages renders a request into chat messages (default: SystemPrompt
	// followed by the request content as the user message)
	Messages func(req *aitutor.Request) []Message

	// MaxTokens caps the completion length (0 = provider default)
	MaxTokens int

	// HTTPClient is used for every call (default: client without timeout;
	// the dispatcher bounds calls through the context)
	HTTPClient *http.Client
}

// Provider implements aitutor.Provider and aitutor.HealthChecker
type Provider struct {
	config Config
	client *http.Client
}

// New creates an OpenAI-compatible provider
func New(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("api key is required: %w", aitutor.ErrInvalidConfig)
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Model == "" {
		config.Model = DefaultModel
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Provider{config: config, client: client}, nil
}

// Message is one chat message of the wire format
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	User      string    `json:"user,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		Delta        Message `json:"delta"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
	Error *apiError  `json:"error"`
}

type apiError struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
}

func (e *apiError) reason() string {
	var code string
	if err := json.Unmarshal(e.Code, &code); err == nil && code != "" {
		return code
	}
	return e.Type
}

// Complete implements aitutor.Provider
func (p *Provider) Complete(ctx context.Context, req *aitutor.Request) (*aitutor.Completion, error) {
	resp, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, aitutor.ErrEmptyCompletion
	}

	choice := out.Choices[0]
	if choice.FinishReason == finishContentFilter {
		return nil, &aitutor.ProviderError{
			StatusCode: resp.StatusCode,
			Reason:     aitutor.ReasonContentFilter,
			Message:    "completion withheld by content filter",
		}
	}

	metadata := map[string]string{"model": out.Model}
	if choice.FinishReason != "" {
		metadata["finish_reason"] = choice.FinishReason
	}
	if out.ID != "" {
		metadata["provider_id"] = out.ID
	}
	if out.Usage != nil {
		metadata["total_tokens"] = strconv.Itoa(out.Usage.TotalTokens)
	}
	return &aitutor.Completion{Content: choice.Message.Content, Metadata: metadata}, nil
}

// Stream implements aitutor.Provider. The returned channel is closed when
// the upstream sends [DONE], fails, or ctx is done.
func (p *Provider) Stream(ctx context.Context, req *aitutor.Request) (<-chan aitutor.Chunk, error) {
	resp, err := p.post(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	out := make(chan aitutor.Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		err := readEvents(resp.Body, func(data []byte) (bool, error) {
			var event chatResponse
			if err := json.Unmarshal(data, &event); err != nil {
				return false, fmt.Errorf("decode stream event: %w", err)
			}
			if event.Error != nil {
				return false, &aitutor.ProviderError{
					StatusCode: http.StatusInternalServerError,
					Reason:     event.Error.reason(),
					Message:    event.Error.Message,
				}
			}
			for _, choice := range event.Choices {
				if choice.FinishReason == finishContentFilter {
					return false, &aitutor.ProviderError{
						StatusCode: resp.StatusCode,
						Reason:     aitutor.ReasonContentFilter,
						Message:    "stream stopped by content filter",
					}
				}
				if choice.Delta.Content == "" {
					continue
				}
				select {
				case out <- aitutor.Chunk{Text: choice.Delta.Content}:
				case <-ctx.Done():
					return false, nil
				}
			}
			return true, nil
		})
		if err == nil || ctx.Err() != nil {
			return
		}
		select {
		case out <- aitutor.Chunk{Err: err}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// HealthCheck implements aitutor.HealthChecker by listing models
func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL+"/models", nil)
	if err != nil {
		return err
	}
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return &aitutor.ProviderError{StatusCode: resp.StatusCode, Message: "health probe failed"}
	}
	return nil
}

func (p *Provider) buildRequest(req *aitutor.Request, stream bool) *chatRequest {
	var messages []Message
	if p.config.Messages != nil {
		messages = p.config.Messages(req)
	} else {
		if p.config.SystemPrompt != "" {
			messages = append(messages, Message{Role: "system", Content: p.config.SystemPrompt})
		}
		messages = append(messages, Message{Role: "user", Content: req.Content})
	}

	return &chatRequest{
		Model:     p.config.Model,
		Messages:  messages,
		Stream:    stream,
		MaxTokens: p.config.MaxTokens,
		User:      req.UserID,
	}
}

// post sends body and returns the response if the upstream accepted it
func (p *Provider) post(ctx context.Context, body *chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, errorFromResponse(resp)
	}
	return resp, nil
}

func (p *Provider) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
}

func errorFromResponse(resp *http.Response) error {
	perr := &aitutor.ProviderError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		Message:    http.StatusText(resp.StatusCode),
	}

	var body struct {
		Error *apiError `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != nil {
		perr.Message = body.Error.Message
		perr.Reason = body.Error.reason()
	}
	return perr
}

// parseRetryAfter accepts delay-seconds or an HTTP date
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

var errUnterminatedStream = fmt.Errorf("stream ended before [DONE]: %w", io.ErrUnexpectedEOF)

// readEvents feeds every SSE data payload to handle until [DONE].
// handle returns false to stop early.
func readEvents(r io.Reader, handle func(data []byte) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue // comments, event names, ids and blank separators
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}
		if len(data) == 0 {
			continue
		}
		more, err := handle(data)
		if err != nil || !more {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", aitutor.ErrNetwork, err)
	}
	return errUnterminatedStream
}
