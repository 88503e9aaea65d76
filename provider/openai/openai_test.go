package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

var (
	_ aitutor.Provider      = (*Provider)(nil)
	_ aitutor.HealthChecker = (*Provider)(nil)
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := New(Config{BaseURL: server.URL + "/", APIKey: "sk-test", SystemPrompt: "be brief"})
	require.NoError(t, err)
	return p
}

func testRequest() *aitutor.Request {
	return &aitutor.Request{Feature: aitutor.FeatureTopicExplanation, Content: "photosynthesis", UserID: "student_1"}
}

func collect(t *testing.T, chunks <-chan aitutor.Chunk) ([]string, error) {
	t.Helper()
	var texts []string
	for chunk := range chunks {
		if chunk.Err != nil {
			return texts, chunk.Err
		}
		texts = append(texts, chunk.Text)
	}
	return texts, nil
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, aitutor.ErrInvalidConfig)

	p, err := New(Config{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, p.config.BaseURL)
	assert.Equal(t, DefaultModel, p.config.Model)
}

func TestComplete(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, DefaultModel, body.Model)
		assert.False(t, body.Stream)
		assert.Equal(t, "student_1", body.User)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Equal(t, "photosynthesis", body.Messages[1].Content)

		_, _ = io.WriteString(w, `{"id":"cmpl-1","model":"gpt-4o-mini",
			"choices":[{"message":{"role":"assistant","content":"Plants turn light into sugar."},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":5,"completion_tokens":6,"total_tokens":11}}`)
	})

	completion, err := p.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "Plants turn light into sugar.", completion.Content)
	assert.Equal(t, "stop", completion.Metadata["finish_reason"])
	assert.Equal(t, "11", completion.Metadata["total_tokens"])
	assert.Equal(t, "cmpl-1", completion.Metadata["provider_id"])
}

func TestComplete_CustomMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Messages, 1)
		assert.Equal(t, "hint 2: q-42", body.Messages[0].Content)
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer server.Close()

	p, err := New(Config{BaseURL: server.URL, APIKey: "k", Messages: func(req *aitutor.Request) []Message {
		return []Message{{Role: "user", Content: fmt.Sprintf("hint %d: %s", req.HintLevel, req.Content)}}
	}})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), &aitutor.Request{Feature: aitutor.FeatureQuestionHint, Content: "q-42", HintLevel: 2})
	require.NoError(t, err)
}

func TestComplete_Errors(t *testing.T) {
	classifier := aitutor.NewClassifier()

	tests := []struct {
		name       string
		status     int
		header     map[string]string
		body       string
		wantCode   aitutor.ErrorCode
		wantReason string
		wantRetry  time.Duration
	}{
		{
			name:      "rate limited with retry-after",
			status:    http.StatusTooManyRequests,
			header:    map[string]string{"Retry-After": "12"},
			body:      `{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`,
			wantCode:  aitutor.CodeRateLimited,
			wantRetry: 12 * time.Second,
		},
		{
			name:     "bad key",
			status:   http.StatusUnauthorized,
			body:     `{"error":{"message":"invalid api key","type":"invalid_request_error","code":null}}`,
			wantCode: aitutor.CodeAuthError,
		},
		{
			name:       "policy refusal",
			status:     http.StatusBadRequest,
			body:       `{"error":{"message":"flagged","type":"invalid_request_error","code":"content_filter"}}`,
			wantCode:   aitutor.CodeContentFiltered,
			wantReason: aitutor.ReasonContentFilter,
		},
		{
			name:     "upstream overloaded",
			status:   http.StatusServiceUnavailable,
			body:     `not json`,
			wantCode: aitutor.CodeServerError,
		},
		{
			name:     "gateway timeout",
			status:   http.StatusGatewayTimeout,
			wantCode: aitutor.CodeNetworkError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := p.Complete(context.Background(), testRequest())
			var perr *aitutor.ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.status, perr.StatusCode)
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, perr.Reason)
			}

			aiErr := classifier.Classify(err)
			assert.Equal(t, tt.wantCode, aiErr.Code)
			if tt.wantRetry > 0 {
				assert.Equal(t, tt.wantRetry, aiErr.RetryAfter)
			}
		})
	}
}

func TestComplete_FinishContentFilter(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":""},"finish_reason":"content_filter"}]}`)
	})

	_, err := p.Complete(context.Background(), testRequest())
	assert.Equal(t, aitutor.CodeContentFiltered, aitutor.NewClassifier().Classify(err).Code)
}

func TestComplete_NetworkFailure(t *testing.T) {
	p, err := New(Config{BaseURL: "http://127.0.0.1:1", APIKey: "k"})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, aitutor.CodeNetworkError, aitutor.NewClassifier().Classify(err).Code)
}

func writeEvents(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, event := range events {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", event)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func TestStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		_, _ = io.WriteString(w, ": keep-alive\n\n")
		writeEvents(w,
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Light "}}]}`,
			`{"choices":[{"delta":{"content":"becomes "}}]}`,
			`{"choices":[{"delta":{"content":"sugar."},"finish_reason":"stop"}]}`,
			`[DONE]`,
		)
	})

	chunks, err := p.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	texts, err := collect(t, chunks)
	require.NoError(t, err)
	assert.Equal(t, []string{"Light ", "becomes ", "sugar."}, texts)
}

func TestStream_Failures(t *testing.T) {
	classifier := aitutor.NewClassifier()

	tests := []struct {
		name      string
		events    []string
		wantTexts []string
		wantCode  aitutor.ErrorCode
	}{
		{
			name:      "connection drops before done",
			events:    []string{`{"choices":[{"delta":{"content":"Half"}}]}`},
			wantTexts: []string{"Half"},
			wantCode:  aitutor.CodeNetworkError,
		},
		{
			name: "error event",
			events: []string{
				`{"choices":[{"delta":{"content":"Hi"}}]}`,
				`{"error":{"message":"overloaded","type":"server_error"}}`,
			},
			wantTexts: []string{"Hi"},
			wantCode:  aitutor.CodeServerError,
		},
		{
			name:     "content filter",
			events:   []string{`{"choices":[{"delta":{},"finish_reason":"content_filter"}]}`},
			wantCode: aitutor.CodeContentFiltered,
		},
		{
			name:     "garbage",
			events:   []string{`{not json`},
			wantCode: aitutor.CodeServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
				writeEvents(w, tt.events...)
			})

			chunks, err := p.Stream(context.Background(), testRequest())
			require.NoError(t, err)

			texts, err := collect(t, chunks)
			require.Error(t, err)
			assert.Equal(t, tt.wantTexts, texts)
			assert.Equal(t, tt.wantCode, classifier.Classify(err).Code)
		})
	}
}

func TestStream_RejectedUpfront(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := p.Stream(context.Background(), testRequest())
	assert.Equal(t, aitutor.CodeRateLimited, aitutor.NewClassifier().Classify(err).Code)
}

func TestStream_Cancellation(t *testing.T) {
	release := make(chan struct{})
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w, `{"choices":[{"delta":{"content":"first"}}]}`)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := p.Stream(ctx, testRequest())
	require.NoError(t, err)

	first := <-chunks
	assert.Equal(t, "first", first.Text)
	cancel()

	// the channel must close without a synthesized error
	for chunk := range chunks {
		assert.NoError(t, chunk.Err)
	}
}

func TestHealthCheck(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"data":[]}`)
	})

	assert.NoError(t, p.HealthCheck(context.Background()))
	healthy.Store(false)
	assert.Error(t, p.HealthCheck(context.Background()))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
}

func TestReadEvents_IgnoresNonDataLines(t *testing.T) {
	input := strings.Join([]string{"event: message", "id: 1", "data: {\"a\":1}", "", "data: [DONE]", ""}, "\n")
	var got []string
	err := readEvents(strings.NewReader(input), func(data []byte) (bool, error) {
		got = append(got, string(data))
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"a":1}`}, got)
}
