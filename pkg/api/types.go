package api

import "github.com/mihaimyh/aitutor/pkg/aitutor"

// SendRequest is the body of POST /v1/ai/send and POST /v1/ai/stream
type SendRequest struct {
	Feature aitutor.Feature        `json:"feature"`
	Content string                 `json:"content"`
	Context aitutor.RequestContext `json:"context"`
}

// HintRequest is the body of POST /v1/ai/hint
type HintRequest struct {
	QuestionID string                 `json:"questionId"`
	Level      int                    `json:"level"`
	Context    aitutor.RequestContext `json:"context"`
}

// HintResponse is returned by POST /v1/ai/hint
type HintResponse struct {
	QuestionID string `json:"questionId"`
	Level      int    `json:"level"`
	Hint       string `json:"hint"`
}

// HealthResponse is returned by GET /v1/ai/health
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Status  string `json:"status"` // "healthy" or "unavailable"
}

// ChunkEvent is the data of each SSE chunk event
type ChunkEvent struct {
	Text string `json:"text"`
}
