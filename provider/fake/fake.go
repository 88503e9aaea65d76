// Package fake provides a deterministic in-memory aitutor.Provider for tests and demos.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

// Provider answers every request with a canned reply.
// The zero value is not usable; call New.
type Provider struct {
	mu        sync.RWMutex
	replies   map[aitutor.Feature]string
	fallback  string
	err       error
	streamErr error
	failAfter int
	healthErr error
	latency   time.Duration
	gate      chan struct{}

	calls        atomic.Int64
	streamCalls  atomic.Int64
	healthChecks atomic.Int64
}

// New creates a fake provider replying with a deterministic echo of the request.
func New() *Provider {
	return &Provider{replies: make(map[aitutor.Feature]string)}
}

// WithReply sets the reply for feature
func (p *Provider) WithReply(feature aitutor.Feature, reply string) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[feature] = reply
	return p
}

// WithDefaultReply sets the reply for features without a specific one
func (p *Provider) WithDefaultReply(reply string) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = reply
	return p
}

// WithError makes every call fail with err before producing anything
func (p *Provider) WithError(err error) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
	return p
}

// WithStreamError makes streams fail with err after n chunks
func (p *Provider) WithStreamError(n int, err error) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAfter = n
	p.streamErr = err
	return p
}

// WithHealthError makes HealthCheck return err
func (p *Provider) WithHealthError(err error) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthErr = err
	return p
}

// WithLatency delays every call, and every chunk, by d
func (p *Provider) WithLatency(d time.Duration) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = d
	return p
}

// WithGate blocks every call until gate is closed (or ctx ends)
func (p *Provider) WithGate(gate chan struct{}) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = gate
	return p
}

// Calls returns the number of Complete calls
func (p *Provider) Calls() int { return int(p.calls.Load()) }

// StreamCalls returns the number of Stream calls
func (p *Provider) StreamCalls() int { return int(p.streamCalls.Load()) }

// HealthChecks returns the number of HealthCheck calls
func (p *Provider) HealthChecks() int { return int(p.healthChecks.Load()) }

// Complete implements aitutor.Provider
func (p *Provider) Complete(ctx context.Context, req *aitutor.Request) (*aitutor.Completion, error) {
	p.calls.Add(1)
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.err != nil {
		return nil, p.err
	}
	return &aitutor.Completion{
		Content:  p.replyLocked(req),
		Metadata: map[string]string{"provider": "fake"},
	}, nil
}

// Stream implements aitutor.Provider, emitting the reply word by word.
func (p *Provider) Stream(ctx context.Context, req *aitutor.Request) (<-chan aitutor.Chunk, error) {
	p.streamCalls.Add(1)
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	openErr, streamErr, failAfter, latency := p.err, p.streamErr, p.failAfter, p.latency
	chunks := Split(p.replyLocked(req))
	p.mu.RUnlock()

	if openErr != nil {
		return nil, openErr
	}

	out := make(chan aitutor.Chunk)
	go func() {
		defer close(out)
		for i, text := range chunks {
			if streamErr != nil && i == failAfter {
				send(ctx, out, aitutor.Chunk{Err: streamErr})
				return
			}
			if latency > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(latency):
				}
			}
			if !send(ctx, out, aitutor.Chunk{Text: text}) {
				return
			}
		}
		if streamErr != nil && failAfter >= len(chunks) {
			send(ctx, out, aitutor.Chunk{Err: streamErr})
		}
	}()
	return out, nil
}

// HealthCheck implements aitutor.HealthChecker
func (p *Provider) HealthCheck(ctx context.Context) error {
	p.healthChecks.Add(1)
	if err := p.wait(ctx); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthErr
}

func (p *Provider) wait(ctx context.Context) error {
	p.mu.RLock()
	gate, latency := p.gate, p.latency
	p.mu.RUnlock()

	if gate != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gate:
		}
	}
	if latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(latency):
		}
	}
	return nil
}

func (p *Provider) replyLocked(req *aitutor.Request) string {
	if reply, ok := p.replies[req.Feature]; ok {
		return reply
	}
	if p.fallback != "" {
		return p.fallback
	}
	if req.HintLevel > 0 {
		return fmt.Sprintf("Hint %d for %s.", req.HintLevel, req.Content)
	}
	return fmt.Sprintf("Answer to %s: %s", req.Feature, req.Content)
}

// Split cuts text into word chunks that keep their trailing whitespace,
// so concatenating them yields text again.
func Split(text string) []string {
	var chunks []string
	for len(text) > 0 {
		i := strings.IndexAny(text, " \n\t")
		if i < 0 {
			chunks = append(chunks, text)
			break
		}
		j := i
		for j < len(text) && strings.ContainsRune(" \n\t", rune(text[j])) {
			j++
		}
		chunks = append(chunks, text[:j])
		text = text[j:]
	}
	return chunks
}

func send(ctx context.Context, out chan<- aitutor.Chunk, chunk aitutor.Chunk) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- chunk:
		return true
	}
}
