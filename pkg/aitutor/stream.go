package aitutor

import (
	"context"
	"strings"
)

// Stream is an in-flight streamed completion. Quota was already reserved
// when it was created.
//
// Chunks yields text in provider order and is closed when the stream ends;
// it is unbuffered, so a slow reader slows the provider down. Wait returns
// the aggregated Message, whose Content equals the trimmed concatenation of
// every chunk delivered, or the classified *AIError.
type Stream struct {
	chunks chan string
	done   chan struct{}

	msg *Message
	err error
}

// Chunks returns the receive-only chunk sequence. It cannot be restarted.
func (s *Stream) Chunks() <-chan string {
	return s.chunks
}

// Wait blocks until the stream ends. Chunks not yet read are discarded.
func (s *Stream) Wait() (*Message, error) {
	for range s.chunks {
	}
	<-s.done
	if s.err != nil {
		return nil, s.err
	}
	return s.msg, nil
}

// Stream starts a streamed request. The reservation happens before Stream
// returns: on denial it returns the *AIError and no *Stream exists, so no
// chunk is ever produced. Cancelling ctx stops delivery at the next chunk
// boundary and releases the reservation.
func (d *Dispatcher) Stream(ctx context.Context, feature Feature, content string, rc RequestContext) (*Stream, error) {
	req := &Request{Feature: feature, Content: content, Context: rc}
	res, err := d.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	if d.breaker.State() == StateOpen {
		return nil, d.fail(ctx, req, res, ErrCircuitOpen)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	upstream, err := d.provider.Stream(callCtx, req)
	if err != nil {
		cancel()
		d.breaker.Failure(err)
		return nil, d.fail(ctx, req, res, err)
	}

	s := &Stream{
		chunks: make(chan string),
		done:   make(chan struct{}),
	}
	go d.pump(ctx, callCtx, cancel, req, res, upstream, s)
	return s, nil
}

// StreamTo runs Stream and hands every chunk to onChunk before returning
// the final Message. On denial onChunk is never called.
func (d *Dispatcher) StreamTo(ctx context.Context, feature Feature, content string, rc RequestContext,
	onChunk func(string)) (*Message, error) {
	s, err := d.Stream(ctx, feature, content, rc)
	if err != nil {
		return nil, err
	}
	for chunk := range s.Chunks() {
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	return s.Wait()
}

// pump forwards upstream chunks to s until the provider finishes, fails,
// or callCtx ends.
func (d *Dispatcher) pump(ctx, callCtx context.Context, cancel context.CancelFunc,
	req *Request, res *Reservation, upstream <-chan Chunk, s *Stream) {
	defer close(s.done)
	defer cancel()

	start := d.now()
	var (
		content   strings.Builder
		delivered int
		failure   error
	)

loop:
	for {
		// chunk boundary
		if err := callCtx.Err(); err != nil {
			failure = err
			break loop
		}
		select {
		case <-callCtx.Done():
			failure = callCtx.Err()
			break loop
		case chunk, ok := <-upstream:
			if !ok {
				break loop
			}
			if chunk.Err != nil {
				failure = chunk.Err
				break loop
			}
			if chunk.Text == "" {
				continue
			}
			select {
			case s.chunks <- chunk.Text:
				content.WriteString(chunk.Text)
				delivered++
			case <-callCtx.Done():
				failure = callCtx.Err()
				break loop
			}
		}
	}

	d.metrics.RecordProviderLatency(req.Feature, true, d.now().Sub(start))
	d.metrics.RecordStreamChunks(req.Feature, delivered)

	// a provider may close early because it saw the cancellation first
	if failure == nil && callCtx.Err() != nil {
		failure = callCtx.Err()
	}
	text := strings.TrimSpace(content.String())
	if failure == nil && text == "" {
		failure = ErrEmptyCompletion
	}

	if failure != nil {
		cancel()
		// let the provider observe cancellation and close its channel
		go func() {
			for range upstream {
			}
		}()
		d.breaker.Failure(failure)
		s.err = d.fail(ctx, req, res, failure)
		close(s.chunks)
		return
	}

	d.breaker.Success()
	s.msg = d.succeed(req, text, nil)
	close(s.chunks)
}
