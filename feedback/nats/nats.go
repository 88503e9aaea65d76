// Package nats publishes accepted feedback to NATS JetStream.
//
// Each record is published to "{subject prefix}.{feature}" with the response
// id as the JetStream message id, so the stream's duplicate window rejects a
// second submission for the same response even across instances.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

const (
	// DefaultStream is the JetStream stream holding feedback records
	DefaultStream = "AITUTOR_FEEDBACK"

	// DefaultSubjectPrefix prefixes every feedback subject
	DefaultSubjectPrefix = "aitutor.feedback"

	// DefaultDuplicateWindow bounds how long the stream remembers response ids
	DefaultDuplicateWindow = 24 * time.Hour

	// DefaultMaxAge bounds how long records are retained
	DefaultMaxAge = 30 * 24 * time.Hour
)

// Publisher is the subset of jetstream.JetStream used by Sink
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Config holds sink configuration
type Config struct {
	// SubjectPrefix prefixes the per-feature subject (default: DefaultSubjectPrefix)
	SubjectPrefix string

	// Logger is used for structured logging (default: NoopLogger)
	Logger aitutor.Logger
}

// Sink implements aitutor.FeedbackSink on top of JetStream
type Sink struct {
	publisher Publisher
	prefix    string
	logger    aitutor.Logger
}

// NewSink creates a feedback sink publishing through p
func NewSink(p Publisher, cfg Config) (*Sink, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: jetstream publisher is required", aitutor.ErrInvalidConfig)
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = &aitutor.NoopLogger{}
	}
	return &Sink{publisher: p, prefix: cfg.SubjectPrefix, logger: cfg.Logger}, nil
}

// Subject returns the subject feedback for feature is published to
func (s *Sink) Subject(feature aitutor.Feature) string {
	return fmt.Sprintf("%s.%s", s.prefix, feature)
}

// RecordFeedback implements aitutor.FeedbackSink
func (s *Sink) RecordFeedback(ctx context.Context, record *aitutor.FeedbackRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling feedback %s: %w", record.ResponseID, err)
	}

	msg := nats.NewMsg(s.Subject(record.Feature))
	msg.Data = payload
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set(nats.MsgIdHdr, record.ResponseID)

	ack, err := s.publisher.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("%w: publishing to %s: %v", aitutor.ErrStorageUnavailable, msg.Subject, err)
	}
	if ack != nil && ack.Duplicate {
		return aitutor.ErrDuplicateFeedback
	}

	s.logger.Debug("feedback published",
		aitutor.Field{Key: "subject", Value: msg.Subject},
		aitutor.Field{Key: "stream", Value: ack.Stream},
		aitutor.Field{Key: "sequence", Value: ack.Sequence})
	return nil
}

// StreamConfig returns the stream definition matching a sink using prefix
func StreamConfig(prefix string) jetstream.StreamConfig {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return jetstream.StreamConfig{
		Name:       DefaultStream,
		Subjects:   []string{prefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     DefaultMaxAge,
		Duplicates: DefaultDuplicateWindow,
	}
}

// Client wraps a NATS connection with JetStream support
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// Connect dials url and ensures the feedback stream exists
func Connect(ctx context.Context, url, prefix string, logger aitutor.Logger) (*Client, error) {
	if logger == nil {
		logger = &aitutor.NoopLogger{}
	}
	nc, err := nats.Connect(url,
		nats.Name("aitutor"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", aitutor.ErrField(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, StreamConfig(prefix)); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensuring stream %s: %w", DefaultStream, err)
	}

	logger.Info("connected to nats", aitutor.Field{Key: "url", Value: url})
	return &Client{conn: nc, js: js}, nil
}

// JetStream returns the JetStream context
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// HealthCheck reports whether the connection is usable
func (c *Client) HealthCheck(_ context.Context) error {
	if c.conn.Status() != nats.CONNECTED {
		return errors.New("nats connection is " + c.conn.Status().String())
	}
	return nil
}

// Close drains the connection
func (c *Client) Close() error {
	return c.conn.Drain()
}
