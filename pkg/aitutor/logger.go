package aitutor

// Field is a key/value pair attached to a log entry. Keys are camelCase
// ("userId", "feature", "responseId") across the package.
type Field struct {
	Key   string
	Value interface{}
}

// ErrField returns the "error" field every failure log carries
func ErrField(err error) Field {
	return Field{Key: "error", Value: err}
}

// Logger receives the core's structured log entries. Request outcomes go to
// Debug, accepted feedback to Info, degraded dependencies to Warn, and faults
// the operator must act on to Error.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything; it is the default when no Logger is configured.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}
