package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/source"
)

// defaultCaller labels requests that do not name one.
const defaultCaller = "kafka"

// Error codes carried by error envelopes besides the source rejection reasons.
const (
	CodeInvalidMessage     = "invalid_message"
	CodeRuntimeUnavailable = "runtime_unavailable"
	CodeInternal           = "internal"
)

// RequestEnvelope is the JSON value of a run request message.
type RequestEnvelope struct {
	ID     string `json:"id,omitempty"` // Defaults to the message key.
	Caller string `json:"caller,omitempty"`
	Script string `json:"script"`
	IsFile bool   `json:"is_file,omitempty"`
}

// ResultEnvelope is the JSON value of a result message. Exactly one of
// Outcome and Error is set.
type ResultEnvelope struct {
	RequestID string           `json:"request_id"`
	Outcome   *sandbox.Outcome `json:"outcome,omitempty"`
	Error     *ErrorInfo       `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ErrorInfo describes a request that produced no outcome.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// requestID picks the envelope ID, then the key, then the message position.
func requestID(msg kafkago.Message, env RequestEnvelope) string {
	if env.ID != "" {
		return env.ID
	}
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	return fmt.Sprintf("%s:%d:%d", msg.Topic, msg.Partition, msg.Offset)
}

// decodeRequest parses a request message. The returned ID is usable even
// when decoding fails, so the error envelope can still be correlated.
func decodeRequest(msg kafkago.Message) (string, sandbox.Request, error) {
	var env RequestEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return requestID(msg, RequestEnvelope{}), sandbox.Request{}, fmt.Errorf("decode message: %w", err)
	}
	id := requestID(msg, env)
	if env.IsFile && env.Script == "" {
		return id, sandbox.Request{}, errors.New("script path is required when is_file is set")
	}
	caller := env.Caller
	if caller == "" {
		caller = defaultCaller
	}
	return id, sandbox.Request{Caller: caller, Script: env.Script, IsFile: env.IsFile}, nil
}

// errorInfo classifies an execution error.
func errorInfo(err error) *ErrorInfo {
	var srcErr *source.Error
	switch {
	case errors.As(err, &srcErr):
		return &ErrorInfo{Code: string(srcErr.Reason), Message: srcErr.Error()}
	case errors.Is(err, sandbox.ErrRuntimeUnavailable):
		return &ErrorInfo{Code: CodeRuntimeUnavailable, Message: err.Error()}
	default:
		return &ErrorInfo{Code: CodeInternal, Message: err.Error()}
	}
}

func encodeResult(env ResultEnvelope) (kafkago.Message, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("marshal result: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(env.RequestID),
		Value: payload,
		Time:  env.Timestamp,
	}, nil
}
