package mq

import (
	"context"
	"errors"
	"time"
)

// MessageQueue is the queue surface the sandbox consumer needs: it reads
// submissions from one topic and publishes verdicts to another.
type MessageQueue interface {
	Producer
	Consumer

	Ping(ctx context.Context) error
	Close() error
}

// Producer publishes messages.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
}

// Consumer delivers messages of a topic to a handler once started.
type Consumer interface {
	// Subscribe registers handler for topic. A non-nil limiter is acquired
	// before every fetch and released after the handler finishes.
	Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions, limiter FetchLimiter) error

	Start() error
	Stop() error
}

// FetchLimiter gates how many fetched messages may be in flight.
type FetchLimiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// Message is a queued payload plus its delivery bookkeeping.
type Message struct {
	ID         string            `json:"id"`
	Body       []byte            `json:"body"`
	Headers    map[string]string `json:"headers"`
	Timestamp  time.Time         `json:"timestamp"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`

	// Expiration is relative to Timestamp. Expired messages are committed
	// without reaching the handler.
	Expiration time.Duration `json:"expiration"`
}

// HandlerFunc processes one message. Returning an error schedules a retry
// unless the error is marked with Permanent.
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions tunes a subscription.
type SubscribeOptions struct {
	ConsumerGroup string

	// MaxRetries bounds handler retries before the message is dead-lettered.
	// Default: 3
	MaxRetries int

	// RetryDelay is the pause between retries.
	// Default: 1 second
	RetryDelay time.Duration

	DeadLetterTopic string
	MessageTTL      time.Duration
}

// SetDefaults fills zero values.
func (o *SubscribeOptions) SetDefaults() {
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
}

// NewMessage creates a message with the given body.
func NewMessage(body []byte) *Message {
	return &Message{
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}

// Expired reports whether the message outlived its expiration at now.
func (m *Message) Expired(now time.Time) bool {
	if m.Expiration <= 0 || m.Timestamp.IsZero() {
		return false
	}
	return now.Sub(m.Timestamp) > m.Expiration
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying, e.g. an undecodable payload.
// The message goes straight to the dead-letter topic.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
