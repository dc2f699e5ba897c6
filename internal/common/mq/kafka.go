package mq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"codesandbox/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	headerID         = "x-message-id"
	headerTimestamp  = "x-message-ts"
	headerRetryCount = "x-message-retry"
	headerMaxRetries = "x-message-max-retries"
	headerExpiration = "x-message-expiration-ms"
)

const fetchBackoff = 100 * time.Millisecond

// KafkaConfig configures the kafka-go writer and readers.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"clientId"`

	// RequiredAcks is one of "none", "one" or "all".
	RequiredAcks string        `yaml:"requiredAcks"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	// Compression is one of "", "gzip", "snappy", "lz4" or "zstd".
	Compression string `yaml:"compression"`

	MinBytes int           `yaml:"minBytes"`
	MaxBytes int           `yaml:"maxBytes"`
	MaxWait  time.Duration `yaml:"maxWait"`

	DialTimeout time.Duration `yaml:"dialTimeout"`
}

func (c *KafkaConfig) setDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 1
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.MinBytes == 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 10 << 20
	}
	if c.MaxWait == 0 {
		c.MaxWait = time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "one"
	}
}

func parseAcks(raw string) (kafka.RequiredAcks, error) {
	switch strings.ToLower(raw) {
	case "none":
		return kafka.RequireNone, nil
	case "one":
		return kafka.RequireOne, nil
	case "all":
		return kafka.RequireAll, nil
	default:
		return 0, fmt.Errorf("unknown requiredAcks %q", raw)
	}
}

func parseCompression(raw string) (kafka.Compression, error) {
	switch strings.ToLower(raw) {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", raw)
	}
}

// messageReader is the part of *kafka.Reader a subscription drives.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue implements MessageQueue on kafka-go.
type KafkaQueue struct {
	config KafkaConfig
	writer *kafka.Writer
	dialer *kafka.Dialer

	mu            sync.Mutex
	subscriptions []*subscription
	started       bool
	closed        bool
}

type subscription struct {
	topic   string
	group   string
	handler HandlerFunc
	opts    SubscribeOptions
	limiter FetchLimiter
	publish func(ctx context.Context, topic string, m *Message) error
	baseCtx context.Context

	reader messageReader
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKafkaQueue creates a Kafka-backed queue. No connection is made until
// the first publish, Ping or Start.
func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	cfg.setDefaults()
	acks, err := parseAcks(cfg.RequiredAcks)
	if err != nil {
		return nil, err
	}
	compression, err := parseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   cfg.DialTimeout,
		DualStack: true,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: acks,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Compression:  compression,
		ErrorLogger: kafka.LoggerFunc(func(format string, args ...interface{}) {
			logger.Warnf(context.Background(), "kafka writer: "+format, args...)
		}),
		Transport: &kafka.Transport{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
			ClientID: cfg.ClientID,
		},
	}

	return &KafkaQueue{
		config: cfg,
		writer: writer,
		dialer: dialer,
	}, nil
}

// Publish writes message to topic, keyed by the message id.
func (k *KafkaQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	return k.writer.WriteMessages(ctx, toKafkaMessage(topic, message))
}

// Subscribe registers a consumer-group reader for topic. Consumption begins
// on Start.
func (k *KafkaQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions, limiter FetchLimiter) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()
	if options.ConsumerGroup == "" {
		options.ConsumerGroup = fmt.Sprintf("sandbox-%s", topic)
	}

	sub := &subscription{
		topic:   topic,
		group:   options.ConsumerGroup,
		handler: handler,
		opts:    options,
		limiter: limiter,
		publish: k.Publish,
		baseCtx: ctx,
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("queue is closed")
	}
	k.subscriptions = append(k.subscriptions, sub)
	if k.started {
		k.startSubscription(sub)
	}
	return nil
}

// Start launches a fetch loop per subscription.
func (k *KafkaQueue) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("queue is closed")
	}
	if k.started {
		return nil
	}
	for _, sub := range k.subscriptions {
		k.startSubscription(sub)
	}
	k.started = true
	return nil
}

// Stop cancels every fetch loop and waits for in-flight handlers.
func (k *KafkaQueue) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, sub := range k.subscriptions {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range k.subscriptions {
		sub.wg.Wait()
		if sub.reader != nil {
			_ = sub.reader.Close()
			sub.reader = nil
		}
	}
	k.started = false
	return nil
}

// Ping dials the first broker.
func (k *KafkaQueue) Ping(ctx context.Context) error {
	conn, err := k.dialer.DialContext(ctx, "tcp", k.config.Brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close stops consumers and flushes the writer.
func (k *KafkaQueue) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	_ = k.Stop()
	return k.writer.Close()
}

func (k *KafkaQueue) startSubscription(sub *subscription) {
	sub.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       sub.topic,
		GroupID:     sub.group,
		Dialer:      k.dialer,
		MinBytes:    k.config.MinBytes,
		MaxBytes:    k.config.MaxBytes,
		MaxWait:     k.config.MaxWait,
		StartOffset: kafka.FirstOffset,
		ErrorLogger: kafka.LoggerFunc(func(format string, args ...interface{}) {
			logger.Warnf(context.Background(), "kafka reader: "+format, args...)
		}),
	})
	sub.run()
}

// run starts the fetch loop. Each fetched message is handled on its own
// goroutine; the limiter bounds how many are in flight.
func (s *subscription) run() {
	if s.baseCtx == nil {
		s.baseCtx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(s.baseCtx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			if s.ctx.Err() != nil {
				return
			}
			if s.limiter != nil {
				if err := s.limiter.Acquire(s.ctx); err != nil {
					return
				}
			}
			msg, err := s.reader.FetchMessage(s.ctx)
			if err != nil {
				s.release()
				if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn(s.ctx, "kafka fetch failed", zap.String("topic", s.topic), zap.Error(err))
				select {
				case <-s.ctx.Done():
					return
				case <-time.After(fetchBackoff):
				}
				continue
			}
			s.wg.Add(1)
			go func(m kafka.Message) {
				defer s.wg.Done()
				defer s.release()
				s.handle(m)
			}(msg)
		}
	}()
}

func (s *subscription) release() {
	if s.limiter != nil {
		s.limiter.Release()
	}
}

// handle runs the handler with retries. The offset is committed once the
// message succeeded, expired, or was dead-lettered.
func (s *subscription) handle(msg kafka.Message) {
	m := fromKafkaMessage(msg)
	if m.MaxRetries == 0 {
		m.MaxRetries = s.opts.MaxRetries
	}
	if m.Expiration == 0 && s.opts.MessageTTL > 0 {
		m.Expiration = s.opts.MessageTTL
	}
	if m.Expired(time.Now()) {
		logger.Warn(s.ctx, "dropping expired message", zap.String("topic", s.topic), zap.String("message_id", m.ID))
		s.commit(msg)
		return
	}

	for {
		err := s.handler(s.ctx, m)
		if err == nil {
			s.commit(msg)
			return
		}
		if s.ctx.Err() != nil {
			// Shutting down: leave the offset uncommitted so the group redelivers.
			return
		}
		m.RetryCount++
		if IsPermanent(err) || m.RetryCount > m.MaxRetries {
			logger.Warn(s.ctx, "message handling failed",
				zap.String("topic", s.topic),
				zap.String("message_id", m.ID),
				zap.Int("retries", m.RetryCount-1),
				zap.Error(err),
			)
			if s.opts.DeadLetterTopic != "" {
				if perr := s.publish(s.ctx, s.opts.DeadLetterTopic, m); perr != nil {
					logger.Error(s.ctx, "dead-letter publish failed", zap.String("message_id", m.ID), zap.Error(perr))
				}
			}
			s.commit(msg)
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.opts.RetryDelay):
		}
	}
}

func (s *subscription) commit(msg kafka.Message) {
	if err := s.reader.CommitMessages(s.ctx, msg); err != nil && s.ctx.Err() == nil {
		logger.Warn(s.ctx, "kafka commit failed", zap.String("topic", s.topic), zap.Int64("offset", msg.Offset), zap.Error(err))
	}
}

func toKafkaMessage(topic string, message *Message) kafka.Message {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	headers := make([]kafka.Header, 0, len(message.Headers)+5)
	for k, v := range message.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if message.ID != "" {
		headers = append(headers, kafka.Header{Key: headerID, Value: []byte(message.ID)})
	}
	headers = append(headers, kafka.Header{Key: headerTimestamp, Value: []byte(message.Timestamp.Format(time.RFC3339Nano))})
	if message.RetryCount != 0 {
		headers = append(headers, kafka.Header{Key: headerRetryCount, Value: []byte(strconv.Itoa(message.RetryCount))})
	}
	if message.MaxRetries != 0 {
		headers = append(headers, kafka.Header{Key: headerMaxRetries, Value: []byte(strconv.Itoa(message.MaxRetries))})
	}
	if message.Expiration > 0 {
		headers = append(headers, kafka.Header{Key: headerExpiration, Value: []byte(strconv.FormatInt(message.Expiration.Milliseconds(), 10))})
	}

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(message.ID),
		Value:   message.Body,
		Headers: headers,
		Time:    message.Timestamp,
	}
}

func fromKafkaMessage(msg kafka.Message) *Message {
	m := &Message{
		Body:      msg.Value,
		Headers:   make(map[string]string),
		Timestamp: msg.Time,
	}
	for _, h := range msg.Headers {
		switch h.Key {
		case headerID:
			m.ID = string(h.Value)
		case headerTimestamp:
			if ts, err := time.Parse(time.RFC3339Nano, string(h.Value)); err == nil {
				m.Timestamp = ts
			}
		case headerRetryCount:
			if v, err := strconv.Atoi(string(h.Value)); err == nil && v >= 0 {
				m.RetryCount = v
			}
		case headerMaxRetries:
			if v, err := strconv.Atoi(string(h.Value)); err == nil && v >= 0 {
				m.MaxRetries = v
			}
		case headerExpiration:
			if v, err := strconv.ParseInt(string(h.Value), 10, 64); err == nil && v > 0 {
				m.Expiration = time.Duration(v) * time.Millisecond
			}
		default:
			m.Headers[h.Key] = string(h.Value)
		}
	}
	if m.ID == "" {
		m.ID = string(msg.Key)
	}
	return m
}
