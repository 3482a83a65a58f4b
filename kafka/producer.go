package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"filedaq/config"
	"filedaq/logging"
)

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes messages to one cluster, one writer per topic.
type Producer struct {
	config  *config.KafkaConfig
	writers map[string]messageWriter
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	// Replaceable in tests.
	dial      func(ctx context.Context) error
	newWriter func(topic string) (messageWriter, error)

	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a producer for a cluster.
func NewProducer(cfg *config.KafkaConfig) *Producer {
	p := &Producer{
		config:  cfg,
		writers: make(map[string]messageWriter),
		status:  StatusDisconnected,
	}
	p.dial = p.dialBroker
	p.newWriter = p.createWriter
	return p
}

// Name returns the cluster name.
func (p *Producer) Name() string {
	return p.config.Name
}

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect checks that a broker is reachable.
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	p.mu.Unlock()

	address := strings.Join(p.config.Brokers, ",")
	logging.DebugConnect("kafka", address)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.dial(ctx); err != nil {
		err = fmt.Errorf("failed to connect: %w", err)
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = err
		p.mu.Unlock()
		logging.DebugConnectError("kafka", address, err)
		return err
	}

	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()
	logging.DebugConnectSuccess("kafka", address, "cluster="+p.config.Name)
	return nil
}

func (p *Producer) dialBroker(ctx context.Context) error {
	if len(p.config.Brokers) == 0 {
		return errors.New("no brokers configured")
	}
	dialer, err := newDialer(p.config)
	if err != nil {
		return err
	}

	var lastErr error
	for _, broker := range p.config.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return lastErr
}

// Disconnect closes all writers.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic, w := range p.writers {
		w.Close()
		delete(p.writers, topic)
	}
	p.status = StatusDisconnected
	p.lastErr = nil
	logging.DebugDisconnect("kafka", strings.Join(p.config.Brokers, ","), "closed")
}

// Produce sends one message and blocks until it is acknowledged.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	return p.ProduceBatch(ctx, topic, []kafka.Message{{Key: key, Value: value, Time: time.Now()}})
}

// ProduceBatch sends messages to topic in a single call.
func (p *Producer) ProduceBatch(ctx context.Context, topic string, messages []kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}

	w, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	start := time.Now()
	err = w.WriteMessages(ctx, messages...)
	took := time.Since(start)

	p.mu.Lock()
	if err != nil {
		p.messagesError += int64(len(messages))
		p.lastErr = err
	} else {
		p.messagesSent += int64(len(messages))
		p.lastSendTime = time.Now()
		p.lastErr = nil
	}
	p.mu.Unlock()

	if err != nil {
		logging.DebugLog("kafka", "PRODUCE %s: FAILED topic '%s' (%d msgs) after %v: %v", p.config.Name, topic, len(messages), took, err)
		return fmt.Errorf("kafka produce failed: %w", err)
	}
	if took > 100*time.Millisecond {
		logging.DebugLog("kafka", "PRODUCE %s: topic '%s' sent %d msgs in %v", p.config.Name, topic, len(messages), took)
	}
	return nil
}

// ProduceWithRetry sends a message, retrying with linear backoff.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, key, value []byte) error {
	retries, backoff := maxRetries(p.config), retryBackoff(p.config)

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		if lastErr = p.Produce(ctx, topic, key, value); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("kafka produce failed after %d attempts: %w", retries+1, lastErr)
}

func (p *Producer) getWriter(topic string) (messageWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("kafka cluster '%s' not connected", p.config.Name)
	}
	if w, exists := p.writers[topic]; exists {
		return w, nil
	}

	w, err := p.newWriter(topic)
	if err != nil {
		return nil, err
	}
	p.writers[topic] = w
	logging.DebugLog("kafka", "TOPIC %s: created writer for topic '%s' (auto-create=%v)",
		p.config.Name, topic, autoCreateTopics(p.config))
	return w, nil
}

func (p *Producer) createWriter(topic string) (messageWriter, error) {
	transport := &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         tlsConfig(p.config),
	}
	mechanism, err := saslMechanism(p.config)
	if err != nil {
		return nil, err
	}
	transport.SASL = mechanism

	return &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.Hash{}, // Same key, same partition
		Transport: transport,

		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		MaxAttempts:  maxRetries(p.config),

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: autoCreateTopics(p.config),
	}, nil
}

func newDialer(cfg *config.KafkaConfig) (*kafka.Dialer, error) {
	mechanism, err := saslMechanism(cfg)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig(cfg),
		SASLMechanism: mechanism,
	}, nil
}
