package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"filedaq/config"
	"filedaq/logging"
	"filedaq/namespace"
)

// WriteBackBatchInterval is how often collected write requests are run.
const WriteBackBatchInterval = 250 * time.Millisecond

// WriteRequest is the JSON consumed from the write topic.
type WriteRequest struct {
	Device    string      `json:"device"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	RequestID string      `json:"request_id,omitempty"`
}

// WriteResponse is the JSON produced to the write response topic.
type WriteResponse struct {
	Device       string      `json:"device"`
	Variable     string      `json:"variable"`
	Value        interface{} `json:"value"`
	Written      string      `json:"written,omitempty"`
	RequestID    string      `json:"request_id,omitempty"`
	Success      bool        `json:"success"`
	Error        string      `json:"error,omitempty"`
	Skipped      bool        `json:"skipped,omitempty"`      // Request older than write_max_age
	Deduplicated bool        `json:"deduplicated,omitempty"` // Replaced by a newer request
	Timestamp    time.Time   `json:"timestamp"`
}

// WriteHandler performs a write and returns the text that was written.
type WriteHandler func(device, variable string, value interface{}) (string, error)

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type pendingWrite struct {
	request     WriteRequest
	messageTime time.Time
	offset      int64
}

// Consumer reads write requests from the write topic. Requests for the same
// variable collected within one batch interval are collapsed to the latest.
type Consumer struct {
	config   *config.KafkaConfig
	producer *Producer
	builder  *namespace.Builder
	reader   messageReader
	running  bool
	mu       sync.RWMutex

	newReader func() (messageReader, error)
	now       func() time.Time

	writeHandler WriteHandler

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a consumer that answers through producer.
func NewConsumer(cfg *config.KafkaConfig, producer *Producer, builder *namespace.Builder) *Consumer {
	c := &Consumer{
		config:   cfg,
		producer: producer,
		builder:  builder,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	c.newReader = c.createReader
	return c
}

// SetWriteHandler sets the callback for write requests.
func (c *Consumer) SetWriteHandler(handler WriteHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeHandler = handler
}

// Start begins consuming write requests.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	reader, err := c.newReader()
	if err != nil {
		return err
	}
	logConsumer("Consuming '%s' with group '%s'", c.builder.KafkaWriteTopic(), consumerGroup(c.config))

	c.reader = reader
	c.running = true
	c.stopChan = make(chan struct{})

	c.wg.Add(1)
	go c.consumeLoop(reader, c.stopChan)
	return nil
}

func (c *Consumer) createReader() (messageReader, error) {
	dialer, err := newDialer(c.config)
	if err != nil {
		return nil, err
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		Topic:          c.builder.KafkaWriteTopic(),
		GroupID:        consumerGroup(c.config),
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
		Dialer:         dialer,
	}), nil
}

// Stop stops the consumer after running any collected requests.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logConsumer("Consumer stop timeout")
	}
	reader.Close()
}

// IsRunning returns whether the consumer is running.
func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Consumer) consumeLoop(reader messageReader, stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(WriteBackBatchInterval)
	defer ticker.Stop()

	pending := make(map[string]pendingWrite)
	var discarded []pendingWrite

	for {
		select {
		case <-stop:
			if len(pending) > 0 || len(discarded) > 0 {
				c.processBatch(pending, discarded)
			}
			return

		case <-ticker.C:
			if len(pending) > 0 || len(discarded) > 0 {
				c.processBatch(pending, discarded)
				pending = make(map[string]pendingWrite)
				discarded = nil
			}

		default:
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			msg, err := reader.FetchMessage(ctx)
			cancel()
			if err != nil {
				continue
			}
			c.collect(reader, msg, pending, &discarded)
		}
	}
}

// collect parses msg into pending, moving a replaced request to discarded.
func (c *Consumer) collect(reader messageReader, msg kafka.Message, pending map[string]pendingWrite, discarded *[]pendingWrite) {
	defer c.commitMessage(reader, msg)

	logConsumer("Received write request: partition=%d offset=%d key=%s", msg.Partition, msg.Offset, string(msg.Key))

	var req WriteRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		logConsumer("JSON parse error: %v", err)
		return
	}

	key := req.Device + "/" + req.Variable
	if existing, exists := pending[key]; exists {
		*discarded = append(*discarded, existing)
	}
	pending[key] = pendingWrite{
		request:     req,
		messageTime: msg.Time,
		offset:      msg.Offset,
	}
}

// processBatch answers discarded requests and runs the pending ones.
func (c *Consumer) processBatch(pending map[string]pendingWrite, discarded []pendingWrite) {
	c.mu.RLock()
	handler := c.writeHandler
	c.mu.RUnlock()

	maxAge := writeMaxAge(c.config)
	now := c.now()

	for _, pw := range discarded {
		c.sendResponse(WriteResponse{
			Device:       pw.request.Device,
			Variable:     pw.request.Variable,
			Value:        pw.request.Value,
			RequestID:    pw.request.RequestID,
			Error:        "request superseded by newer write to same variable",
			Deduplicated: true,
			Timestamp:    now,
		})
	}

	for key, pw := range pending {
		req := pw.request
		resp := WriteResponse{
			Device:    req.Device,
			Variable:  req.Variable,
			Value:     req.Value,
			RequestID: req.RequestID,
			Timestamp: now,
		}

		age := now.Sub(pw.messageTime)
		switch {
		case age > maxAge:
			logConsumer("Skipping stale write request for %s (age: %v > max: %v)", key, age, maxAge)
			resp.Error = fmt.Sprintf("request expired (age: %v, max: %v)", age.Round(time.Millisecond), maxAge)
			resp.Skipped = true
		case req.Device == "" || req.Variable == "":
			resp.Error = "device and variable are required"
		case req.Value == nil:
			resp.Error = "value is required"
		case handler == nil:
			resp.Error = "no write handler configured"
		default:
			written, err := handler(req.Device, req.Variable, req.Value)
			if err != nil {
				logConsumer("Write error: %s: %v", key, err)
				resp.Error = err.Error()
			} else {
				resp.Success = true
				resp.Written = written
			}
		}
		c.sendResponse(resp)
	}
}

func (c *Consumer) sendResponse(resp WriteResponse) {
	if c.producer == nil || c.producer.GetStatus() != StatusConnected {
		logConsumer("Cannot send response: producer not connected")
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := []byte(resp.Device + "/" + resp.Variable)
	if err := c.producer.Produce(ctx, c.builder.KafkaWriteResponseTopic(), key, payload); err != nil {
		logConsumer("Failed to publish response: %v", err)
	}
}

func (c *Consumer) commitMessage(reader messageReader, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reader.CommitMessages(ctx, msg); err != nil {
		logConsumer("Failed to commit message: %v", err)
	}
}

func logConsumer(format string, args ...interface{}) {
	logging.DebugLog("kafka", "[Consumer] "+format, args...)
}
