// Package valkey stores device values and health in Valkey/Redis and
// serves the write-back queue.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"filedaq/config"
	"filedaq/devman"
	"filedaq/logging"
	"filedaq/namespace"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// client is the subset of *redis.Client the publisher uses.
type client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Close() error
}

// ValueMessage is the JSON stored for a variable value.
type ValueMessage struct {
	Factory   string    `json:"factory"`
	Device    string    `json:"device"`
	Variable  string    `json:"variable"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthMessage is the JSON stored for a device's accessibility.
type HealthMessage struct {
	Factory   string    `json:"factory"`
	Device    string    `json:"device"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteRequest is an entry of the write queue.
type WriteRequest struct {
	Device   string      `json:"device"`
	Variable string      `json:"variable"`
	Value    interface{} `json:"value"`
}

// WriteResponse is published on the write response channel.
type WriteResponse struct {
	Factory   string      `json:"factory"`
	Device    string      `json:"device"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Written   string      `json:"written,omitempty"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// WriteHandler performs a write and returns the text that was written.
type WriteHandler func(device, variable string, value interface{}) (string, error)

// Publisher handles publishing values to one Valkey server.
type Publisher struct {
	config  *config.ValkeyConfig
	ns      *namespace.Builder
	client  client
	running bool
	mu      sync.RWMutex
	log     zerolog.Logger

	newClient func(*redis.Options) client

	writeHandler      WriteHandler
	onConnectCallback func()

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a publisher. Keys are rooted at namespace plus the
// server's selector.
func NewPublisher(cfg *config.ValkeyConfig, ns string) *Publisher {
	return &Publisher{
		config: cfg,
		ns:     namespace.New(ns, cfg.Selector),
		log:    logging.For("valkey").With().Str("server", cfg.Name).Logger(),
		newClient: func(opts *redis.Options) client {
			return redis.NewClient(opts)
		},
		stopChan: make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Start connects to the server and starts the write-back listener when
// enabled.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	c := p.newClient(opts)
	logging.DebugConnect("valkey", p.Address())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		logging.DebugConnectError("valkey", p.Address(), err)
		c.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}
	logging.DebugConnectSuccess("valkey", p.Address(), fmt.Sprintf("db=%d", p.config.Database))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		c.Close()
		return nil
	}
	p.client = c
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.writebackListener(c, p.stopChan)
	}
	if p.onConnectCallback != nil {
		go p.onConnectCallback()
	}

	p.log.Info().Str("address", p.Address()).Bool("writeback", p.config.EnableWriteback).Msg("connected")
	return nil
}

// Stop disconnects from the server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	c := p.client
	p.client = nil
	p.mu.Unlock()

	// The listener polls with a 1s BLPOP timeout.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	logging.DebugDisconnect("valkey", p.Address(), "stopped")
	return c.Close()
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server URL.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

func (p *Publisher) activeClient() client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil
	}
	return p.client
}

// Publish stores a value change and announces it on the change channels
// when publish_changes is set.
func (p *Publisher) Publish(change devman.ValueChange) error {
	c := p.activeClient()
	if c == nil {
		return nil
	}

	data, err := json.Marshal(ValueMessage{
		Factory:   p.ns.ValkeyFactory(),
		Device:    change.Device,
		Variable:  change.Variable,
		Value:     change.Value,
		Timestamp: change.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Set(ctx, p.ns.ValkeyValueKey(change.Device, change.Variable), data, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	if p.config.PublishChanges {
		c.Publish(ctx, p.ns.ValkeyChangesChannel(change.Device), data)
		c.Publish(ctx, p.ns.ValkeyAllChangesChannel(), data)
	}
	return nil
}

// PublishHealth stores a device's accessibility.
func (p *Publisher) PublishHealth(h devman.Health) error {
	c := p.activeClient()
	if c == nil {
		return nil
	}

	data, err := json.Marshal(HealthMessage{
		Factory:   p.ns.ValkeyFactory(),
		Device:    h.Device,
		Online:    h.Online,
		Status:    h.Status,
		Error:     h.Error,
		Since:     h.Since,
		Timestamp: h.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal health status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := p.ns.ValkeyHealthKey(h.Device)
	if err := c.Set(ctx, key, data, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set health key: %w", err)
	}
	if p.config.PublishChanges {
		c.Publish(ctx, key, data)
	}
	return nil
}

// SetWriteHandler sets the callback for write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetOnConnectCallback sets the callback invoked after connecting.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

// writebackListener pops write requests from the queue until stop closes.
func (p *Publisher) writebackListener(c client, stop <-chan struct{}) {
	defer p.wg.Done()

	queueKey := p.ns.ValkeyWriteQueue()
	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := c.BLPop(ctx, time.Second, queueKey).Result()
		cancel()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				debugLog("Write queue error: %v", err)
				select {
				case <-stop:
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var req WriteRequest
		if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
			debugLog("Failed to parse write request: %v", err)
			continue
		}
		p.processWriteRequest(c, req)
	}
}

// processWriteRequest runs one write and publishes the response.
func (p *Publisher) processWriteRequest(c client, req WriteRequest) {
	p.mu.RLock()
	handler := p.writeHandler
	p.mu.RUnlock()

	resp := WriteResponse{
		Factory:  p.ns.ValkeyFactory(),
		Device:   req.Device,
		Variable: req.Variable,
		Value:    req.Value,
	}

	switch {
	case req.Device == "" || req.Variable == "":
		resp.Error = "device and variable are required"
	case req.Value == nil:
		resp.Error = "value is required"
	case handler == nil:
		resp.Error = "no write handler configured"
	default:
		written, err := handler(req.Device, req.Variable, req.Value)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
			resp.Written = written
		}
	}
	resp.Timestamp = time.Now().UTC()

	data, _ := json.Marshal(resp)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.Publish(ctx, p.ns.ValkeyWriteResponseChannel(), data)

	debugLog("Write %s:%s = %v -> success=%v", req.Device, req.Variable, req.Value, resp.Success)
}
