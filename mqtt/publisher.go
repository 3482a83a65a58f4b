// Package mqtt publishes device values and health to MQTT brokers and
// routes write requests received on per-device write topics.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"filedaq/config"
	"filedaq/devman"
	"filedaq/logging"
	"filedaq/namespace"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// writeJob is a pending write request or an error reply to one.
type writeJob struct {
	client   pahomqtt.Client
	device   string
	variable string
	value    interface{}
	err      error // Reply with this error without writing
	handler  WriteHandler
}

// MaxWriteWorkers is the maximum number of concurrent write goroutines per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize is the maximum number of pending write jobs per publisher.
const MaxWriteQueueSize = 100

// Publisher handles the connection to a single broker.
type Publisher struct {
	config  *config.MQTTConfig
	ns      *namespace.Builder
	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex
	log     zerolog.Logger

	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client

	// Last published value per device/variable
	lastValues map[string]string
	lastMu     sync.RWMutex

	writeHandler WriteHandler
	devices      []string // Devices subscribed for writes

	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// ValueMessage is the JSON published for a variable value.
type ValueMessage struct {
	Device    string `json:"device"`
	Variable  string `json:"variable"`
	Value     string `json:"value"`
	Timestamp string `json:"timestamp"`
}

// WriteRequest is the JSON accepted on a device's write topic.
type WriteRequest struct {
	Variable string      `json:"variable"`
	Value    interface{} `json:"value"`
}

// WriteResponse is the JSON published on a device's write response topic.
type WriteResponse struct {
	Device    string      `json:"device"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Written   string      `json:"written,omitempty"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteHandler performs a write and returns the text that was written.
type WriteHandler func(device, variable string, value interface{}) (string, error)

// NewPublisher creates a publisher for one broker. Topics are rooted at
// namespace plus the broker's selector.
func NewPublisher(cfg *config.MQTTConfig, ns string) *Publisher {
	return &Publisher{
		config:     cfg,
		ns:         namespace.New(ns, cfg.Selector),
		log:        logging.For("mqtt").With().Str("broker", cfg.Name).Logger(),
		newClient:  pahomqtt.NewClient,
		lastValues: make(map[string]string),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Start connects to the broker and subscribes to the write topics.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	// Resubscribe after an automatic reconnect.
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		if p.IsRunning() {
			p.subscribeWriteTopics()
		}
	})

	client := p.newClient(opts)
	logging.DebugConnect("mqtt", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logging.DebugConnectError("mqtt", p.Address(), fmt.Errorf("timeout"))
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		logging.DebugConnectError("mqtt", p.Address(), err)
		return err
	}
	logging.DebugConnectSuccess("mqtt", p.Address(), "client_id="+p.config.ClientID)

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	// Republish everything after a (re)start.
	p.lastMu.Lock()
	p.lastValues = make(map[string]string)
	p.lastMu.Unlock()

	p.startWriteWorkers()
	p.subscribeWriteTopics()

	p.log.Info().Str("address", p.Address()).Msg("connected")
	return nil
}

func (p *Publisher) startWriteWorkers() {
	p.mu.RLock()
	stop, queue := p.stopChan, p.writeQueue
	p.mu.RUnlock()
	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker(stop, queue)
	}
}

func (p *Publisher) writeWorker(stop <-chan struct{}, queue <-chan writeJob) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			var written string
			err := job.err
			if err == nil {
				if job.handler == nil {
					err = fmt.Errorf("no write handler configured")
				} else {
					logMQTT("Executing write: %s/%s = %v", job.device, job.variable, job.value)
					written, err = job.handler(job.device, job.variable, job.value)
					if err != nil {
						logMQTT("Write error: %v", err)
					}
				}
			}
			p.publishWriteResponse(job.client, job.device, job.variable, job.value, written, err)
		}
	}
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil

	oldStop := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		p.log.Warn().Msg("timeout waiting for write workers to stop")
	}

	client.Disconnect(500)
	logging.DebugDisconnect("mqtt", p.Address(), "stopped")
}

// Publish sends a value change, retained, unless it matches the last value
// published for the variable. force publishes regardless.
func (p *Publisher) Publish(change devman.ValueChange, force bool) bool {
	p.mu.RLock()
	running, client := p.running, p.client
	p.mu.RUnlock()
	if !running || client == nil {
		return false
	}

	cacheKey := change.Device + "/" + change.Variable
	p.lastMu.RLock()
	last, exists := p.lastValues[cacheKey]
	p.lastMu.RUnlock()
	if exists && !force && last == change.Value {
		return false
	}

	payload, err := json.Marshal(ValueMessage{
		Device:    change.Device,
		Variable:  change.Variable,
		Value:     change.Value,
		Timestamp: change.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return false
	}

	token := client.Publish(p.ns.MQTTValueTopic(change.Device, change.Variable), 1, true, payload)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		return false
	}

	p.lastMu.Lock()
	p.lastValues[cacheKey] = change.Value
	p.lastMu.Unlock()
	return true
}

// PublishHealth sends a device's accessibility, retained.
func (p *Publisher) PublishHealth(h devman.Health) bool {
	p.mu.RLock()
	running, client := p.running, p.client
	p.mu.RUnlock()
	if !running || client == nil {
		return false
	}

	payload, err := json.Marshal(h)
	if err != nil {
		return false
	}
	token := client.Publish(p.ns.MQTTHealthTopic(h.Device), 1, true, payload)
	return token.WaitTimeout(2*time.Second) && token.Error() == nil
}

// SetWriteHandler sets the callback for write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetDeviceNames sets the devices whose write topics are subscribed.
func (p *Publisher) SetDeviceNames(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = names
}

func (p *Publisher) subscribeWriteTopics() {
	p.mu.RLock()
	client := p.client
	devices := p.devices
	p.mu.RUnlock()

	if client == nil || len(devices) == 0 {
		return
	}

	for _, device := range devices {
		topic := p.ns.MQTTWriteTopic(device)
		token := client.Subscribe(topic, 1, p.writeMessageHandler(device))
		if !token.WaitTimeout(2 * time.Second) {
			logMQTT("Subscribe timeout for %s", topic)
			continue
		}
		if err := token.Error(); err != nil {
			logMQTT("Subscribe error for %s: %v", topic, err)
			continue
		}
		logMQTT("Subscribed to: %s", topic)
	}
}

func (p *Publisher) writeMessageHandler(device string) pahomqtt.MessageHandler {
	return func(client pahomqtt.Client, msg pahomqtt.Message) {
		p.handleWriteMessage(client, device, msg.Payload())
	}
}

// handleWriteMessage validates a write request and queues it. A full
// queue is answered immediately with an error.
func (p *Publisher) handleWriteMessage(client pahomqtt.Client, device string, payload []byte) {
	logMQTT("Write request for %s: %s", device, string(payload))

	p.mu.RLock()
	handler := p.writeHandler
	queue := p.writeQueue
	p.mu.RUnlock()

	job := writeJob{client: client, device: device, handler: handler}

	var req WriteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		job.err = fmt.Errorf("invalid JSON: %v", err)
	} else {
		job.variable = req.Variable
		job.value = req.Value
		if req.Variable == "" {
			job.err = fmt.Errorf("missing variable")
		} else if req.Value == nil {
			job.err = fmt.Errorf("missing value")
		}
	}

	select {
	case queue <- job:
	default:
		logMQTT("Write queue full, rejecting write for %s/%s", job.device, job.variable)
		go p.publishWriteResponse(client, job.device, job.variable, job.value, "",
			fmt.Errorf("write queue full, try again later"))
	}
}

func (p *Publisher) publishWriteResponse(client pahomqtt.Client, device, variable string, value interface{}, written string, err error) {
	resp := WriteResponse{
		Device:    device,
		Variable:  variable,
		Value:     value,
		Written:   written,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	payload, _ := json.Marshal(resp)
	token := client.Publish(p.ns.MQTTWriteResponseTopic(device), 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}
