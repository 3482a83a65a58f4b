package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"filedaq/config"
	"filedaq/devman"
	"filedaq/logging"
	"filedaq/namespace"
)

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}

// ValueMessage is the JSON produced for a variable value.
type ValueMessage struct {
	Device    string `json:"device"`
	Variable  string `json:"variable"`
	Value     string `json:"value"`
	Timestamp string `json:"timestamp"`
}

// HealthMessage is the JSON produced for a device's accessibility.
type HealthMessage struct {
	Device    string `json:"device"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
	cacheKey string
	value    *string // Recorded as last published on success; nil for health
}

// cluster is one configured Kafka cluster.
type cluster struct {
	producer *Producer
	consumer *Consumer
	builder  *namespace.Builder
}

// Manager manages the clusters and a bounded pool of publish workers.
type Manager struct {
	clusters map[string]*cluster
	mu       sync.RWMutex

	lastValues map[string]string // cluster/device/variable -> value
	lastMu     sync.RWMutex

	writeHandler WriteHandler

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 10

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// NewManager creates a new Kafka manager.
func NewManager() *Manager {
	return &Manager{
		clusters:     make(map[string]*cluster),
		lastValues:   make(map[string]string),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
}

func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	stop, queue := m.stopChan, m.publishQueue
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(stop, queue)
	}
}

func (m *Manager) publishWorker(stop <-chan struct{}, queue <-chan publishJob) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := job.producer.Produce(ctx, job.topic, job.key, job.payload)
			cancel()
			if err != nil {
				logKafka("Failed to publish %s: %v", job.cacheKey, err)
				continue
			}
			if job.value != nil {
				m.lastMu.Lock()
				m.lastValues[job.cacheKey] = *job.value
				m.lastMu.Unlock()
			}
		}
	}
}

// AddCluster adds a cluster rooted at namespace plus its selector.
func (m *Manager) AddCluster(cfg *config.KafkaConfig, ns string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clusters[cfg.Name]; exists {
		return
	}
	producer := NewProducer(cfg)
	builder := namespace.New(ns, cfg.Selector)
	c := &cluster{producer: producer, builder: builder}
	if cfg.EnableWriteback {
		c.consumer = NewConsumer(cfg, producer, builder)
		c.consumer.SetWriteHandler(m.writeHandler)
	}
	m.clusters[cfg.Name] = c
}

// LoadFromConfig adds every configured cluster.
func (m *Manager) LoadFromConfig(cfgs []config.KafkaConfig, ns string) {
	for i := range cfgs {
		m.AddCluster(&cfgs[i], ns)
	}
}

// RemoveCluster stops and removes a cluster.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	c, exists := m.clusters[name]
	delete(m.clusters, name)
	m.mu.Unlock()

	if exists {
		stopCluster(c)
	}
}

func stopCluster(c *cluster) {
	if c.consumer != nil {
		c.consumer.Stop()
	}
	c.producer.Disconnect()
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.clusters[name]; ok {
		return c.producer
	}
	return nil
}

// ListClusters returns all cluster names, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.clusters))
	for name := range m.clusters {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (m *Manager) list() []*cluster {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*cluster, 0, len(m.clusters))
	for _, c := range m.clusters {
		result = append(result, c)
	}
	return result
}

// Connect connects the named cluster and starts its write consumer.
func (m *Manager) Connect(name string) error {
	m.mu.RLock()
	c, exists := m.clusters[name]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	return m.connect(c)
}

func (m *Manager) connect(c *cluster) error {
	m.startWorkers()
	if err := c.producer.Connect(); err != nil {
		return err
	}
	if c.consumer != nil {
		return c.consumer.Start()
	}
	return nil
}

// ConnectEnabled connects all enabled clusters and returns how many
// connected.
func (m *Manager) ConnectEnabled() int {
	connected := 0
	for _, c := range m.list() {
		if !c.producer.config.Enabled {
			continue
		}
		if err := m.connect(c); err != nil {
			log := logging.For("kafka")
			log.Error().Err(err).Str("cluster", c.producer.Name()).Msg("connect failed")
			continue
		}
		connected++
	}
	return connected
}

// StopAll stops the workers and disconnects every cluster.
func (m *Manager) StopAll() {
	m.mu.Lock()
	wasStarted := m.started
	oldStop := m.stopChan
	if wasStarted {
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	// Consumers first so their last responses still go out.
	for _, c := range m.list() {
		if c.consumer != nil {
			c.consumer.Stop()
		}
	}

	if wasStarted {
		close(oldStop)
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logKafka("Timeout waiting for publish workers to stop")
		}
	}

	for _, c := range m.list() {
		c.producer.Disconnect()
	}
}

// SetWriteHandler sets the write handler of every write consumer.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	m.mu.Unlock()

	for _, c := range m.list() {
		if c.consumer != nil {
			c.consumer.SetWriteHandler(handler)
		}
	}
}

func (m *Manager) enqueue(job publishJob) {
	m.mu.RLock()
	queue := m.publishQueue
	m.mu.RUnlock()

	select {
	case queue <- job:
	default:
		logKafka("Publish queue full, dropping message for %s", job.cacheKey)
	}
}

// Publish queues value changes for every connected cluster with
// publish_changes set. Messages are keyed device/variable so one variable
// stays on one partition. Unchanged values are skipped unless force is set.
func (m *Manager) Publish(changes []devman.ValueChange, force bool) {
	for _, c := range m.list() {
		p := c.producer
		if p.GetStatus() != StatusConnected || !p.config.PublishChanges {
			continue
		}

		for _, ch := range changes {
			cacheKey := p.Name() + "/" + ch.Device + "/" + ch.Variable
			m.lastMu.RLock()
			last, exists := m.lastValues[cacheKey]
			m.lastMu.RUnlock()
			if exists && !force && last == ch.Value {
				continue
			}

			payload, err := json.Marshal(ValueMessage{
				Device:    ch.Device,
				Variable:  ch.Variable,
				Value:     ch.Value,
				Timestamp: ch.Timestamp.UTC().Format(time.RFC3339Nano),
			})
			if err != nil {
				continue
			}
			value := ch.Value
			m.enqueue(publishJob{
				producer: p,
				topic:    c.builder.KafkaValueTopic(),
				key:      []byte(ch.Device + "/" + ch.Variable),
				payload:  payload,
				cacheKey: cacheKey,
				value:    &value,
			})
		}
	}
}

// PublishHealth queues a health message for every publishing cluster.
func (m *Manager) PublishHealth(h devman.Health) {
	for _, c := range m.list() {
		p := c.producer
		if p.GetStatus() != StatusConnected || !p.config.PublishChanges {
			continue
		}

		payload, err := json.Marshal(HealthMessage{
			Device:    h.Device,
			Online:    h.Online,
			Status:    h.Status,
			Error:     h.Error,
			Timestamp: h.Timestamp.UTC().Format(time.RFC3339),
		})
		if err != nil {
			continue
		}
		m.enqueue(publishJob{
			producer: p,
			topic:    c.builder.KafkaHealthTopic(),
			key:      []byte(h.Device),
			payload:  payload,
			cacheKey: p.Name() + "/" + h.Device + "/health",
		})
	}
}

// AnyPublishing returns true if any connected cluster publishes changes.
func (m *Manager) AnyPublishing() bool {
	for _, c := range m.list() {
		if c.producer.GetStatus() == StatusConnected && c.producer.config.PublishChanges {
			return true
		}
	}
	return false
}

// ClearLastValues forces the next Publish to send every value.
func (m *Manager) ClearLastValues() {
	m.lastMu.Lock()
	m.lastValues = make(map[string]string)
	m.lastMu.Unlock()
}
