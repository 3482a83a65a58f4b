package devman

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"filedaq/config"
	"filedaq/driver"
	"filedaq/logging"
	"filedaq/telemetry"
	"filedaq/transport"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceExists   = errors.New("device already exists")
	ErrDeviceDisabled = errors.New("device disabled")
)

// DriverFactory builds the driver for a device configuration.
type DriverFactory func(cfg *config.DeviceConfig) (driver.Driver, error)

func defaultFactory(cfg *config.DeviceConfig) (driver.Driver, error) {
	return driver.New(cfg)
}

// deviceWorker runs the poll loop of one device in its own goroutine.
type deviceWorker struct {
	dev      *ManagedDevice
	manager  *Manager
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pollRate time.Duration
}

func newDeviceWorker(dev *ManagedDevice, manager *Manager, pollRate time.Duration) *deviceWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &deviceWorker{
		dev:      dev,
		manager:  manager,
		ctx:      ctx,
		cancel:   cancel,
		pollRate: pollRate,
	}
}

func (w *deviceWorker) Start() {
	w.wg.Add(1)
	go w.pollLoop()
}

// Stop halts the worker and waits for an in-flight cycle to finish.
func (w *deviceWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *deviceWorker) pollLoop() {
	defer w.wg.Done()

	w.manager.poll(w.dev)

	ticker := time.NewTicker(w.pollRate)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.manager.poll(w.dev)
		}
	}
}

// Manager runs read cycles for all enabled devices and delivers value and
// health changes to the registered callbacks in batches.
type Manager struct {
	devices map[string]*ManagedDevice
	workers map[string]*deviceWorker
	mu      sync.RWMutex

	pollRate      time.Duration
	batchInterval time.Duration
	factory       DriverFactory
	metrics       telemetry.Collector
	log           zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onValueChange  func(changes []ValueChange)
	onHealthChange func(health Health)

	changeChan chan []ValueChange
	healthChan chan Health
}

// Option customizes a Manager.
type Option func(*Manager)

// WithCollector sets the metrics collector.
func WithCollector(c telemetry.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithDriverFactory replaces driver.New.
func WithDriverFactory(f DriverFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithBatchInterval sets how often aggregated changes are delivered.
func WithBatchInterval(d time.Duration) Option {
	return func(m *Manager) { m.batchInterval = d }
}

// NewManager creates a device manager polling at pollRate.
func NewManager(pollRate time.Duration, opts ...Option) *Manager {
	if pollRate <= 0 {
		pollRate = time.Second
	}
	m := &Manager{
		devices:       make(map[string]*ManagedDevice),
		workers:       make(map[string]*deviceWorker),
		pollRate:      pollRate,
		batchInterval: 100 * time.Millisecond,
		factory:       defaultFactory,
		metrics:       telemetry.Noop(),
		log:           logging.For("devman"),
		changeChan:    make(chan []ValueChange, 100),
		healthChan:    make(chan Health, 100),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetOnValueChange sets a callback that receives batches of changed values.
func (m *Manager) SetOnValueChange(fn func(changes []ValueChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onValueChange = fn
}

// SetOnHealthChange sets a callback fired when a device's accessibility
// changes.
func (m *Manager) SetOnHealthChange(fn func(health Health)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHealthChange = fn
}

// sendChanges queues changes for the aggregator, dropping the oldest batch
// when the queue is full.
func (m *Manager) sendChanges(changes []ValueChange) {
	select {
	case m.changeChan <- changes:
	default:
		select {
		case <-m.changeChan:
		default:
		}
		select {
		case m.changeChan <- changes:
		default:
		}
	}
}

func (m *Manager) sendHealth(h Health) {
	select {
	case m.healthChan <- h:
	default:
		select {
		case <-m.healthChan:
		default:
		}
		select {
		case m.healthChan <- h:
		default:
		}
	}
}

// AddDevice builds the driver for cfg and puts the device under management.
// Disabled devices are tracked but never polled.
func (m *Manager) AddDevice(cfg *config.DeviceConfig) error {
	m.mu.RLock()
	_, exists := m.devices[cfg.Name]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrDeviceExists, cfg.Name)
	}

	drv, err := m.factory(cfg)
	if err != nil {
		return err
	}
	dev := newManagedDevice(cfg, drv)
	name := cfg.Name
	drv.SetOnTransition(func(prev, next transport.AccessState) {
		m.metrics.SetAccessible(name, next.Status == transport.StatusReachable)
		m.sendHealth(healthFrom(name, next))
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.devices[name]; exists {
		return fmt.Errorf("%w: %s", ErrDeviceExists, name)
	}
	m.devices[name] = dev

	if m.ctx != nil && cfg.Enabled {
		worker := newDeviceWorker(dev, m, m.pollRate)
		m.workers[name] = worker
		worker.Start()
	}
	return nil
}

// RemoveDevice stops polling the device and removes it.
func (m *Manager) RemoveDevice(name string) error {
	m.mu.Lock()
	_, exists := m.devices[name]
	worker := m.workers[name]
	delete(m.devices, name)
	delete(m.workers, name)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	if worker != nil {
		worker.Stop()
	}
	return nil
}

// GetDevice returns the managed device with the given name, or nil.
func (m *Manager) GetDevice(name string) *ManagedDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devices[name]
}

// ListDevices returns all managed devices sorted by name.
func (m *Manager) ListDevices() []*ManagedDevice {
	m.mu.RLock()
	result := make([]*ManagedDevice, 0, len(m.devices))
	for _, dev := range m.devices {
		result = append(result, dev)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// LoadFromConfig adds every configured device. A device that cannot be
// built is logged and skipped; the errors are returned for reporting.
func (m *Manager) LoadFromConfig(cfg *config.Config) []error {
	var errs []error
	for i := range cfg.Devices {
		dev := &cfg.Devices[i]
		if err := m.AddDevice(dev); err != nil {
			m.log.Error().Err(err).Str("device", dev.Name).Msg("device skipped")
			errs = append(errs, err)
		}
	}
	return errs
}

// Start begins background polling of all enabled devices.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	ctx := m.ctx

	for name, dev := range m.devices {
		if !dev.Config.Enabled {
			continue
		}
		worker := newDeviceWorker(dev, m, m.pollRate)
		m.workers[name] = worker
		worker.Start()
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.batchedUpdateLoop(ctx)
}

// Stop halts all background polling and flushes pending changes.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.ctx == nil {
		m.mu.Unlock()
		return
	}
	workers := make([]*deviceWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*deviceWorker)
	m.mu.Unlock()

	// Workers first so their last changes reach the aggregator.
	for _, w := range workers {
		w.Stop()
	}

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()
}

// poll runs one read cycle on dev.
func (m *Manager) poll(dev *ManagedDevice) []ValueChange {
	dev.cycleMu.Lock()
	start := time.Now()
	samples := dev.Driver.Poll()
	took := time.Since(start)
	online := dev.Driver.State().Status == transport.StatusReachable
	dev.cycleMu.Unlock()

	name := dev.Name()
	if !online {
		m.metrics.IncReadFailure(name)
	}
	changes := dev.record(samples, time.Now(), took)
	m.metrics.ObserveCycle(name, took, len(changes))
	m.log.Debug().Str("device", name).Dur("took", took).Int("changes", len(changes)).Msg("read cycle")

	if len(changes) > 0 {
		m.sendChanges(changes)
	}
	return changes
}

// ReadNow runs a read cycle on the named device immediately, serialized with
// its scheduled cycles, and returns the changed values.
func (m *Manager) ReadNow(name string) ([]ValueChange, error) {
	dev := m.GetDevice(name)
	if dev == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	if !dev.Config.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrDeviceDisabled, name)
	}
	return m.poll(dev), nil
}

// WriteVariable writes value to a variable, serialized with the device's
// read cycles. origin identifies the requester in logs.
func (m *Manager) WriteVariable(deviceName, variable string, value interface{}, origin string) (string, error) {
	dev := m.GetDevice(deviceName)
	if dev == nil {
		return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceName)
	}
	if !dev.Config.Enabled {
		return "", fmt.Errorf("%w: %s", ErrDeviceDisabled, deviceName)
	}

	dev.cycleMu.Lock()
	written, err := dev.Driver.Write(variable, value, origin)
	dev.cycleMu.Unlock()

	m.metrics.IncWrite(deviceName, err == nil)
	return written, err
}

// batchedUpdateLoop aggregates changes from workers and delivers them at a
// controlled rate.
func (m *Manager) batchedUpdateLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	var pending []ValueChange

	for {
		select {
		case <-ctx.Done():
			m.drain(&pending)
			m.flushValueChanges(pending)
			return

		case changes := <-m.changeChan:
			pending = append(pending, changes...)

		case h := <-m.healthChan:
			m.flushHealth(h)

		case <-ticker.C:
			if len(pending) > 0 {
				m.flushValueChanges(pending)
				pending = nil
			}
		}
	}
}

// drain collects whatever the workers queued before they stopped.
func (m *Manager) drain(pending *[]ValueChange) {
	for {
		select {
		case changes := <-m.changeChan:
			*pending = append(*pending, changes...)
		case h := <-m.healthChan:
			m.flushHealth(h)
		default:
			return
		}
	}
}

func (m *Manager) flushValueChanges(changes []ValueChange) {
	m.mu.RLock()
	fn := m.onValueChange
	m.mu.RUnlock()
	if fn != nil && len(changes) > 0 {
		fn(changes)
	}
}

func (m *Manager) flushHealth(h Health) {
	m.mu.RLock()
	fn := m.onHealthChange
	m.mu.RUnlock()
	if fn != nil {
		fn(h)
	}
}

// GetAllCurrentValues returns the latest value of every variable of every
// device. Publishers use it for the initial publish after connecting.
func (m *Manager) GetAllCurrentValues() []ValueChange {
	var results []ValueChange
	for _, dev := range m.ListDevices() {
		values := dev.GetValues()
		ids := make([]string, 0, len(values))
		for id := range values {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			s := values[id]
			results = append(results, ValueChange{
				Device:    dev.Name(),
				Variable:  id,
				Value:     s.Value,
				Timestamp: s.Timestamp,
			})
		}
	}
	return results
}

// GetAllHealth returns the accessibility of every device.
func (m *Manager) GetAllHealth() []Health {
	devs := m.ListDevices()
	result := make([]Health, 0, len(devs))
	for _, dev := range devs {
		result = append(result, dev.GetHealth())
	}
	return result
}
