package mqtt

import (
	"sort"
	"sync"

	"filedaq/config"
	"filedaq/devman"
)

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers   map[string]*Publisher
	mu           sync.RWMutex
	writeHandler WriteHandler
	devices      []string
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
	}
}

// Add adds a publisher and applies the current write settings to it.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	handler := m.writeHandler
	devices := m.devices
	m.mu.Unlock()

	if handler != nil {
		pub.SetWriteHandler(handler)
	}
	if len(devices) > 0 {
		pub.SetDeviceNames(devices)
	}
}

// Remove stops and removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	delete(m.publishers, name)
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers sorted by name.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// StartAll starts the enabled publishers and returns how many started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.config.Enabled || pub.IsRunning() {
			continue
		}
		if err := pub.Start(); err != nil {
			pub.log.Error().Err(err).Str("address", pub.Address()).Msg("start failed")
			continue
		}
		started++
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// Publish sends value changes to every running publisher.
func (m *Manager) Publish(changes []devman.ValueChange, force bool) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		for _, c := range changes {
			pub.Publish(c, force)
		}
	}
}

// PublishHealth sends a health update to every running publisher.
func (m *Manager) PublishHealth(h devman.Health) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishHealth(h)
		}
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// LoadFromConfig creates a publisher for each broker configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, ns string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], ns))
	}
}

// SetWriteHandler sets the write handler for all publishers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetWriteHandler(handler)
	}
}

// SetDeviceNames sets the devices whose write topics are subscribed.
func (m *Manager) SetDeviceNames(names []string) {
	m.mu.Lock()
	m.devices = names
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetDeviceNames(names)
	}
}
