// Package devman schedules read cycles for file-backed devices in the
// background and routes writes to them.
package devman

import (
	"sync"
	"time"

	"filedaq/config"
	"filedaq/driver"
	"filedaq/transport"
)

// Health is the accessibility of a device as published to consumers.
type Health struct {
	Device    string    `json:"device"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func healthFrom(name string, s transport.AccessState) Health {
	return Health{
		Device:    name,
		Online:    s.Status == transport.StatusReachable,
		Status:    s.Status.String(),
		Error:     s.Reason,
		Since:     s.Since,
		Timestamp: time.Now(),
	}
}

// ValueChange is a variable value that changed in the last cycle.
type ValueChange struct {
	Device    string    `json:"device"`
	Variable  string    `json:"variable"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// ManagedDevice is a device under management.
type ManagedDevice struct {
	Config *config.DeviceConfig
	Driver driver.Driver

	mu        sync.RWMutex
	values    map[string]driver.Sample
	lastPoll  time.Time
	lastCycle time.Duration

	// cycleMu serializes read cycles and writes on this device.
	cycleMu sync.Mutex
}

func newManagedDevice(cfg *config.DeviceConfig, drv driver.Driver) *ManagedDevice {
	return &ManagedDevice{
		Config: cfg,
		Driver: drv,
		values: make(map[string]driver.Sample),
	}
}

// Name returns the device name.
func (d *ManagedDevice) Name() string {
	return d.Config.Name
}

// GetValues returns a copy of the latest value of each variable.
func (d *ManagedDevice) GetValues() map[string]driver.Sample {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result := make(map[string]driver.Sample, len(d.values))
	for k, v := range d.values {
		result[k] = v
	}
	return result
}

// GetValue returns the latest value of one variable.
func (d *ManagedDevice) GetValue(variable string) (driver.Sample, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.values[variable]
	return s, ok
}

// GetHealth returns the current accessibility.
func (d *ManagedDevice) GetHealth() Health {
	return healthFrom(d.Config.Name, d.Driver.State())
}

// GetLastPoll returns when the last read cycle finished and how long it took.
func (d *ManagedDevice) GetLastPoll() (time.Time, time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastPoll, d.lastCycle
}

// record stores the samples of one cycle and returns them as changes.
func (d *ManagedDevice) record(samples []driver.Sample, finished time.Time, took time.Duration) []ValueChange {
	d.mu.Lock()
	defer d.mu.Unlock()

	changes := make([]ValueChange, 0, len(samples))
	for _, s := range samples {
		d.values[s.VariableID] = s
		changes = append(changes, ValueChange{
			Device:    d.Config.Name,
			Variable:  s.VariableID,
			Value:     s.Value,
			Timestamp: s.Timestamp,
		})
	}
	d.lastPoll = finished
	d.lastCycle = took
	return changes
}
