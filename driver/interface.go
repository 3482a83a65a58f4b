// Package driver reads and writes a device's variables by running awk or
// sed over its value file through the device's transport.
package driver

import (
	"filedaq/config"
	"filedaq/transport"
)

// Driver is the interface the poll scheduler uses to drive one device.
type Driver interface {
	Name() string
	Protocol() config.Protocol
	Variables() []*Variable

	// ReadAll runs one read cycle over vars and returns the changed values.
	ReadAll(vars []*Variable) []Sample
	// Poll runs ReadAll over all of the device's variables.
	Poll() []Sample
	// Write sets a variable and returns the value that was written.
	Write(variableID string, value interface{}, origin string) (string, error)

	State() transport.AccessState
	SetOnTransition(fn func(prev, next transport.AccessState))
}
