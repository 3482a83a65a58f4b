package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Protocol identifies how a device's value file is reached.
type Protocol string

const (
	ProtocolLocal Protocol = "local"
	ProtocolSSH   Protocol = "ssh"
	ProtocolFTP   Protocol = "ftp"
)

// Defaults applied when a device or variable leaves a field unset.
const (
	DefaultTimeout = 5 * time.Second
	DefaultFTPPort = 21
	DefaultSSHPort = 22
	DefaultProgram = "awk"
	DefaultCommand = "NR==1{ print; exit }"
)

var (
	ErrUnknownProtocol = errors.New("unknown transport")
	ErrUnknownProgram  = errors.New("unknown program")
	ErrMissingField    = errors.New("missing required field")
)

// ParseProtocol converts a configuration string into a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case ProtocolLocal, ProtocolSSH, ProtocolFTP:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
}

func (p Protocol) String() string {
	return string(p)
}

// DeviceConfig describes one file-backed device and its variables.
type DeviceConfig struct {
	Name           string           `yaml:"name"`
	Enabled        bool             `yaml:"enabled"`
	Transport      Protocol         `yaml:"transport"`
	Host           string           `yaml:"host,omitempty"`
	Port           int              `yaml:"port,omitempty"`
	Username       string           `yaml:"username,omitempty"`
	Password       string           `yaml:"password,omitempty"`
	FilePath       string           `yaml:"file_path"`
	LocalCopyPath  string           `yaml:"local_copy_path,omitempty"` // FTP staging copy
	Timeout        int              `yaml:"timeout,omitempty"`         // Seconds
	FTPPassiveMode *bool            `yaml:"ftp_passive_mode,omitempty"`
	KnownHosts     string           `yaml:"known_hosts,omitempty"` // SSH only, default ~/.ssh/known_hosts
	Variables      []VariableConfig `yaml:"variables"`
}

// VariableConfig binds a variable to an awk or sed extraction or edit.
type VariableConfig struct {
	ID         string           `yaml:"id"`
	Program    string           `yaml:"program,omitempty"`
	Command    string           `yaml:"command,omitempty"`
	Dictionary []DictionaryItem `yaml:"dictionary,omitempty"`
}

// DictionaryItem maps an integer code to a label.
type DictionaryItem struct {
	Value int    `yaml:"value" json:"value"`
	Label string `yaml:"label" json:"label"`
}

// GetProtocol returns the parsed transport, or an error for unknown values.
func (d *DeviceConfig) GetProtocol() (Protocol, error) {
	return ParseProtocol(string(d.Transport))
}

// GetTimeout returns the per-operation timeout.
func (d *DeviceConfig) GetTimeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultTimeout
	}
	return time.Duration(d.Timeout) * time.Second
}

// GetPort returns the configured port or the protocol default.
func (d *DeviceConfig) GetPort() int {
	if d.Port > 0 {
		return d.Port
	}
	switch d.Transport {
	case ProtocolSSH:
		return DefaultSSHPort
	case ProtocolFTP:
		return DefaultFTPPort
	}
	return 0
}

// PassiveMode reports whether FTP passive mode is enabled (default true).
func (d *DeviceConfig) PassiveMode() bool {
	if d.FTPPassiveMode == nil {
		return true
	}
	return *d.FTPPassiveMode
}

// Address returns host:port for network transports.
func (d *DeviceConfig) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.GetPort()))
}

// FindVariable returns the variable with the given id, or nil if not found.
func (d *DeviceConfig) FindVariable(id string) *VariableConfig {
	for i := range d.Variables {
		if d.Variables[i].ID == id {
			return &d.Variables[i]
		}
	}
	return nil
}

// Validate checks that the device can be driven.
func (d *DeviceConfig) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("device: %w: name", ErrMissingField)
	}
	proto, err := d.GetProtocol()
	if err != nil {
		return fmt.Errorf("device %q: %w", d.Name, err)
	}
	if d.FilePath == "" {
		return fmt.Errorf("device %q: %w: file_path", d.Name, ErrMissingField)
	}
	if proto != ProtocolLocal && d.Host == "" {
		return fmt.Errorf("device %q: %w: host", d.Name, ErrMissingField)
	}
	if proto == ProtocolFTP {
		if d.LocalCopyPath == "" {
			return fmt.Errorf("device %q: %w: local_copy_path", d.Name, ErrMissingField)
		}
		if d.LocalCopyPath == d.FilePath {
			return fmt.Errorf("device %q: local_copy_path must differ from file_path", d.Name)
		}
	}

	seen := make(map[string]bool, len(d.Variables))
	for i := range d.Variables {
		v := &d.Variables[i]
		if v.ID == "" {
			return fmt.Errorf("device %q: variable %d: %w: id", d.Name, i, ErrMissingField)
		}
		if seen[v.ID] {
			return fmt.Errorf("device %q: variable %q: %w", d.Name, v.ID, ErrDuplicateName)
		}
		seen[v.ID] = true
		if p := v.GetProgram(); p != "awk" && p != "sed" {
			return fmt.Errorf("device %q: variable %q: %w: %q", d.Name, v.ID, ErrUnknownProgram, p)
		}
	}
	return nil
}

// GetProgram returns the configured program or awk.
func (v *VariableConfig) GetProgram() string {
	if v.Program == "" {
		return DefaultProgram
	}
	return strings.ToLower(v.Program)
}

// GetCommand returns the configured command or the first-line extraction.
func (v *VariableConfig) GetCommand() string {
	if v.Command == "" {
		return DefaultCommand
	}
	return v.Command
}
