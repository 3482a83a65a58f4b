// Package transport reaches a device's value file on the local filesystem,
// over SSH or over FTP, and tracks whether the device is accessible.
package transport

import (
	"context"
	"errors"
	"fmt"

	"filedaq/command"
	"filedaq/config"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrNotAFile     = errors.New("not a regular file")
	ErrNotSupported = errors.New("operation not supported by transport")
)

// Transport is one way of reaching a device's value file.
// Open establishes the handle for one cycle; Close releases it and reports
// whether there was a handle to release.
type Transport interface {
	Protocol() config.Protocol
	Address() string
	Open(ctx context.Context) error
	Close() bool
}

// LocalFile is implemented by transports whose commands run against a file
// on this host.
type LocalFile interface {
	LocalPath() string
}

// Stager is implemented by transports that copy the remote file to a local
// staging path and back.
type Stager interface {
	Download(ctx context.Context) error
	Upload(ctx context.Context) error
}

// Executor is implemented by transports that run commands on the device.
type Executor interface {
	Exec(ctx context.Context, cmd string) (*command.Result, error)
	RemotePath() string
}

// New creates the Transport selected by cfg. The connection is not
// established until Open is called.
func New(cfg *config.DeviceConfig) (Transport, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	proto, err := cfg.GetProtocol()
	if err != nil {
		return nil, err
	}
	switch proto {
	case config.ProtocolLocal:
		return NewLocal(cfg.FilePath), nil
	case config.ProtocolSSH:
		return NewSSH(cfg)
	case config.ProtocolFTP:
		return NewFTP(cfg), nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrUnknownProtocol, cfg.Transport)
}
