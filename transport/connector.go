package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"filedaq/config"
	"filedaq/logging"
)

// Status is the accessibility of a device as seen by the last connect.
type Status int

const (
	StatusUnknown Status = iota
	StatusReachable
	StatusUnreachable
)

func (s Status) String() string {
	switch s {
	case StatusReachable:
		return "Reachable"
	case StatusUnreachable:
		return "Unreachable"
	default:
		return "Unknown"
	}
}

// AccessState is the accessibility status with the reason for the last
// failure and the time the status last changed.
type AccessState struct {
	Status Status
	Reason string
	Since  time.Time
}

// ConnectResult describes the outcome of one Connect call.
type ConnectResult struct {
	OK       bool
	Protocol config.Protocol
	Staged   bool // FTP only: the staging copy was refreshed
	Reason   string
}

// Connector owns one device's transport for the life of the device and
// tracks its accessibility. Connect and Disconnect bracket each cycle; the
// caller must not run two cycles of the same Connector at once.
type Connector struct {
	name      string
	transport Transport
	timeout   time.Duration
	log       zerolog.Logger
	now       func() time.Time

	mu           sync.RWMutex
	state        AccessState
	onTransition func(prev, next AccessState)
}

// NewConnector wraps t for the named device.
func NewConnector(name string, t Transport, timeout time.Duration) *Connector {
	if timeout <= 0 {
		timeout = config.DefaultTimeout
	}
	return &Connector{
		name:      name,
		transport: t,
		timeout:   timeout,
		log:       logging.For("transport").With().Str("device", name).Str("protocol", t.Protocol().String()).Logger(),
		now:       time.Now,
	}
}

// Transport returns the underlying transport.
func (c *Connector) Transport() Transport {
	return c.transport
}

// Protocol returns the transport protocol.
func (c *Connector) Protocol() config.Protocol {
	return c.transport.Protocol()
}

// SetOnTransition registers a callback fired when the accessibility status
// changes. It runs on the goroutine that called Connect.
func (c *Connector) SetOnTransition(fn func(prev, next AccessState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransition = fn
}

// State returns the current accessibility state.
func (c *Connector) State() AccessState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect opens the transport for one cycle and, for FTP, stages the remote
// file. Every call recomputes the accessibility state.
func (c *Connector) Connect() ConnectResult {
	proto := c.transport.Protocol()
	addr := c.transport.Address()
	res := ConnectResult{Protocol: proto}

	logging.DebugConnect(proto.String(), addr)
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	err := c.transport.Open(ctx)
	cancel()
	if err != nil {
		c.transport.Close()
		logging.DebugConnectError(proto.String(), addr, err)
		c.log.Debug().Err(err).Bool("network", IsLikelyConnectionError(err)).Msg("connect failed")
		res.Reason = err.Error()
		c.setState(StatusUnreachable, res.Reason)
		return res
	}

	if _, ok := c.transport.(Stager); ok {
		if err := c.download(); err != nil {
			res.Reason = fmt.Sprintf("staging failed: %v", err)
			c.setState(StatusUnreachable, res.Reason)
			return res
		}
		res.Staged = true
	}

	logging.DebugConnectSuccess(proto.String(), addr, fmt.Sprintf("staged=%v", res.Staged))
	res.OK = true
	c.setState(StatusReachable, "")
	return res
}

// Disconnect closes the handle if one is open. It reports whether a handle
// was closed and is safe to call any number of times.
func (c *Connector) Disconnect() bool {
	closed := c.transport.Close()
	if closed {
		logging.DebugDisconnect(c.transport.Protocol().String(), c.transport.Address(), "cycle complete")
	}
	return closed
}

// Download refreshes the staging copy from the remote file. Only FTP
// transports support it.
func (c *Connector) Download() bool {
	if err := c.download(); err != nil {
		c.log.Warn().Err(err).Msg("download failed")
		return false
	}
	return true
}

// Upload stores the staging copy over the remote file. Only FTP transports
// support it.
func (c *Connector) Upload() bool {
	st, ok := c.transport.(Stager)
	if !ok {
		c.log.Warn().Err(ErrNotSupported).Msg("upload requested")
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := st.Upload(ctx); err != nil {
		logging.DebugError(c.transport.Protocol().String(), "upload", err)
		c.log.Warn().Err(err).Msg("upload failed")
		return false
	}
	return true
}

func (c *Connector) download() error {
	st, ok := c.transport.(Stager)
	if !ok {
		return ErrNotSupported
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := st.Download(ctx); err != nil {
		logging.DebugError(c.transport.Protocol().String(), "download", err)
		return err
	}
	return nil
}

// setState records the outcome of a connect attempt. The log line and the
// callback fire only when the status changes.
func (c *Connector) setState(status Status, reason string) {
	c.mu.Lock()
	prev := c.state
	next := AccessState{Status: status, Reason: reason, Since: prev.Since}
	changed := prev.Status != status
	if changed {
		next.Since = c.now()
	}
	c.state = next
	fn := c.onTransition
	c.mu.Unlock()

	if !changed {
		return
	}
	if status == StatusReachable {
		c.log.Info().Msg("device accessible")
	} else {
		c.log.Info().Str("reason", reason).Msg("device not accessible")
	}
	if fn != nil {
		fn(prev, next)
	}
}
