package driver

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"filedaq/command"
	"filedaq/config"
	"filedaq/logging"
	"filedaq/transport"
)

// Device drives one configured device. It is not safe for concurrent
// cycles; the scheduler serializes ReadAll and Write per device.
type Device struct {
	name      string
	connector *transport.Connector
	strategy  strategy
	variables []*Variable
	byID      map[string]*Variable
	recorder  Recorder
	log       zerolog.Logger
	now       func() time.Time
}

var _ Driver = (*Device)(nil)

// Option customizes a Device.
type Option func(*options)

type options struct {
	recorder  Recorder
	runner    command.Runner
	transport transport.Transport
	now       func() time.Time
}

// WithRecorder replaces the default change recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithRunner replaces the local process runner.
func WithRunner(r command.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithTransport uses t instead of building a transport from the config.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithClock replaces time.Now for sample timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a Device for cfg. Configuration problems are returned here so
// the caller can skip the device; nothing is connected until the first
// cycle.
func New(cfg *config.DeviceConfig, opts ...Option) (*Device, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{runner: command.ExecRunner{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.recorder == nil {
		o.recorder = NewChangeRecorder()
	}

	t := o.transport
	if t == nil {
		var err error
		if t, err = transport.New(cfg); err != nil {
			return nil, fmt.Errorf("device %q: %w", cfg.Name, err)
		}
	}

	d := &Device{
		name:      cfg.Name,
		connector: transport.NewConnector(cfg.Name, t, cfg.GetTimeout()),
		byID:      make(map[string]*Variable, len(cfg.Variables)),
		recorder:  o.recorder,
		log:       logging.For("driver").With().Str("device", cfg.Name).Logger(),
		now:       o.now,
	}

	for _, vc := range cfg.Variables {
		v, err := NewVariable(vc)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", cfg.Name, err)
		}
		d.variables = append(d.variables, v)
		d.byID[v.ID] = v
	}

	switch tt := t.(type) {
	case transport.Executor:
		d.strategy = &remoteStrategy{exec: tt, timeout: cfg.GetTimeout(), log: d.log}
	case transport.LocalFile:
		_, staged := t.(transport.Stager)
		d.strategy = &localStrategy{
			conn:    d.connector,
			file:    tt,
			runner:  o.runner,
			timeout: cfg.GetTimeout(),
			staged:  staged,
			log:     d.log,
		}
	default:
		return nil, fmt.Errorf("device %q: transport %s has no command strategy", cfg.Name, t.Protocol())
	}
	return d, nil
}

func (d *Device) Name() string                    { return d.name }
func (d *Device) Protocol() config.Protocol       { return d.connector.Protocol() }
func (d *Device) Variables() []*Variable          { return d.variables }
func (d *Device) Connector() *transport.Connector { return d.connector }
func (d *Device) State() transport.AccessState    { return d.connector.State() }

// SetOnTransition forwards accessibility transitions to fn.
func (d *Device) SetOnTransition(fn func(prev, next transport.AccessState)) {
	d.connector.SetOnTransition(fn)
}

// Poll reads every read-capable variable of the device.
func (d *Device) Poll() []Sample {
	return d.ReadAll(d.variables)
}

// ReadAll connects, extracts each read-capable variable in order and
// disconnects. A failed connect (including FTP staging) aborts the whole
// batch. Only values the recorder accepts are returned.
func (d *Device) ReadAll(vars []*Variable) []Sample {
	res := d.connector.Connect()
	defer d.connector.Disconnect()
	if !res.OK {
		d.log.Debug().Str("reason", res.Reason).Msg("read cycle skipped")
		return nil
	}

	var samples []Sample
	for _, v := range vars {
		if v.Writable() {
			continue
		}
		value, ok := d.strategy.read(v)
		if !ok {
			continue
		}
		ts := d.now()
		if d.recorder.Update(v.ID, value, ts) {
			samples = append(samples, Sample{VariableID: v.ID, Value: value, Timestamp: ts})
		}
	}
	return samples
}

// Write substitutes value into the variable's command and applies the
// result to the value file. It returns the substituted text. origin
// identifies the requester in the log.
func (d *Device) Write(variableID string, value interface{}, origin string) (string, error) {
	log := d.log.With().Str("variable", variableID).Str("origin", origin).Logger()

	v, ok := d.byID[variableID]
	if !ok {
		log.Warn().Msg("write to unknown variable ignored")
		return "", fmt.Errorf("%w: %s", ErrUnknownVariable, variableID)
	}
	if !v.Writable() {
		log.Warn().Msg("write to read-only variable ignored")
		return "", fmt.Errorf("%w: %s", ErrNotWritable, variableID)
	}
	if value == nil {
		log.Warn().Msg("write without a value ignored")
		return "", fmt.Errorf("%w: %s", ErrNoValue, variableID)
	}

	res := d.connector.Connect()
	defer d.connector.Disconnect()
	if !res.OK {
		log.Warn().Str("reason", res.Reason).Msg("write skipped, device not accessible")
		return "", fmt.Errorf("%w: %s", ErrNotAccessible, res.Reason)
	}

	text := v.Dictionary.Resolve(value)
	if err := d.strategy.write(v, text); err != nil {
		return "", err
	}
	log.Info().Str("value", text).Msg("variable written")
	return text, nil
}
