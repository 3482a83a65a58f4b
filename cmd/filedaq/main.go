// Command filedaq polls values out of files on local, SSH and FTP hosts and
// republishes them to MQTT, Valkey, Kafka and a REST API.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"filedaq/api"
	"filedaq/config"
	"filedaq/devman"
	"filedaq/kafka"
	"filedaq/logging"
	"filedaq/mqtt"
	"filedaq/telemetry"
	"filedaq/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

type envFiles []string

func (e *envFiles) String() string     { return strings.Join(*e, ",") }
func (e *envFiles) Set(v string) error { *e = append(*e, v); return nil }

var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	once        = flag.Bool("once", false, "Read every enabled device once, print the values as JSON and exit")
	envPaths    envFiles
)

func main() {
	flag.Var(&envPaths, "env", "Path to a .env file (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("filedaq %s\n", Version)
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "filedaq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envLoaded, err := config.LoadEnv(*configPath, envPaths...)
	if err != nil {
		return fmt.Errorf("load env: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, closeLogs, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLogs()

	log.Info().Str("version", Version).Str("config", *configPath).Strs("env", envLoaded).Msg("starting")

	for i := range cfg.Devices {
		if err := cfg.Devices[i].Validate(); err != nil {
			log.Warn().Err(err).Msg("device configuration invalid")
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewPrometheusCollector(registry)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	manager := devman.NewManager(cfg.PollRate, devman.WithCollector(metrics))
	manager.LoadFromConfig(cfg)

	if *once {
		return readOnce(manager)
	}

	var names []string
	for _, dev := range manager.ListDevices() {
		names = append(names, dev.Name())
	}

	write := func(origin string) func(device, variable string, value interface{}) (string, error) {
		return func(device, variable string, value interface{}) (string, error) {
			return manager.WriteVariable(device, variable, value, origin)
		}
	}

	mqttMgr := mqtt.NewManager()
	mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)
	mqttMgr.SetDeviceNames(names)
	mqttMgr.SetWriteHandler(write("mqtt"))

	valkeyMgr := valkey.NewManager()
	valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace)
	valkeyMgr.SetWriteHandler(write("valkey"))
	valkeyMgr.SetOnConnectCallback(func() {
		valkeyMgr.Publish(manager.GetAllCurrentValues())
		for _, h := range manager.GetAllHealth() {
			valkeyMgr.PublishHealth(h)
		}
	})

	kafkaMgr := kafka.NewManager()
	kafkaMgr.LoadFromConfig(cfg.Kafka, cfg.Namespace)
	kafkaMgr.SetWriteHandler(write("kafka"))

	var server *api.Server
	if cfg.Web.Enabled {
		server = api.NewServer(manager, &cfg.Web, registry)
	}

	manager.SetOnValueChange(func(changes []devman.ValueChange) {
		mqttMgr.Publish(changes, false)
		valkeyMgr.Publish(changes)
		kafkaMgr.Publish(changes, false)
		if server != nil {
			server.BroadcastChanges(changes)
		}
	})
	manager.SetOnHealthChange(func(h devman.Health) {
		logHealth(log, h)
		mqttMgr.PublishHealth(h)
		valkeyMgr.PublishHealth(h)
		kafkaMgr.PublishHealth(h)
		if server != nil {
			server.BroadcastHealth(h)
		}
	})

	started := mqttMgr.StartAll()
	started += valkeyMgr.StartAll()
	started += kafkaMgr.ConnectEnabled()
	log.Info().Int("publishers", started).Int("devices", len(names)).Msg("publishers started")

	if server != nil {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("api server not started")
			server = nil
		}
	}

	manager.Start()

	for _, h := range manager.GetAllHealth() {
		mqttMgr.PublishHealth(h)
		valkeyMgr.PublishHealth(h)
		kafkaMgr.PublishHealth(h)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownDone := make(chan struct{})
	go func() {
		if server != nil {
			server.Stop()
		}
		manager.Stop()
		kafkaMgr.StopAll()
		valkeyMgr.StopAll()
		mqttMgr.StopAll()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timed out")
	}
	log.Info().Msg("stopped")
	return nil
}

func logHealth(log zerolog.Logger, h devman.Health) {
	if h.Online {
		log.Info().Str("device", h.Device).Msg("device accessible")
		return
	}
	log.Warn().Str("device", h.Device).Str("status", h.Status).Str("reason", h.Error).Msg("device not accessible")
}

type onceResult struct {
	Health devman.Health     `json:"health"`
	Values map[string]string `json:"values"`
	Error  string            `json:"error,omitempty"`
}

// readOnce runs a single cycle on every enabled device and prints the
// resulting values keyed by device name.
func readOnce(manager *devman.Manager) error {
	results := make(map[string]onceResult)
	for _, dev := range manager.ListDevices() {
		if !dev.Config.Enabled {
			continue
		}
		res := onceResult{Values: make(map[string]string)}
		if _, err := manager.ReadNow(dev.Name()); err != nil {
			res.Error = err.Error()
		}
		for id, s := range dev.GetValues() {
			res.Values[id] = s.Value
		}
		res.Health = dev.GetHealth()
		results[dev.Name()] = res
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
