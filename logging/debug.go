package logging

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DebugLogger writes protocol-level troubleshooting output (connection
// attempts, transfers, executed commands) to a dedicated file.
type DebugLogger struct {
	file    *os.File
	logger  zerolog.Logger
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // Protocol filters (empty = log all)
}

var (
	globalDebugLogger *DebugLogger
	globalDebugMu     sync.RWMutex
)

// Known protocol names for filtering.
var knownProtocols = []string{
	"local", "ssh", "ftp", "exec",
	"driver", "devman",
	"mqtt", "valkey", "kafka",
	"api",
	"debug",
}

// Filter groups: selecting the key also selects the listed protocols.
var relatedProtocols = map[string][]string{
	"driver": {"local", "ssh", "ftp", "exec"},
	"ssh":    {"exec"},
	"local":  {"exec"},
}

// NewDebugLogger creates a debug logger writing to path.
// The file is truncated for each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	out := zerolog.ConsoleWriter{Out: file, NoColor: true, TimeFormat: "2006-01-02 15:04:05.000"}
	l := &DebugLogger{
		file:    file,
		logger:  zerolog.New(out).With().Timestamp().Logger(),
		filters: make(map[string]bool),
	}

	l.Log("DEBUG", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	l.Log("DEBUG", "========================================")

	return l, nil
}

// SetFilter restricts logging to a comma-separated list of protocols,
// matched case-insensitively. An empty filter logs everything.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	if filter == "" {
		return
	}

	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		l.filters[p] = true
		for _, related := range relatedProtocols[p] {
			l.filters[related] = true
		}
	}

	if len(l.filters) > 0 {
		list := make([]string, 0, len(l.filters))
		for p := range l.filters {
			list = append(list, p)
		}
		sort.Strings(list)
		l.logger.Debug().Str("protocol", "DEBUG").Msgf("Filtering enabled for protocols: %s", strings.Join(list, ", "))
	}
}

// shouldLog must be called with l.mu held.
func (l *DebugLogger) shouldLog(protocol string) bool {
	if len(l.filters) == 0 {
		return true
	}
	p := strings.ToLower(protocol)
	return l.filters[p] || p == "debug"
}

// Log writes a formatted message tagged with the protocol.
func (l *DebugLogger) Log(protocol, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(protocol) {
		return
	}
	l.logger.Debug().Str("protocol", protocol).Msgf(format, args...)
}

// LogConnect logs a connection attempt.
func (l *DebugLogger) LogConnect(protocol, address string) {
	l.Log(protocol, "CONNECT attempt to %s", address)
}

// LogConnectSuccess logs a successful connection.
func (l *DebugLogger) LogConnectSuccess(protocol, address, details string) {
	l.Log(protocol, "CONNECT success to %s: %s", address, details)
}

// LogConnectError logs a connection failure.
func (l *DebugLogger) LogConnectError(protocol, address string, err error) {
	l.Log(protocol, "CONNECT FAILED to %s: %v", address, err)
}

// LogDisconnect logs a disconnection event.
func (l *DebugLogger) LogDisconnect(protocol, address, reason string) {
	l.Log(protocol, "DISCONNECT from %s: %s", address, reason)
}

// LogError logs an error with context.
func (l *DebugLogger) LogError(protocol, context string, err error) {
	l.Log(protocol, "ERROR in %s: %v", context, err)
}

// Close writes a footer and closes the debug log file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.Log("DEBUG", "========================================")
	l.Log("DEBUG", "Debug logging ended - %s", time.Now().Format(time.RFC3339))

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// KnownProtocols returns the protocol names accepted by SetFilter.
func KnownProtocols() []string {
	return append([]string(nil), knownProtocols...)
}

// SetGlobalDebugLogger sets the global debug logger instance.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the global debug logger instance.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// DebugLog logs a message if debug logging is enabled.
func DebugLog(protocol, format string, args ...interface{}) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.Log(protocol, format, args...)
	}
}

// DebugConnect logs a connection attempt if debug logging is enabled.
func DebugConnect(protocol, address string) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.LogConnect(protocol, address)
	}
}

// DebugConnectSuccess logs a successful connection if debug logging is enabled.
func DebugConnectSuccess(protocol, address, details string) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.LogConnectSuccess(protocol, address, details)
	}
}

// DebugConnectError logs a connection error if debug logging is enabled.
func DebugConnectError(protocol, address string, err error) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.LogConnectError(protocol, address, err)
	}
}

// DebugDisconnect logs a disconnection if debug logging is enabled.
func DebugDisconnect(protocol, address, reason string) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.LogDisconnect(protocol, address, reason)
	}
}

// DebugError logs an error if debug logging is enabled.
func DebugError(protocol, context string, err error) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.LogError(protocol, context, err)
	}
}
