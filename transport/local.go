package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"filedaq/config"
	"filedaq/logging"
)

// Local reaches a value file on this host. Opening it creates the file
// empty when it does not exist yet.
type Local struct {
	path string

	mu   sync.Mutex
	open bool
}

// NewLocal creates a Local transport for path.
func NewLocal(path string) *Local {
	return &Local{path: path}
}

func (l *Local) Protocol() config.Protocol { return config.ProtocolLocal }
func (l *Local) Address() string           { return l.path }
func (l *Local) LocalPath() string         { return l.path }

// Open implements Transport.
func (l *Local) Open(ctx context.Context) error {
	if _, err := os.Stat(l.path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", l.path, err)
		}
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("create %s: %w", l.path, err)
		}
		f.Close()
		logging.DebugLog("local", "created empty value file %s", l.path)
	}

	l.mu.Lock()
	l.open = true
	l.mu.Unlock()
	return nil
}

// Close implements Transport.
func (l *Local) Close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	was := l.open
	l.open = false
	return was
}
