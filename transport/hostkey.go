package transport

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"filedaq/logging"
)

// ErrHostKeyMismatch is returned when a host presents a key different from
// the one already known for it.
var ErrHostKeyMismatch = errors.New("host key mismatch")

// HostKeyPolicy checks SSH host keys against known_hosts when available and
// otherwise trusts a host's key on first use. Accepted keys are remembered
// for the life of the policy; a later different key is rejected.
type HostKeyPolicy struct {
	known ssh.HostKeyCallback // nil when no known_hosts file is available
	log   zerolog.Logger

	mu       sync.Mutex
	accepted map[string][]byte
}

// NewHostKeyPolicy loads knownHostsPath if it exists. An empty path means
// ~/.ssh/known_hosts.
func NewHostKeyPolicy(knownHostsPath string) (*HostKeyPolicy, error) {
	p := &HostKeyPolicy{
		log:      logging.For("ssh"),
		accepted: make(map[string][]byte),
	}

	if knownHostsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return p, nil
		}
		knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	if _, err := os.Stat(knownHostsPath); err != nil {
		return p, nil
	}

	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", knownHostsPath, err)
	}
	p.known = cb
	return p, nil
}

// Check is an ssh.HostKeyCallback.
func (p *HostKeyPolicy) Check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if p.known != nil {
		err := p.known(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("%w for %s: %v", ErrHostKeyMismatch, hostname, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.accepted[hostname]; ok {
		if bytes.Equal(prev, key.Marshal()) {
			return nil
		}
		return fmt.Errorf("%w for %s: got %s", ErrHostKeyMismatch, hostname, ssh.FingerprintSHA256(key))
	}

	p.accepted[hostname] = key.Marshal()
	p.log.Warn().
		Str("host", hostname).
		Str("key_type", key.Type()).
		Str("fingerprint", ssh.FingerprintSHA256(key)).
		Msg("accepting unknown host key")
	return nil
}
