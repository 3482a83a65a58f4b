package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"filedaq/command"
	"filedaq/config"
	"filedaq/logging"
)

// session is the part of *ssh.Session used to run one command.
type session interface {
	SetOutput(stdout, stderr io.Writer)
	Start(cmd string) error
	Wait() error
	Signal(sig ssh.Signal) error
	Close() error
}

type client interface {
	newSession() (session, error)
	Close() error
}

type dialFunc func(ctx context.Context, addr string, cc *ssh.ClientConfig) (client, error)

// SSH runs commands against the value file on the device over an SSH
// session authenticated with a password.
type SSH struct {
	addr     string
	path     string
	user     string
	password string
	timeout  time.Duration
	hostKeys *HostKeyPolicy
	dial     dialFunc

	mu     sync.Mutex
	client client
}

// NewSSH creates an SSH transport from cfg.
func NewSSH(cfg *config.DeviceConfig) (*SSH, error) {
	policy, err := NewHostKeyPolicy(cfg.KnownHosts)
	if err != nil {
		return nil, err
	}
	return &SSH{
		addr:     cfg.Address(),
		path:     cfg.FilePath,
		user:     cfg.Username,
		password: cfg.Password,
		timeout:  cfg.GetTimeout(),
		hostKeys: policy,
		dial:     dialSSH,
	}, nil
}

func (s *SSH) Protocol() config.Protocol { return config.ProtocolSSH }
func (s *SSH) Address() string           { return s.addr }
func (s *SSH) RemotePath() string        { return s.path }

// Open implements Transport.
func (s *SSH) Open(ctx context.Context) error {
	cc := &ssh.ClientConfig{
		User: s.user,
		Auth: []ssh.AuthMethod{
			ssh.Password(s.password),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = s.password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: s.hostKeys.Check,
		Timeout:         s.timeout,
	}

	c, err := s.dial(ctx, s.addr, cc)
	if err != nil {
		return fmt.Errorf("ssh %s: %w", s.addr, err)
	}

	s.mu.Lock()
	old := s.client
	s.client = c
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Close implements Transport.
func (s *SSH) Close() bool {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()

	if c == nil {
		return false
	}
	c.Close()
	return true
}

// Exec runs cmd in a new session. A non-zero exit status is reported in the
// result; an error means the command could not be run or timed out, in
// which case the remote process is killed.
func (s *SSH) Exec(ctx context.Context, cmd string) (*command.Result, error) {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return nil, ErrNotConnected
	}

	sess, err := c.newSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.SetOutput(&stdout, &stderr)

	logging.DebugLog("ssh", "exec %s", cmd)
	if err := sess.Start(cmd); err != nil {
		return nil, fmt.Errorf("ssh start: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err := <-done:
		res := &command.Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		var missingErr *ssh.ExitMissingError
		if errors.As(err, &missingErr) {
			res.ExitCode = -1
			return res, nil
		}
		return nil, fmt.Errorf("ssh exec: %w", err)
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		sess.Close()
		return nil, fmt.Errorf("ssh exec: %w", command.ErrTimeout)
	}
}

// dialSSH connects and completes the handshake within the client timeout.
func dialSSH(ctx context.Context, addr string, cc *ssh.ClientConfig) (client, error) {
	d := net.Dialer{Timeout: cc.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if cc.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(cc.Timeout))
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cc)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return sshClient{ssh.NewClient(sc, chans, reqs)}, nil
}

type sshClient struct {
	*ssh.Client
}

func (c sshClient) newSession() (session, error) {
	s, err := c.Client.NewSession()
	if err != nil {
		return nil, err
	}
	return sshSession{s}, nil
}

type sshSession struct {
	*ssh.Session
}

func (s sshSession) SetOutput(stdout, stderr io.Writer) {
	s.Stdout = stdout
	s.Stderr = stderr
}
