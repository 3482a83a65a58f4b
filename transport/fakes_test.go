package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"golang.org/x/crypto/ssh"

	"filedaq/config"
)

// fakeTransport records calls and fails Open on demand.
type fakeTransport struct {
	openErr error
	opens   int
	open    bool
}

func (f *fakeTransport) Protocol() config.Protocol { return config.ProtocolLocal }
func (f *fakeTransport) Address() string           { return "fake" }

func (f *fakeTransport) Open(ctx context.Context) error {
	f.opens++
	if f.openErr != nil {
		return f.openErr
	}
	f.open = true
	return nil
}

func (f *fakeTransport) Close() bool {
	was := f.open
	f.open = false
	return was
}

// fakeFTPServer holds an in-memory remote filesystem.
type fakeFTPServer struct {
	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	noMLST   bool
	loginErr error
	storErr  error
	retrHang bool
	quits    int
}

func newFakeFTPServer() *fakeFTPServer {
	return &fakeFTPServer{files: make(map[string][]byte), dirs: make(map[string]bool)}
}

func (s *fakeFTPServer) dial(ctx context.Context, addr string, timeout time.Duration, passive bool) (ftpConn, error) {
	return &fakeFTPConn{server: s, closed: make(chan struct{})}, nil
}

func (s *fakeFTPServer) file(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[p]
	return b, ok
}

type fakeFTPConn struct {
	server    *fakeFTPServer
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *fakeFTPConn) Login(user, password string) error {
	return c.server.loginErr
}

func (c *fakeFTPConn) Retr(p string) (io.ReadCloser, error) {
	if c.server.retrHang {
		<-c.closed
		return nil, errors.New("use of closed network connection")
	}
	data, ok := c.server.file(p)
	if !ok {
		return nil, errors.New("550 file not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *fakeFTPConn) Stor(p string, r io.Reader) error {
	if c.server.storErr != nil {
		return c.server.storErr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.server.mu.Lock()
	c.server.files[p] = b
	c.server.mu.Unlock()
	return nil
}

func (c *fakeFTPConn) GetEntry(p string) (*ftp.Entry, error) {
	s := c.server
	if s.noMLST {
		return nil, errors.New("500 MLST not understood")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirs[p] {
		return &ftp.Entry{Name: path.Base(p), Type: ftp.EntryTypeFolder}, nil
	}
	if b, ok := s.files[p]; ok {
		return &ftp.Entry{Name: path.Base(p), Type: ftp.EntryTypeFile, Size: uint64(len(b))}, nil
	}
	return nil, errors.New("550 no such file")
}

func (c *fakeFTPConn) List(p string) ([]*ftp.Entry, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirs[p] {
		return []*ftp.Entry{{Name: "other.txt", Type: ftp.EntryTypeFile}}, nil
	}
	if _, ok := s.files[p]; ok {
		return []*ftp.Entry{{Name: path.Base(p), Type: ftp.EntryTypeFile}}, nil
	}
	return nil, errors.New("550 no such file")
}

func (c *fakeFTPConn) Quit() error {
	c.server.mu.Lock()
	c.server.quits++
	c.server.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// fakeSSH answers commands from a table.
type fakeSSH struct {
	mu       sync.Mutex
	dialErr  error
	replies  map[string]fakeReply
	commands []string
	signals  []ssh.Signal
	closes   int
}

type fakeReply struct {
	stdout string
	stderr string
	err    error
	hang   bool
}

func (f *fakeSSH) dial(ctx context.Context, addr string, cc *ssh.ClientConfig) (client, error) {
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return &fakeSSHClient{f}, nil
}

type fakeSSHClient struct{ f *fakeSSH }

func (c *fakeSSHClient) newSession() (session, error) {
	return &fakeSession{f: c.f, done: make(chan struct{})}, nil
}

func (c *fakeSSHClient) Close() error {
	c.f.mu.Lock()
	c.f.closes++
	c.f.mu.Unlock()
	return nil
}

type fakeSession struct {
	f              *fakeSSH
	stdout, stderr io.Writer
	reply          fakeReply
	once           sync.Once
	done           chan struct{}
}

func (s *fakeSession) SetOutput(stdout, stderr io.Writer) {
	s.stdout, s.stderr = stdout, stderr
}

func (s *fakeSession) Start(cmd string) error {
	s.f.mu.Lock()
	s.f.commands = append(s.f.commands, cmd)
	s.reply = s.f.replies[cmd]
	s.f.mu.Unlock()
	return nil
}

func (s *fakeSession) Wait() error {
	if s.reply.hang {
		<-s.done
		return errors.New("session closed")
	}
	io.WriteString(s.stdout, s.reply.stdout)
	io.WriteString(s.stderr, s.reply.stderr)
	return s.reply.err
}

func (s *fakeSession) Signal(sig ssh.Signal) error {
	s.f.mu.Lock()
	s.f.signals = append(s.f.signals, sig)
	s.f.mu.Unlock()
	return nil
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
