package driver

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"testing"

	"filedaq/command"
	"filedaq/config"
)

func requireTools(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("%s not available: %v", name, err)
		}
	}
}

// stagedTransport mimics FTP: the remote file lives in memory and is copied
// to a local staging path on Download.
type stagedTransport struct {
	mu        sync.Mutex
	remote    []byte
	local     string
	openErr   error
	uploadErr error
	uploads   int
	open      bool
}

func (f *stagedTransport) Protocol() config.Protocol { return config.ProtocolFTP }
func (f *stagedTransport) Address() string           { return "fake-ftp:21" }
func (f *stagedTransport) LocalPath() string         { return f.local }

func (f *stagedTransport) Open(ctx context.Context) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.open = true
	return nil
}

func (f *stagedTransport) Close() bool {
	was := f.open
	f.open = false
	return was
}

func (f *stagedTransport) Download(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("550 no such file")
	}
	return os.WriteFile(f.local, f.remote, 0644)
}

func (f *stagedTransport) Upload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := os.ReadFile(f.local)
	if err != nil {
		return err
	}
	f.remote = data
	return nil
}

func (f *stagedTransport) remoteContent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.remote)
}

// shellTransport mimics SSH by running each command line through sh on
// this host, against a file in a temp directory.
type shellTransport struct {
	path     string
	commands []string
	open     bool
}

func (s *shellTransport) Protocol() config.Protocol { return config.ProtocolSSH }
func (s *shellTransport) Address() string           { return "fake-ssh:22" }
func (s *shellTransport) RemotePath() string        { return s.path }

func (s *shellTransport) Open(ctx context.Context) error {
	s.open = true
	return nil
}

func (s *shellTransport) Close() bool {
	was := s.open
	s.open = false
	return was
}

func (s *shellTransport) Exec(ctx context.Context, cmd string) (*command.Result, error) {
	s.commands = append(s.commands, cmd)
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	res := &command.Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

// scriptedRunner returns canned results and records invocations.
type scriptedRunner struct {
	result *command.Result
	err    error
	calls  []string
}

func (r *scriptedRunner) Run(ctx context.Context, program command.Program, script, path string) (*command.Result, error) {
	r.calls = append(r.calls, script)
	return r.result, r.err
}
