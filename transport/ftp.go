package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog"

	"filedaq/command"
	"filedaq/config"
	"filedaq/logging"
)

// ftpConn is the part of *ftp.ServerConn the transport uses.
type ftpConn interface {
	Login(user, password string) error
	Retr(path string) (io.ReadCloser, error)
	Stor(path string, r io.Reader) error
	GetEntry(path string) (*ftp.Entry, error)
	List(path string) ([]*ftp.Entry, error)
	Quit() error
}

type ftpDialFunc func(ctx context.Context, addr string, timeout time.Duration, passive bool) (ftpConn, error)

// FTP stages the remote value file into a local copy so commands run
// locally, and uploads the copy back after a write.
type FTP struct {
	addr       string
	user       string
	password   string
	remotePath string
	localPath  string
	timeout    time.Duration
	passive    bool
	dial       ftpDialFunc
	log        zerolog.Logger

	mu   sync.Mutex
	conn ftpConn
}

// NewFTP creates an FTP transport from cfg.
func NewFTP(cfg *config.DeviceConfig) *FTP {
	f := &FTP{
		addr:       cfg.Address(),
		user:       cfg.Username,
		password:   cfg.Password,
		remotePath: cfg.FilePath,
		localPath:  cfg.LocalCopyPath,
		timeout:    cfg.GetTimeout(),
		passive:    cfg.PassiveMode(),
		dial:       dialFTP,
		log:        logging.For("ftp").With().Str("device", cfg.Name).Logger(),
	}
	if !f.passive {
		f.log.Warn().Msg("active mode is not available, using PASV without EPSV")
	}
	return f
}

func (f *FTP) Protocol() config.Protocol { return config.ProtocolFTP }
func (f *FTP) Address() string           { return f.addr }
func (f *FTP) LocalPath() string         { return f.localPath }

// Open implements Transport.
func (f *FTP) Open(ctx context.Context) error {
	c, err := f.dial(ctx, f.addr, f.timeout, f.passive)
	if err != nil {
		return fmt.Errorf("ftp %s: %w", f.addr, err)
	}
	err = f.withDeadline(ctx, c, func() error {
		return c.Login(f.user, f.password)
	})
	if err != nil {
		c.Quit()
		return fmt.Errorf("ftp login %s: %w", f.addr, err)
	}

	f.mu.Lock()
	old := f.conn
	f.conn = c
	f.mu.Unlock()
	if old != nil {
		old.Quit()
	}
	return nil
}

// Close implements Transport.
func (f *FTP) Close() bool {
	f.mu.Lock()
	c := f.conn
	f.conn = nil
	f.mu.Unlock()

	if c == nil {
		return false
	}
	c.Quit()
	return true
}

// Download copies the remote file over the staging copy. The copy is
// written to a temporary file and renamed into place so it is always
// replaced whole.
func (f *FTP) Download(ctx context.Context) error {
	c := f.current()
	if c == nil {
		return ErrNotConnected
	}
	if err := f.withDeadline(ctx, c, func() error { return f.checkRemoteFile(c) }); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.localPath), ".filedaq-*")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	tmpName := tmp.Name()

	var n int64
	err = f.withDeadline(ctx, c, func() error {
		r, err := c.Retr(f.remotePath)
		if err != nil {
			return err
		}
		n, err = io.Copy(tmp, r)
		if cerr := r.Close(); err == nil {
			err = cerr
		}
		return err
	})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("retrieve %s: %w", f.remotePath, err)
	}

	if err := os.Rename(tmpName, f.localPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("stage %s: %w", f.localPath, err)
	}
	if _, err := os.Stat(f.localPath); err != nil {
		return fmt.Errorf("staged copy missing after download: %w", err)
	}
	logging.DebugLog("ftp", "RETR %s -> %s (%d bytes)", f.remotePath, f.localPath, n)
	return nil
}

// Upload stores the staging copy over the remote file.
func (f *FTP) Upload(ctx context.Context) error {
	c := f.current()
	if c == nil {
		return ErrNotConnected
	}
	info, err := os.Stat(f.localPath)
	if err != nil {
		return fmt.Errorf("staging copy: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("staging copy %s: %w", f.localPath, ErrNotAFile)
	}

	src, err := os.Open(f.localPath)
	if err != nil {
		return fmt.Errorf("open staging copy: %w", err)
	}
	defer src.Close()

	if err := f.withDeadline(ctx, c, func() error { return c.Stor(f.remotePath, src) }); err != nil {
		return fmt.Errorf("store %s: %w", f.remotePath, err)
	}
	logging.DebugLog("ftp", "STOR %s -> %s (%d bytes)", f.localPath, f.remotePath, info.Size())
	return nil
}

func (f *FTP) current() ftpConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

// checkRemoteFile confirms the remote path is a regular file, using MLST
// and falling back to LIST for servers without it.
func (f *FTP) checkRemoteFile(c ftpConn) error {
	entry, err := c.GetEntry(f.remotePath)
	if err == nil {
		if entry.Type != ftp.EntryTypeFile {
			return fmt.Errorf("%s: %w", f.remotePath, ErrNotAFile)
		}
		return nil
	}

	entries, lerr := c.List(f.remotePath)
	if lerr != nil {
		return fmt.Errorf("stat %s: %w", f.remotePath, lerr)
	}
	base := path.Base(f.remotePath)
	for _, e := range entries {
		if e.Type == ftp.EntryTypeFile && (e.Name == base || e.Name == f.remotePath) {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", f.remotePath, ErrNotAFile)
}

// withDeadline runs fn and gives up when ctx expires. The library has no
// per-transfer deadline, so an expired operation quits the session, which
// unblocks fn.
func (f *FTP) withDeadline(ctx context.Context, c ftpConn, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.Quit()
		<-done
		return fmt.Errorf("ftp %s: %w", f.addr, command.ErrTimeout)
	}
}

func dialFTP(ctx context.Context, addr string, timeout time.Duration, passive bool) (ftpConn, error) {
	c, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(timeout),
		ftp.DialWithDisabledEPSV(!passive),
	)
	if err != nil {
		return nil, err
	}
	return serverConn{c}, nil
}

type serverConn struct {
	*ftp.ServerConn
}

func (c serverConn) Retr(path string) (io.ReadCloser, error) {
	r, err := c.ServerConn.Retr(path)
	if err != nil {
		return nil, err
	}
	return r, nil
}
