package driver

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"filedaq/command"
	"filedaq/transport"
)

// strategy runs a variable's command where the value file lives.
// read returns ok=false for a null value; write returns the error that
// nulls the write. Both log their own failures.
type strategy interface {
	read(v *Variable) (string, bool)
	write(v *Variable, value string) error
}

// localStrategy runs commands on this host, against the value file itself
// (local transport) or the staging copy (FTP).
type localStrategy struct {
	conn    *transport.Connector
	file    transport.LocalFile
	runner  command.Runner
	timeout time.Duration
	staged  bool
	log     zerolog.Logger
}

func (s *localStrategy) read(v *Variable) (string, bool) {
	path := s.file.LocalPath()
	log := s.log.With().Str("variable", v.ID).Logger()

	f, err := os.Open(path)
	if err != nil {
		log.Warn().Err(err).Msg("value file not readable")
		return "", false
	}
	f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	res, err := s.runner.Run(ctx, v.Program, v.Template.String(), path)
	if err != nil {
		log.Warn().Err(err).Msg("read command failed")
		return "", false
	}
	if res.Stderr != "" {
		log.Warn().Str("stderr", res.Stderr).Msg("read command wrote to stderr")
	}
	if res.ExitCode != 0 {
		log.Warn().Int("exit_code", res.ExitCode).Msg("read command exited with error")
	}
	return res.Stdout, true
}

func (s *localStrategy) write(v *Variable, value string) error {
	path := s.file.LocalPath()
	log := s.log.With().Str("variable", v.ID).Logger()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	res, err := s.runner.Run(ctx, v.Program, v.Template.Render(value), path)
	if err != nil {
		log.Warn().Err(err).Msg("write command failed")
		return fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}
	if res.ExitCode != 0 {
		log.Warn().Int("exit_code", res.ExitCode).Str("stderr", res.Stderr).Msg("write command exited with error, file left unchanged")
		return fmt.Errorf("%w: exit status %d", ErrCommandFailed, res.ExitCode)
	}
	if res.Stderr != "" {
		log.Warn().Str("stderr", res.Stderr).Msg("write command wrote to stderr")
	}

	if err := overwrite(path, res.Stdout); err != nil {
		log.Warn().Err(err).Msg("cannot update value file")
		return fmt.Errorf("%w: %v", ErrWriteBack, err)
	}

	if s.staged && !s.conn.Upload() {
		log.Warn().Msg("staging copy updated but upload failed")
	}
	return nil
}

// overwrite replaces the contents of an existing file, keeping its mode.
func overwrite(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// remoteStrategy runs commands on the device over its SSH session.
type remoteStrategy struct {
	exec    transport.Executor
	timeout time.Duration
	log     zerolog.Logger
}

func (s *remoteStrategy) run(cmd string) (*command.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.exec.Exec(ctx, cmd)
}

func (s *remoteStrategy) read(v *Variable) (string, bool) {
	log := s.log.With().Str("variable", v.ID).Logger()

	res, err := s.run(command.Compose(v.Program, v.Template.String(), s.exec.RemotePath()))
	if err != nil {
		log.Warn().Err(err).Msg("remote read failed")
		return "", false
	}
	if res.Stderr != "" {
		log.Warn().Str("stderr", res.Stderr).Msg("remote read wrote to stderr, value discarded")
		return "", false
	}
	return res.Stdout, true
}

func (s *remoteStrategy) write(v *Variable, value string) error {
	log := s.log.With().Str("variable", v.ID).Logger()
	path := s.exec.RemotePath()

	res, err := s.run(command.Compose(v.Program, v.Template.Render(value), path))
	if err != nil {
		log.Warn().Err(err).Msg("remote write failed")
		return fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}
	if res.Stderr != "" {
		log.Warn().Str("stderr", res.Stderr).Msg("remote write wrote to stderr")
		return fmt.Errorf("%w: %s", ErrCommandFailed, res.Stderr)
	}

	wb, err := s.run(command.WriteBack(res.Stdout, path))
	if err != nil {
		log.Warn().Err(err).Msg("remote write-back failed")
		return fmt.Errorf("%w: %v", ErrWriteBack, err)
	}
	if wb.Stderr != "" || wb.ExitCode != 0 {
		log.Warn().Str("stderr", wb.Stderr).Int("exit_code", wb.ExitCode).Msg("remote write-back failed")
		return fmt.Errorf("%w: exit status %d", ErrWriteBack, wb.ExitCode)
	}
	return nil
}
