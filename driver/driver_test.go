package driver

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"filedaq/command"
	"filedaq/config"
	"filedaq/transport"
)

const sampleFile = "21.5\nvalve=0\nmode=auto\n"

func deviceConfig(proto config.Protocol, path string) *config.DeviceConfig {
	cfg := &config.DeviceConfig{
		Name:      "boiler",
		Enabled:   true,
		Transport: proto,
		FilePath:  path,
		Timeout:   2,
		Variables: []config.VariableConfig{
			{ID: "temperature"},
			{ID: "mode", Command: `/^mode=/{ sub(/^mode=/, ""); print; exit }`},
			{
				ID:      "valve",
				Program: "sed",
				Command: "s/^valve=.*/valve=$value$/",
				Dictionary: []config.DictionaryItem{
					{Value: 0, Label: "closed"},
					{Value: 2, Label: "open"},
				},
			},
		},
	}
	if proto != config.ProtocolLocal {
		cfg.Host = "10.0.0.5"
	}
	return cfg
}

func newLocalDevice(t *testing.T, content string, opts ...Option) (*Device, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "values.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	dev, err := New(deviceConfig(config.ProtocolLocal, path), opts...)
	require.NoError(t, err)
	return dev, path
}

func newStagedDevice(t *testing.T, remote string) (*Device, *stagedTransport) {
	t.Helper()
	dir := t.TempDir()
	ft := &stagedTransport{remote: []byte(remote), local: filepath.Join(dir, "staging.txt")}
	cfg := deviceConfig(config.ProtocolFTP, "/data/values.txt")
	cfg.LocalCopyPath = ft.local
	dev, err := New(cfg, WithTransport(ft))
	require.NoError(t, err)
	return dev, ft
}

func newShellDevice(t *testing.T, content string) (*Device, *shellTransport) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "values.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	st := &shellTransport{path: path}
	dev, err := New(deviceConfig(config.ProtocolSSH, path), WithTransport(st))
	require.NoError(t, err)
	return dev, st
}

func byID(samples []Sample) map[string]Sample {
	m := make(map[string]Sample, len(samples))
	for _, s := range samples {
		m[s.VariableID] = s
	}
	return m
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := deviceConfig(config.ProtocolFTP, "/data/values.txt")
	_, err := New(cfg)
	require.ErrorIs(t, err, config.ErrMissingField)

	cfg = deviceConfig(config.ProtocolLocal, "/tmp/x")
	cfg.Transport = "smb"
	_, err = New(cfg)
	require.ErrorIs(t, err, config.ErrUnknownProtocol)

	_, err = New(nil)
	require.Error(t, err)
}

func TestReadAll_Local(t *testing.T) {
	requireTools(t, "awk", "sed")
	dev, path := newLocalDevice(t, sampleFile)

	start := time.Now()
	samples := dev.Poll()
	require.Len(t, samples, 2, "write-capable variables are never read")

	got := byID(samples)
	require.Equal(t, "21.5\n", got["temperature"].Value)
	require.Equal(t, "auto\n", got["mode"].Value)
	require.NotContains(t, got, "valve")
	require.Equal(t, "temperature", samples[0].VariableID, "variables are read in configured order")
	for _, s := range samples {
		require.True(t, s.Timestamp.After(start), "timestamp %v should be after cycle start %v", s.Timestamp, start)
	}

	require.Empty(t, dev.Poll(), "unchanged values are filtered by the recorder")

	require.NoError(t, os.WriteFile(path, []byte("22.0\nvalve=0\nmode=auto\n"), 0644))
	samples = dev.Poll()
	require.Len(t, samples, 1)
	require.Equal(t, "temperature", samples[0].VariableID)
	require.Equal(t, "22.0\n", samples[0].Value)
	require.Equal(t, transport.StatusReachable, dev.State().Status)
}

func TestReadAll_LocalStderrKeepsStdout(t *testing.T) {
	requireTools(t, "awk")
	path := filepath.Join(t.TempDir(), "values.txt")
	require.NoError(t, os.WriteFile(path, []byte(sampleFile), 0644))
	cfg := deviceConfig(config.ProtocolLocal, path)
	cfg.Variables = []config.VariableConfig{
		{ID: "noisy", Command: `NR==1{ print "warning: sensor drift" > "/dev/stderr"; print; exit }`},
		{ID: "failing", Command: `NR==1{ print; exit 2 }`},
	}
	dev, err := New(cfg)
	require.NoError(t, err)

	got := byID(dev.Poll())
	require.Equal(t, "21.5\n", got["noisy"].Value)
	require.Equal(t, "21.5\n", got["failing"].Value, "a non-zero exit only warns on local reads")
}

func TestReadAll_LocalInvocationErrorNullsValue(t *testing.T) {
	runner := &scriptedRunner{err: command.ErrTimeout}
	dev, _ := newLocalDevice(t, sampleFile, WithRunner(runner))
	require.Empty(t, dev.Poll())
	require.Len(t, runner.calls, 2)
}

func TestReadAll_LocalCreatesMissingFile(t *testing.T) {
	requireTools(t, "awk")
	path := filepath.Join(t.TempDir(), "later.txt")
	dev, err := New(deviceConfig(config.ProtocolLocal, path))
	require.NoError(t, err)

	samples := dev.Poll()
	_, statErr := os.Stat(path)
	require.NoError(t, statErr, "connect creates the value file")
	got := byID(samples)
	require.Equal(t, "", got["temperature"].Value)
}

func TestReadAll_SSH(t *testing.T) {
	requireTools(t, "sh", "awk", "sed")
	dev, st := newShellDevice(t, sampleFile)

	got := byID(dev.Poll())
	require.Equal(t, "21.5\n", got["temperature"].Value)
	require.Equal(t, "auto\n", got["mode"].Value)
	require.True(t, strings.HasPrefix(st.commands[0], "awk 'NR==1{ print; exit }' "))
	require.False(t, st.open, "session closed after the cycle")
}

func TestReadAll_SSHStderrNullsValue(t *testing.T) {
	requireTools(t, "sh", "awk")
	path := filepath.Join(t.TempDir(), "values.txt")
	require.NoError(t, os.WriteFile(path, []byte(sampleFile), 0644))
	cfg := deviceConfig(config.ProtocolSSH, path)
	cfg.Variables = []config.VariableConfig{
		{ID: "noisy", Command: `NR==1{ print "warning" > "/dev/stderr"; print; exit }`},
		{ID: "clean"},
	}
	dev, err := New(cfg, WithTransport(&shellTransport{path: path}))
	require.NoError(t, err)

	got := byID(dev.Poll())
	require.NotContains(t, got, "noisy")
	require.Equal(t, "21.5\n", got["clean"].Value)
}

func TestReadAll_FTPStagesBeforeReading(t *testing.T) {
	requireTools(t, "awk", "sed")
	dev, ft := newStagedDevice(t, sampleFile)

	got := byID(dev.Poll())
	require.Equal(t, "21.5\n", got["temperature"].Value)

	ft.remote = []byte("30.1\nvalve=0\nmode=auto\n")
	got = byID(dev.Poll())
	require.Equal(t, "30.1\n", got["temperature"].Value)
}

func TestReadAll_ConnectFailureAbortsBatch(t *testing.T) {
	runner := &scriptedRunner{result: &command.Result{Stdout: "1"}}
	dir := t.TempDir()
	ft := &stagedTransport{local: filepath.Join(dir, "staging.txt")}
	cfg := deviceConfig(config.ProtocolFTP, "/data/values.txt")
	cfg.LocalCopyPath = ft.local
	dev, err := New(cfg, WithTransport(ft), WithRunner(runner))
	require.NoError(t, err)

	require.Nil(t, dev.Poll(), "staging failure aborts the batch")
	require.Empty(t, runner.calls)
	require.Equal(t, transport.StatusUnreachable, dev.State().Status)
	require.False(t, ft.open, "disconnect still runs")

	ft.openErr = errors.New("connection refused")
	require.Nil(t, dev.Poll())
	require.Contains(t, dev.State().Reason, "connection refused")
}

func TestWrite_SubstitutesValueOnEveryTransport(t *testing.T) {
	requireTools(t, "sh", "awk", "sed")

	t.Run("local", func(t *testing.T) {
		dev, path := newLocalDevice(t, sampleFile)
		got, err := dev.Write("valve", 7, "test")
		require.NoError(t, err)
		require.Equal(t, "7", got)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, "21.5\nvalve=7\nmode=auto\n", string(data))
		require.NotContains(t, string(data), "None")
	})

	t.Run("ftp", func(t *testing.T) {
		dev, ft := newStagedDevice(t, sampleFile)
		got, err := dev.Write("valve", "7", "test")
		require.NoError(t, err)
		require.Equal(t, "7", got)
		require.Equal(t, "21.5\nvalve=7\nmode=auto\n", ft.remoteContent())
		require.Equal(t, 1, ft.uploads)
	})

	t.Run("ssh", func(t *testing.T) {
		dev, st := newShellDevice(t, sampleFile)
		got, err := dev.Write("valve", 7.0, "test")
		require.NoError(t, err)
		require.Equal(t, "7", got)

		data, err := os.ReadFile(st.path)
		require.NoError(t, err)
		require.Equal(t, "21.5\nvalve=7\nmode=auto\n", string(data))
		require.Len(t, st.commands, 2, "edit command then write-back")
		require.True(t, strings.HasPrefix(st.commands[1], "printf '%s' "))
	})
}

func TestWrite_DictionaryLabel(t *testing.T) {
	requireTools(t, "sed")
	dev, path := newLocalDevice(t, sampleFile)

	tests := []struct {
		value    interface{}
		expected string
	}{
		{2, "open"},
		{2.0, "open"},
		{"2", "open"},
		{0, "closed"},
		{5, "5"},
		{"half", "half"},
		{"2.9", "2.9"},
	}
	for _, tc := range tests {
		got, err := dev.Write("valve", tc.value, "test")
		require.NoError(t, err)
		require.Equal(t, tc.expected, got)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Contains(t, string(data), "valve="+tc.expected+"\n")
	}
}

func TestWrite_FTPUploadFailureKeepsLocalValue(t *testing.T) {
	requireTools(t, "sed")
	dev, ft := newStagedDevice(t, sampleFile)
	ft.uploadErr = errors.New("553 permission denied")

	got, err := dev.Write("valve", 2, "test")
	require.NoError(t, err)
	require.Equal(t, "open", got)

	staged, err := os.ReadFile(ft.local)
	require.NoError(t, err)
	require.Equal(t, "21.5\nvalve=open\nmode=auto\n", string(staged))
	require.Equal(t, sampleFile, ft.remoteContent(), "remote unchanged after failed upload")
}

func TestWrite_LocalNonZeroExitLeavesFile(t *testing.T) {
	runner := &scriptedRunner{result: &command.Result{Stdout: "garbage", ExitCode: 1}}
	dev, path := newLocalDevice(t, sampleFile, WithRunner(runner))

	_, err := dev.Write("valve", 2, "test")
	require.ErrorIs(t, err, ErrCommandFailed)
	data, _ := os.ReadFile(path)
	require.Equal(t, sampleFile, string(data))
	require.Equal(t, []string{"s/^valve=.*/valve=open/"}, runner.calls)
}

func TestWrite_SSHStderrFails(t *testing.T) {
	requireTools(t, "sh", "sed")
	path := filepath.Join(t.TempDir(), "values.txt")
	require.NoError(t, os.WriteFile(path, []byte(sampleFile), 0644))
	cfg := deviceConfig(config.ProtocolSSH, path)
	cfg.Variables = []config.VariableConfig{
		{ID: "broken", Program: "sed", Command: "s/^valve=.*/valve=$value$/;bnowhere"},
	}
	st := &shellTransport{path: path}
	dev, err := New(cfg, WithTransport(st))
	require.NoError(t, err)

	_, err = dev.Write("broken", 1, "test")
	require.ErrorIs(t, err, ErrCommandFailed)
	require.Len(t, st.commands, 1, "no write-back after stderr")
	data, _ := os.ReadFile(path)
	require.Equal(t, sampleFile, string(data))
}

func TestWrite_MissingValueLeavesFile(t *testing.T) {
	runner := &scriptedRunner{result: &command.Result{Stdout: "21.5\nvalve=\nmode=auto\n"}}
	dev, path := newLocalDevice(t, sampleFile, WithRunner(runner))

	got, err := dev.Write("valve", nil, "test")
	require.ErrorIs(t, err, ErrNoValue)
	require.Empty(t, got)
	require.Empty(t, runner.calls, "no command runs without a value")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, sampleFile, string(data))
	require.Equal(t, transport.StatusUnknown, dev.State().Status, "device is not contacted")
}

func TestWrite_Rejections(t *testing.T) {
	runner := &scriptedRunner{result: &command.Result{}}
	dev, _ := newLocalDevice(t, sampleFile, WithRunner(runner))

	_, err := dev.Write("pressure", 1, "test")
	require.ErrorIs(t, err, ErrUnknownVariable)

	_, err = dev.Write("temperature", 1, "test")
	require.ErrorIs(t, err, ErrNotWritable)
	require.Empty(t, runner.calls)

	dir := t.TempDir()
	ft := &stagedTransport{local: filepath.Join(dir, "staging.txt"), openErr: errors.New("refused")}
	cfg := deviceConfig(config.ProtocolFTP, "/data/values.txt")
	cfg.LocalCopyPath = ft.local
	offline, err := New(cfg, WithTransport(ft))
	require.NoError(t, err)
	_, err = offline.Write("valve", 1, "test")
	require.ErrorIs(t, err, ErrNotAccessible)
}
