package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	sockDir, err := os.MkdirTemp("", "pcipc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(sockDir) })
	t.Setenv("PCIPC_SHM_DIR", dir)
	t.Setenv("PCIPC_SHM_POLL_INTERVAL", "1ms")
	t.Setenv("PCIPC_SOCKET_PATH", filepath.Join(sockDir, "pc.sock"))
	t.Setenv("PCIPC_SOCKET_RETRY_INTERVAL", "10ms")
	t.Setenv("PCIPC_SOCKET_IDLE_TIMEOUT", "50ms")
	t.Setenv("PCIPC_LOG_LEVEL", "error")
	return dir
}

func runArgs(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	code := run(ctx, args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsageErrors(t *testing.T) {
	setup(t)
	tests := map[string][]string{
		"no role":              {"-s"},
		"both roles":           {"-p", "-c", "-s", "-m", "x", "-q", "1"},
		"no transport":         {"-c"},
		"two transports":       {"-c", "-s", "-u"},
		"producer no message":  {"-p", "-s", "-q", "3"},
		"producer no depth":    {"-p", "-u", "-m", "x"},
		"negative depth":       {"-p", "-u", "-m", "x", "-q", "-1"},
		"fan-out for consumer": {"-c", "-s", "-n", "2"},
		"unknown flag":         {"-x"},
		"stray argument":       {"-c", "-s", "extra"},
		"bad log level":        {"-c", "-s", "-log-level", "loud"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			code, _, _ := runArgs(t, args...)
			assert.Equal(t, exitUsage, code)
		})
	}
}

func TestHelp(t *testing.T) {
	setup(t)
	code, _, stderr := runArgs(t, "-h")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stderr, usageSummary)
}

func TestMemoryFanOut(t *testing.T) {
	setup(t)
	code, stdout, stderr := runArgs(t, "-memory", "-m", "hello", "-q", "4", "-n", "3", "-e")
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, 12, strings.Count(stdout, "Produced: hello\n"))
	assert.Equal(t, 12, strings.Count(stdout, "Consumed: hello\n"))
}

func TestSharedMemoryEndToEnd(t *testing.T) {
	dir := setup(t)

	var (
		wg     sync.WaitGroup
		code   int
		stdout string
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		code, stdout, _ = runArgs(t, "-c", "-s", "-e")
	}()
	segment := filepath.Join(dir, "pcipc_queue")
	require.Eventually(t, func() bool {
		_, err := os.Stat(segment)
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)

	pcode, _, pstderr := runArgs(t, "-p", "-s", "-m", "hello world", "-q", "3")
	require.Equal(t, exitOK, pcode, pstderr)
	wg.Wait()
	assert.Equal(t, exitOK, code)
	assert.Equal(t, 3, strings.Count(stdout, "Consumed: hello world\n"))
	assert.NoFileExists(t, segment)
}

func TestSharedMemoryConsumerAfterProducerExited(t *testing.T) {
	dir := setup(t)
	segment := filepath.Join(dir, "pcipc_queue")

	code, _, stderr := runArgs(t, "-p", "-s", "-m", "hello", "-q", "5")
	require.Equal(t, exitOK, code, stderr)
	require.FileExists(t, segment)

	code, stdout, stderr := runArgs(t, "-c", "-s", "-e")
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, 5, strings.Count(stdout, "Consumed: hello\n"))
	assert.NoFileExists(t, segment)
	assert.NoFileExists(t, filepath.Join(dir, "sem.pcipc_full"))
}

func TestSocketEndToEnd(t *testing.T) {
	setup(t)

	var (
		wg     sync.WaitGroup
		code   int
		stdout string
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		code, stdout, _ = runArgs(t, "-c", "-u", "-e")
	}()
	pcode, _, pstderr := runArgs(t, "-p", "-u", "-m", "ping", "-q", "2")
	require.Equal(t, exitOK, pcode, pstderr)
	wg.Wait()
	assert.Equal(t, exitOK, code)
	assert.Equal(t, 2, strings.Count(stdout, "Consumed: ping\n"))
}

func TestCleanupAndDescribe(t *testing.T) {
	dir := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sem.pcipc_mutex"), make([]byte, 16), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pcipc_queue"), []byte("junk"), 0o600))

	code, _, stderr := runArgs(t, "-describe")
	assert.Equal(t, exitFailure, code)
	assert.NotEmpty(t, stderr)

	code, _, stderr = runArgs(t, "-cleanup")
	require.Equal(t, exitOK, code, stderr)
	assert.NoFileExists(t, filepath.Join(dir, "sem.pcipc_mutex"))
	assert.NoFileExists(t, filepath.Join(dir, "pcipc_queue"))
}
