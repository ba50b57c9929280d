package procrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CapturesStdoutAndExitCode(t *testing.T) {
	res, err := Run(context.Background(), Config{Command: "sh", Args: []string{"-c", "echo hello; exit 0"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "hello")
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	res, err := Run(context.Background(), Config{Command: "sh", Args: []string{"-c", "echo failing >&2; exit 7"}})
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
	assert.Contains(t, res.Stderr, "failing")
}

func TestRun_TimeoutKillsProcessGroup(t *testing.T) {
	start := time.Now()
	res, err := Run(context.Background(), Config{
		Command: "sh",
		Args:    []string{"-c", "sleep 5"},
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.NotEqual(t, 0, res.ExitCode)
}

func TestProcess_StartWriteWait(t *testing.T) {
	p := New(Config{Command: "cat"})
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Write([]byte("ping")))
	require.NoError(t, p.CloseStdin())

	buf := make([]byte, 4)
	n, _ := p.Stdout().Read(buf)
	assert.Equal(t, "ping", string(buf[:n]))
	_ = p.Wait()
}
