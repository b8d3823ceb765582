package processHelpers

import (
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnAttributesOwnIdentity(t *testing.T) {
	attr := SpawnAttributes(uint32(os.Getuid()), uint32(os.Getgid()))
	assert.True(t, attr.Setsid)
	assert.Nil(t, attr.Credential)
}

func TestSpawnAttributesOtherIdentity(t *testing.T) {
	attr := SpawnAttributes(uint32(os.Getuid())+1, uint32(os.Getgid()))
	require.NotNil(t, attr.Credential)
	assert.Equal(t, uint32(os.Getuid())+1, attr.Credential.Uid)
}

func TestTerminateGroup(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = SpawnAttributes(uint32(os.Getuid()), uint32(os.Getgid()))
	require.NoError(t, cmd.Start())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	require.NoError(t, TerminateGroup(cmd.Process.Pid))
	select {
	case <-done:
		assert.False(t, cmd.ProcessState.Success())
	case <-time.After(5 * time.Second):
		_ = KillGroup(cmd.Process.Pid)
		t.Fatal("process group did not exit after SIGTERM")
	}

	assert.NoError(t, TerminateGroup(cmd.Process.Pid), "signalling an exited group is not an error")
	assert.Error(t, KillGroup(0))
}

func TestScanLines(t *testing.T) {
	var lines []string
	err := ScanLines(strings.NewReader("one\ntwo\nthree"), func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}
