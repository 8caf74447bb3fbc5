package subprocess

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelforge/kerneld/internal/driver"
)

func TestCreateRejectsSandboxedMode(t *testing.T) {
	d, err := New(nil)
	require.NoError(t, err)

	_, err = d.Create(context.Background(), driver.KernelConfig{Mode: driver.ModeSandboxed, Language: driver.LanguagePython})
	assert.ErrorIs(t, err, driver.ErrInvalidConfig)
}

func TestConnectBeforeStartFails(t *testing.T) {
	d, err := New(nil)
	require.NoError(t, err)

	id, err := d.Create(context.Background(), driver.KernelConfig{Mode: driver.ModeInProcess, Language: driver.LanguagePython})
	require.NoError(t, err)

	_, err = d.Connect(context.Background(), id)
	assert.ErrorIs(t, err, driver.ErrKernelNotRunning)
}

func TestInterruptPathUnsupported(t *testing.T) {
	d, err := New(nil)
	require.NoError(t, err)

	_, err = d.InterruptPath(context.Background(), "whatever")
	assert.ErrorIs(t, err, driver.ErrNotSupported)
}

func TestFilesystemOperationsUnsupported(t *testing.T) {
	d, err := New(nil)
	require.NoError(t, err)

	_, err = d.ListFiles(context.Background(), "id", "/")
	assert.ErrorIs(t, err, driver.ErrNotSupported)

	err = d.PutFile(context.Background(), "id", "/x", nil)
	assert.ErrorIs(t, err, driver.ErrNotSupported)

	_, err = d.GetFile(context.Background(), "id", "/x")
	assert.ErrorIs(t, err, driver.ErrNotSupported)
}

func TestInfoUnknownID(t *testing.T) {
	d, err := New(nil)
	require.NoError(t, err)

	_, err = d.Info(context.Background(), "missing")
	assert.ErrorIs(t, err, driver.ErrKernelNotFound)
}

func TestStartConnectStopLifecycle(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}

	d, err := New(nil)
	require.NoError(t, err)
	defer d.Close()

	cfg := driver.KernelConfig{Mode: driver.ModeInProcess, Language: driver.LanguagePython}
	id, err := d.Create(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background(), id))

	info, err := d.Info(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, driver.StateReady, info.State)

	conn, err := d.Connect(context.Background(), id)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, d.Stop(context.Background(), id))

	_, err = d.Info(context.Background(), id)
	assert.ErrorIs(t, err, driver.ErrKernelNotFound, "Stop removes the instance from the driver's table")
}
