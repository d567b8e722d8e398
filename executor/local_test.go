package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExecutorFeatures(t *testing.T) {
	e := NewLocalExecutor(t.TempDir())
	assert.Equal(t, "local", e.Name())
	fs := e.Features()
	assert.True(t, fs.Has(FeatureOutputVolumes))
	assert.True(t, fs.Has(FeatureCancellation))
	assert.False(t, fs.Has(FeatureExposePort))
}

func TestLocalExecutorCreateBatchAndVolumes(t *testing.T) {
	ctx := context.Background()
	e := NewLocalExecutor(t.TempDir())

	state, err := e.CreateBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, state.Status)
	assert.DirExists(t, state.SandboxDir)

	state, err = e.AddVolume(ctx, state, "config", VolumeConfig)
	require.NoError(t, err)
	assert.DirExists(t, state.Volumes["config"].Path)

	_, err = e.AddVolume(ctx, state, "config", VolumeConfig)
	assert.Error(t, err, "duplicate volume name must be rejected")

	_, err = e.AddVolume(ctx, state, "../escape", VolumeConfig)
	assert.Error(t, err, "invalid volume name must be rejected")
}

func TestLocalExecutorAddFileBeforeRunOnly(t *testing.T) {
	ctx := context.Background()
	e := NewLocalExecutor(t.TempDir())
	state, err := e.CreateBatch(ctx, "batch-2")
	require.NoError(t, err)
	state, err = e.AddVolume(ctx, state, "config", VolumeConfig)
	require.NoError(t, err)

	state, err = e.AddFile(ctx, state, "config", "job_config.json", []byte(`{"a":1}`))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(state.Volumes["config"].Path, "job_config.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	state.Status = StatusRunning
	_, err = e.AddFile(ctx, state, "config", "late.json", []byte("{}"))
	assert.Error(t, err, "adding a file after the batch starts running must fail")
}

func TestLocalExecutorSubmitSucceeds(t *testing.T) {
	ctx := context.Background()
	e := NewLocalExecutor(t.TempDir())
	state, err := e.CreateBatch(ctx, "batch-3")
	require.NoError(t, err)
	state, err = e.AddVolume(ctx, state, "output", VolumeOutput)
	require.NoError(t, err)

	cfg := LaunchConfig{
		Args: []LaunchArg{
			{Kind: LaunchArgString, Value: "/bin/sh"},
			{Kind: LaunchArgString, Value: "-c"},
			{Kind: LaunchArgString, Value: "echo hello"},
		},
		StdoutFile:   "stdout.txt",
		OutputVolume: "output",
	}

	state, err = e.SubmitBatch(ctx, state, cfg)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, state.Status)
	assert.NotZero(t, state.PID)

	require.Eventually(t, func() bool {
		status, err := e.GetBatchStatus(ctx, state)
		return err == nil && status == StatusSucceeded
	}, 2*time.Second, 20*time.Millisecond)

	has, err := e.HasOutputFile(ctx, state, "output", "stdout.txt")
	require.NoError(t, err)
	assert.True(t, has)

	out, err := e.GetOutputFile(ctx, state, "output", "stdout.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestLocalExecutorSubmitFailureReportsNonZeroExitCode(t *testing.T) {
	ctx := context.Background()
	e := NewLocalExecutor(t.TempDir())
	state, err := e.CreateBatch(ctx, "batch-3b")
	require.NoError(t, err)
	state, err = e.AddVolume(ctx, state, "output", VolumeOutput)
	require.NoError(t, err)

	cfg := LaunchConfig{
		Args: []LaunchArg{
			{Kind: LaunchArgString, Value: "/bin/sh"},
			{Kind: LaunchArgString, Value: "-c"},
			{Kind: LaunchArgString, Value: "echo boom 1>&2; exit 5"},
		},
		StderrFile:   "stderr.txt",
		OutputVolume: "output",
	}

	state, err = e.SubmitBatch(ctx, state, cfg)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, state.Status)

	require.Eventually(t, func() bool {
		status, err := e.GetBatchStatus(ctx, state)
		return err == nil && status == StatusFailed
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, 5, state.ExitCode)

	out, err := e.GetOutputFile(ctx, state, "output", "stderr.txt")
	require.NoError(t, err)
	assert.Equal(t, "boom\n", string(out))
}

func TestLocalExecutorSubmitNoArgsFails(t *testing.T) {
	ctx := context.Background()
	e := NewLocalExecutor(t.TempDir())
	state, err := e.CreateBatch(ctx, "batch-4")
	require.NoError(t, err)

	_, err = e.SubmitBatch(ctx, state, LaunchConfig{})
	assert.Error(t, err)
}

func TestLocalExecutorCancelBatch(t *testing.T) {
	ctx := context.Background()
	e := NewLocalExecutor(t.TempDir())
	state, err := e.CreateBatch(ctx, "batch-5")
	require.NoError(t, err)

	cfg := LaunchConfig{Args: []LaunchArg{
		{Kind: LaunchArgString, Value: "/bin/sh"},
		{Kind: LaunchArgString, Value: "-c"},
		{Kind: LaunchArgString, Value: "sleep 5"},
	}}
	state, err = e.SubmitBatch(ctx, state, cfg)
	require.NoError(t, err)

	state, err = e.CancelBatch(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, state.Status)
}

func TestLocalExecutorCancelUntrackedBatchFails(t *testing.T) {
	ctx := context.Background()
	e := NewLocalExecutor(t.TempDir())
	state, err := e.CreateBatch(ctx, "batch-6")
	require.NoError(t, err)

	_, err = e.CancelBatch(ctx, state)
	assert.Error(t, err)
}

func TestLocalExecutorDeleteBatchRemovesSandboxUnlessPersisted(t *testing.T) {
	ctx := context.Background()
	e := NewLocalExecutor(t.TempDir())

	state, err := e.CreateBatch(ctx, "batch-7")
	require.NoError(t, err)
	require.NoError(t, e.DeleteBatch(ctx, state, false))
	assert.NoDirExists(t, state.SandboxDir)

	state2, err := e.CreateBatch(ctx, "batch-8")
	require.NoError(t, err)
	require.NoError(t, e.DeleteBatch(ctx, state2, true))
	assert.DirExists(t, state2.SandboxDir)
}

func TestLocalExecutorGetBatchAddressUnsupported(t *testing.T) {
	ctx := context.Background()
	e := NewLocalExecutor(t.TempDir())
	state, err := e.CreateBatch(ctx, "batch-9")
	require.NoError(t, err)

	_, err = e.GetBatchAddress(ctx, state)
	assert.Error(t, err)
}
