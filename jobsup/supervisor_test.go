package jobsup

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracdap.evalgo.org/cache"
	"tracdap.evalgo.org/executor"
)

// fakeExecutor is an in-memory executor.Executor double, letting the
// supervisor's sequencing and error handling be exercised without spawning
// real processes.
type fakeExecutor struct {
	features executor.FeatureSet

	failAddVolume  string // volume name that errors on AddVolume, "" disables
	deleteBatchErr error
	deletedKeys    []string

	files  map[string][]byte // "volume/name" -> contents
	status executor.BatchStatus
	addr   string
	addrErr error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		features: executor.FeatureSet{
			executor.FeatureOutputVolumes: true,
		},
		files:  make(map[string][]byte),
		status: executor.StatusRunning,
	}
}

func (f *fakeExecutor) Name() string                  { return "fake" }
func (f *fakeExecutor) Features() executor.FeatureSet { return f.features }

func (f *fakeExecutor) CreateBatch(ctx context.Context, batchKey string) (*executor.BatchState, error) {
	return &executor.BatchState{
		BatchKey: batchKey,
		Volumes:  make(map[string]executor.Volume),
		Status:   executor.StatusQueued,
		Extra:    make(map[string]string),
	}, nil
}

func (f *fakeExecutor) AddVolume(ctx context.Context, state *executor.BatchState, name string, volType executor.VolumeType) (*executor.BatchState, error) {
	if f.failAddVolume != "" && name == f.failAddVolume {
		return nil, errors.New("simulated AddVolume failure for " + name)
	}
	state.Volumes[name] = executor.Volume{Name: name, Type: volType, Path: "/sandbox/" + name}
	return state, nil
}

func (f *fakeExecutor) AddFile(ctx context.Context, state *executor.BatchState, volume, name string, data []byte) (*executor.BatchState, error) {
	f.files[volume+"/"+name] = data
	return state, nil
}

func (f *fakeExecutor) SubmitBatch(ctx context.Context, state *executor.BatchState, cfg executor.LaunchConfig) (*executor.BatchState, error) {
	state.Status = executor.StatusRunning
	state.PID = 4242
	return state, nil
}

func (f *fakeExecutor) GetBatchStatus(ctx context.Context, state *executor.BatchState) (executor.BatchStatus, error) {
	return f.status, nil
}

func (f *fakeExecutor) HasOutputFile(ctx context.Context, state *executor.BatchState, volume, name string) (bool, error) {
	_, ok := f.files[volume+"/"+name]
	return ok, nil
}

func (f *fakeExecutor) GetOutputFile(ctx context.Context, state *executor.BatchState, volume, name string) ([]byte, error) {
	data, ok := f.files[volume+"/"+name]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (f *fakeExecutor) GetBatchAddress(ctx context.Context, state *executor.BatchState) (string, error) {
	if f.addrErr != nil {
		return "", f.addrErr
	}
	return f.addr, nil
}

func (f *fakeExecutor) CancelBatch(ctx context.Context, state *executor.BatchState) (*executor.BatchState, error) {
	state.Status = executor.StatusCancelled
	return state, nil
}

func (f *fakeExecutor) DeleteBatch(ctx context.Context, state *executor.BatchState, persist bool) error {
	f.deletedKeys = append(f.deletedKeys, state.BatchKey)
	return f.deleteBatchErr
}

// fakeRuntime is a RuntimeClient double.
type fakeRuntime struct {
	status    JobStatus
	statusErr error
	result    []byte
	resultErr error
}

func (r *fakeRuntime) GetJobStatus(ctx context.Context, address string) (JobStatus, error) {
	return r.status, r.statusErr
}

func (r *fakeRuntime) GetJobResult(ctx context.Context, address string) ([]byte, error) {
	return r.result, r.resultErr
}

func TestSubmitOneShotSuccess(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	c := cache.NewMemCache()
	defer c.Close()

	sup := NewSupervisor(c, exec, nil, Config{LogVolumeEnabled: true})

	job, err := sup.SubmitOneShot(ctx, "job/abc", map[string]string{"a": "1"}, map[string]string{"b": "2"})
	require.NoError(t, err)

	assert.Equal(t, "job-job-abc", job.BatchKey)
	assert.Equal(t, JobSubmitted, job.Status)
	assert.True(t, job.OutputVolumes)
	assert.True(t, job.LogVolume)
	assert.Equal(t, "log", job.LogVolumeName)
	assert.Contains(t, exec.files, "config/job_config.json")
	assert.Contains(t, exec.files, "config/sys_config.json")

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(exec.files["config/job_config.json"], &decoded))
	assert.Equal(t, "1", decoded["a"])

	// Persisted to the cache under the same batch key.
	entry, found, err := c.QueryKey(ctx, job.BatchKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, string(JobSubmitted), entry.Status)
}

func TestSubmitOneShotCleansUpOnFailure(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	exec.failAddVolume = "scratch"
	c := cache.NewMemCache()
	defer c.Close()

	sup := NewSupervisor(c, exec, nil, Config{})

	_, err := sup.SubmitOneShot(ctx, "job/fail", nil, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"job-job-fail"}, exec.deletedKeys, "DeleteBatch must run on submission failure")
}

func TestSubmitOneShotReportsCleanupFailureAlongsideOriginal(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	exec.failAddVolume = "scratch"
	exec.deleteBatchErr = errors.New("rm -rf failed")
	c := cache.NewMemCache()
	defer c.Close()

	sup := NewSupervisor(c, exec, nil, Config{})

	_, err := sup.SubmitOneShot(ctx, "job/fail2", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cleanup also failed")
}

func submitJob(t *testing.T, sup *Supervisor, header string) *BatchJobState {
	t.Helper()
	job, err := sup.SubmitOneShot(context.Background(), header, map[string]string{}, map[string]string{})
	require.NoError(t, err)
	return job
}

func TestPollStatusMapsBatchStatus(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	c := cache.NewMemCache()
	defer c.Close()
	sup := NewSupervisor(c, exec, nil, Config{})

	submitJob(t, sup, "job/poll1")

	exec.status = executor.StatusSucceeded
	status, err := sup.PollStatus(ctx, "job/poll1")
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, status)
}

func TestPollStatusDescribesFailureFromStderr(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	c := cache.NewMemCache()
	defer c.Close()
	sup := NewSupervisor(c, exec, nil, Config{LogVolumeEnabled: true})

	job := submitJob(t, sup, "job/poll2")

	exec.files[job.LogVolumeName+"/stderr"] = []byte("traceback...\ntracdap.rt.exceptions.EValidation: schema mismatch\n")
	exec.status = executor.StatusFailed

	_, err := sup.PollStatus(ctx, "job/poll2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema mismatch")
}

func TestPollStatusGenericFailureWithoutExceptionTail(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	c := cache.NewMemCache()
	defer c.Close()
	sup := NewSupervisor(c, exec, nil, Config{LogVolumeEnabled: true})

	job := submitJob(t, sup, "job/poll3")
	job.Batch.ExitCode = 5
	require.NoError(t, sup.persist(ctx, job))

	exec.files[job.LogVolumeName+"/stderr"] = []byte("some unrelated crash output\n")
	exec.status = executor.StatusFailed

	_, err := sup.PollStatus(ctx, "job/poll3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code")
}

// TestPollStatusWithRealLocalExecutorReportsFailedWithMessage drives the
// real executor.LocalExecutor (not fakeExecutor) through a process exiting
// 5, proving the supervisor's FAILED/message mapping against a genuine
// process exit rather than a stubbed BatchStatus.
func TestPollStatusWithRealLocalExecutorReportsFailedWithMessage(t *testing.T) {
	ctx := context.Background()
	exec := executor.NewLocalExecutor(t.TempDir())
	c := cache.NewMemCache()
	defer c.Close()
	sup := NewSupervisor(c, exec, nil, Config{LogVolumeEnabled: true})

	jobHeader := "real/fail"
	batchKey := batchKeyFromHeader(jobHeader)

	batch, err := exec.CreateBatch(ctx, batchKey)
	require.NoError(t, err)
	batch, err = exec.AddVolume(ctx, batch, "log", executor.VolumeOutput)
	require.NoError(t, err)

	launch := executor.LaunchConfig{
		Args: []executor.LaunchArg{
			{Kind: executor.LaunchArgString, Value: "/bin/sh"},
			{Kind: executor.LaunchArgString, Value: "-c"},
			{Kind: executor.LaunchArgString, Value: "echo 'tracdap.rt.exceptions.EValidation: schema mismatch' 1>&2; exit 5"},
		},
		StderrFile:   "stderr",
		OutputVolume: "log",
	}
	batch, err = exec.SubmitBatch(ctx, batch, launch)
	require.NoError(t, err)

	job := &BatchJobState{
		BatchKey:      batchKey,
		Batch:         *batch,
		LogVolume:     true,
		LogVolumeName: "log",
		Status:        JobSubmitted,
	}
	require.NoError(t, sup.persist(ctx, job))

	var (
		finalStatus JobStatus
		pollErr     error
	)
	require.Eventually(t, func() bool {
		finalStatus, pollErr = sup.PollStatus(ctx, jobHeader)
		return pollErr != nil || finalStatus != JobRunning
	}, 2*time.Second, 20*time.Millisecond)

	require.Error(t, pollErr)
	assert.Equal(t, JobFailed, finalStatus)
	assert.Contains(t, pollErr.Error(), "schema mismatch")
}

func TestPollStatusViaRuntimeAPI(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	exec.features[executor.FeatureExposePort] = true
	exec.addr = "127.0.0.1:9000"
	c := cache.NewMemCache()
	defer c.Close()

	runtime := &fakeRuntime{status: JobRunning}
	sup := NewSupervisor(c, exec, runtime, Config{RuntimeAPIEnabled: true})

	job := submitJob(t, sup, "job/poll4")
	require.True(t, job.RuntimeAPI)

	status, err := sup.PollStatus(ctx, "job/poll4")
	require.NoError(t, err)
	assert.Equal(t, JobRunning, status)
}

func TestPollStatusViaRuntimeAPIRetriesTemporaryFailure(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	exec.features[executor.FeatureExposePort] = true
	c := cache.NewMemCache()
	defer c.Close()

	calls := 0
	runtime := &countingRuntime{
		fn: func() (JobStatus, error) {
			calls++
			if calls < 2 {
				return "", status.Error(codes.Unavailable, "not ready yet")
			}
			return JobRunning, nil
		},
	}
	sup := NewSupervisor(c, exec, runtime, Config{RuntimeAPIEnabled: true})
	submitJob(t, sup, "job/poll5")

	got, err := sup.PollStatus(ctx, "job/poll5")
	require.NoError(t, err)
	assert.Equal(t, JobRunning, got)
	assert.GreaterOrEqual(t, calls, 2)
}

type countingRuntime struct {
	fn func() (JobStatus, error)
}

func (r *countingRuntime) GetJobStatus(ctx context.Context, address string) (JobStatus, error) {
	return r.fn()
}
func (r *countingRuntime) GetJobResult(ctx context.Context, address string) ([]byte, error) {
	return nil, nil
}

func TestPollStatusViaRuntimeAPIDoesNotRetryValidation(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	exec.features[executor.FeatureExposePort] = true
	c := cache.NewMemCache()
	defer c.Close()

	calls := 0
	runtime := &countingRuntime{
		fn: func() (JobStatus, error) {
			calls++
			return "", status.Error(codes.InvalidArgument, "bad request")
		},
	}
	sup := NewSupervisor(c, exec, runtime, Config{RuntimeAPIEnabled: true})
	submitJob(t, sup, "job/poll6")

	_, err := sup.PollStatus(ctx, "job/poll6")
	require.Error(t, err)
	assert.Equal(t, 1, calls, "validation errors must not be retried")
}

func TestGetResultFromOutputVolume(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	c := cache.NewMemCache()
	defer c.Close()
	sup := NewSupervisor(c, exec, nil, Config{})

	job := submitJob(t, sup, "job/result1")
	job.Status = JobSucceeded
	require.NoError(t, sup.persist(ctx, job))

	exec.files["output/job_result_r1.json"] = []byte(`{"rows": 10}`)

	data, err := sup.GetResult(ctx, "job/result1", "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows": 10}`, string(data))
}

func TestGetResultRejectsInvalidJSON(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	c := cache.NewMemCache()
	defer c.Close()
	sup := NewSupervisor(c, exec, nil, Config{})

	job := submitJob(t, sup, "job/result2")
	job.Status = JobSucceeded
	require.NoError(t, sup.persist(ctx, job))

	exec.files["output/job_result_r2.json"] = []byte(`not json`)

	_, err := sup.GetResult(ctx, "job/result2", "r2")
	require.Error(t, err)
}

func TestGetResultViaRuntimeAPI(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	exec.features[executor.FeatureExposePort] = true
	c := cache.NewMemCache()
	defer c.Close()

	runtime := &fakeRuntime{result: []byte(`{"rows": 1}`)}
	sup := NewSupervisor(c, exec, runtime, Config{RuntimeAPIEnabled: true})
	job := submitJob(t, sup, "job/result3")
	job.Status = JobRunning
	require.NoError(t, sup.persist(ctx, job))

	data, err := sup.GetResult(ctx, "job/result3", "ignored")
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows": 1}`, string(data))
}

func TestGetResultNotFoundWhenJobStillRunningWithoutRuntimeAPI(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	c := cache.NewMemCache()
	defer c.Close()
	sup := NewSupervisor(c, exec, nil, Config{})

	job := submitJob(t, sup, "job/result4")
	job.Status = JobRunning
	require.NoError(t, sup.persist(ctx, job))

	_, err := sup.GetResult(ctx, "job/result4", "x")
	assert.Error(t, err)
}

func TestMapRuntimeError(t *testing.T) {
	assert.Contains(t, mapRuntimeError(status.Error(codes.Unavailable, "x")).Error(), "unavailable")
	assert.Contains(t, mapRuntimeError(status.Error(codes.Unauthenticated, "x")).Error(), "denied")
	assert.Contains(t, mapRuntimeError(status.Error(codes.InvalidArgument, "x")).Error(), "rejected")
	assert.Contains(t, mapRuntimeError(errors.New("not a grpc status")).Error(), "failed")
}

func TestBatchKeyFromHeader(t *testing.T) {
	assert.Equal(t, "job-tenant1-abc", batchKeyFromHeader("tenant1/abc"))
}

func TestLastNonEmptyLine(t *testing.T) {
	assert.Equal(t, "last line", lastNonEmptyLine([]byte("first\nlast line\n\n")))
	assert.Equal(t, "", lastNonEmptyLine([]byte("")))
}
