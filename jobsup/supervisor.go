// Package jobsup implements the Job Executor Supervisor (C5): it wraps the
// job cache (C3) and batch executor driver (C4) into a durable one-shot job
// lifecycle, interpreting process exit and in-batch runtime RPC into a
// canonical job status.
package jobsup

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"tracdap.evalgo.org/cache"
	"tracdap.evalgo.org/errs"
	"tracdap.evalgo.org/executor"
)

// JobStatus is the canonical, executor-independent job state a caller polls
// for, per §3 "Job State" and the batch->job mapping in §4.5.
type JobStatus string

const (
	JobSubmitted JobStatus = "SUBMITTED"
	JobRunning   JobStatus = "RUNNING"
	JobFinishing JobStatus = "FINISHING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

var batchToJobStatus = map[executor.BatchStatus]JobStatus{
	executor.StatusQueued:    JobSubmitted,
	executor.StatusRunning:   JobRunning,
	executor.StatusComplete:  JobFinishing,
	executor.StatusSucceeded: JobSucceeded,
	executor.StatusFailed:    JobFailed,
	executor.StatusCancelled: JobCancelled,
}

// exceptionTail matches a trac-runtime exception's final stderr line, per
// §4.5 "Poll status": `/exceptions\.(E\w+): (.+)/`.
var exceptionTail = regexp.MustCompile(`exceptions\.(E\w+): (.+)`)

// BatchJobState wraps an executor.BatchState with the feature flags recorded
// at submit time, per §3 "Job State": "wraps batch state with feature flags
// recorded at submit time ... plus the canonical batch key."
type BatchJobState struct {
	BatchKey        string
	Batch           executor.BatchState
	RuntimeAPI      bool
	OutputVolumes   bool
	LogVolume       bool
	ResultVolume    string
	LogVolumeName   string
	Status          JobStatus
}

// RuntimeClient issues RPCs to the in-batch trac-runtime process once its
// runtime API port is exposed, per §4.5 "Poll status"/"Get result". Kept as
// an interface since no generated runtime stub ships in this module; a
// concrete implementation dials address with google.golang.org/grpc.
type RuntimeClient interface {
	GetJobStatus(ctx context.Context, address string) (JobStatus, error)
	GetJobResult(ctx context.Context, address string) ([]byte, error)
}

// Config controls one Supervisor instance.
type Config struct {
	RuntimeAPIEnabled bool
	LogVolumeEnabled  bool
	ResultVolumeName  string
}

// Supervisor composes a cache.Cache (job state durability) and an
// executor.Executor (process control) into the §4.5 one-shot lifecycle.
// Grounded on coordinator/coordinator.go's compose-two-dependencies-into-a-
// durable-lifecycle shape, generalized from a WebSocket registration
// handshake to the batch-submission state machine.
type Supervisor struct {
	cache    cache.Cache
	exec     executor.Executor
	runtime  RuntimeClient
	cfg      Config
}

// NewSupervisor builds a Supervisor over an already-opened cache and a
// configured executor.
func NewSupervisor(c cache.Cache, exec executor.Executor, runtime RuntimeClient, cfg Config) *Supervisor {
	return &Supervisor{cache: c, exec: exec, runtime: runtime, cfg: cfg}
}

// SubmitOneShot runs the seven-step submission sequence from §4.5: allocate
// a batch key, create the batch, interrogate features, serialize job/sys
// config into the CONFIG volume, build the launch command, submit, and
// record durable state. Any failure after CreateBatch triggers best-effort
// DeleteBatch cleanup before the original error is surfaced, per §5.2 "Local
// recovery."
func (s *Supervisor) SubmitOneShot(ctx context.Context, jobHeader string, jobConfig, sysConfig interface{}) (*BatchJobState, error) {
	batchKey := batchKeyFromHeader(jobHeader)

	batch, err := s.exec.CreateBatch(ctx, batchKey)
	if err != nil {
		return nil, errs.Wrap(errs.ExecutorFailure, err, "creating batch %s", batchKey)
	}

	job := &BatchJobState{
		BatchKey:      batchKey,
		Batch:         *batch,
		RuntimeAPI:    s.cfg.RuntimeAPIEnabled && s.exec.Features().Has(executor.FeatureExposePort),
		OutputVolumes: s.exec.Features().Has(executor.FeatureOutputVolumes),
		LogVolume:     s.cfg.LogVolumeEnabled,
		ResultVolume:  s.cfg.ResultVolumeName,
		Status:        JobSubmitted,
	}

	if err := s.configureAndSubmit(ctx, job, jobConfig, sysConfig); err != nil {
		if _, delErr := s.tryDeleteBatch(ctx, job); delErr != nil {
			return nil, errs.Wrap(errs.ExecutorFailure, err,
				"submission failed and cleanup also failed (%v)", delErr)
		}
		return nil, err
	}

	if err := s.persist(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Supervisor) configureAndSubmit(ctx context.Context, job *BatchJobState, jobConfig, sysConfig interface{}) error {
	state := &job.Batch

	state, err := s.exec.AddVolume(ctx, state, "config", executor.VolumeConfig)
	if err != nil {
		return errs.Wrap(errs.ExecutorFailure, err, "adding config volume")
	}
	state, err = s.exec.AddVolume(ctx, state, "scratch", executor.VolumeScratch)
	if err != nil {
		return errs.Wrap(errs.ExecutorFailure, err, "adding scratch volume")
	}

	if job.OutputVolumes {
		state, err = s.exec.AddVolume(ctx, state, "output", executor.VolumeOutput)
		if err != nil {
			return errs.Wrap(errs.ExecutorFailure, err, "adding output volume")
		}
	}
	if job.LogVolume {
		job.LogVolumeName = "log"
		state, err = s.exec.AddVolume(ctx, state, job.LogVolumeName, executor.VolumeOutput)
		if err != nil {
			return errs.Wrap(errs.ExecutorFailure, err, "adding log volume")
		}
	}

	jobConfigJSON, err := json.Marshal(jobConfig)
	if err != nil {
		return errs.Wrap(errs.Validation, err, "serializing job config")
	}
	sysConfigJSON, err := json.Marshal(sysConfig)
	if err != nil {
		return errs.Wrap(errs.Validation, err, "serializing system config")
	}

	state, err = s.exec.AddFile(ctx, state, "config", "job_config.json", jobConfigJSON)
	if err != nil {
		return errs.Wrap(errs.ExecutorFailure, err, "writing job_config.json")
	}
	state, err = s.exec.AddFile(ctx, state, "config", "sys_config.json", sysConfigJSON)
	if err != nil {
		return errs.Wrap(errs.ExecutorFailure, err, "writing sys_config.json")
	}

	launch := executor.LaunchConfig{
		Args: []executor.LaunchArg{
			{Kind: executor.LaunchArgString, Value: "trac-runtime"},
			{Kind: executor.LaunchArgString, Value: "--sys-config"},
			{Kind: executor.LaunchArgPath, Volume: "config", Value: "sys_config.json"},
			{Kind: executor.LaunchArgString, Value: "--job-config"},
			{Kind: executor.LaunchArgPath, Volume: "config", Value: "job_config.json"},
			{Kind: executor.LaunchArgString, Value: "--scratch-dir"},
			{Kind: executor.LaunchArgPath, Volume: "scratch", Value: "."},
		},
	}
	if job.LogVolume {
		launch.StdoutFile = "stdout"
		launch.StderrFile = "stderr"
		launch.OutputVolume = job.LogVolumeName
	}

	state, err = s.exec.SubmitBatch(ctx, state, launch)
	if err != nil {
		return errs.Wrap(errs.ExecutorFailure, err, "submitting batch %s", job.BatchKey)
	}

	job.Batch = *state
	job.Status = JobSubmitted
	return nil
}

func (s *Supervisor) tryDeleteBatch(ctx context.Context, job *BatchJobState) (bool, error) {
	err := s.exec.DeleteBatch(ctx, &job.Batch, false)
	return err == nil, err
}

// PollStatus reports the job's current JobStatus, per §4.5 "Poll status."
func (s *Supervisor) PollStatus(ctx context.Context, jobID string) (JobStatus, error) {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return "", err
	}

	batchStatus, err := s.exec.GetBatchStatus(ctx, &job.Batch)
	if err != nil {
		return "", errs.Wrap(errs.ExecutorFailure, err, "querying batch status for %s", job.BatchKey)
	}

	if job.RuntimeAPI && batchStatus == executor.StatusRunning {
		address, err := s.exec.GetBatchAddress(ctx, &job.Batch)
		if err != nil {
			return "", errs.Wrap(errs.ExecutorFailure, err, "resolving runtime API address")
		}
		return s.pollViaRuntime(ctx, address)
	}

	mapped, ok := batchToJobStatus[batchStatus]
	if !ok {
		mapped = JobStatus(batchStatus)
	}

	if mapped == JobFailed && job.LogVolume {
		if mappedErr := s.describeFailure(ctx, job); mappedErr != nil {
			return mapped, mappedErr
		}
	}

	job.Status = mapped
	_ = s.persist(ctx, job)
	return mapped, nil
}

// pollViaRuntime issues the authoritative-status RPC with a bounded retry on
// TEMPORARY_FAILURE, per §4.5's runtime RPC error mapping.
func (s *Supervisor) pollViaRuntime(ctx context.Context, address string) (JobStatus, error) {
	var result JobStatus
	op := func() error {
		jobStatus, err := s.runtime.GetJobStatus(ctx, address)
		if err != nil {
			return mapRuntimeError(err)
		}
		result = jobStatus
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(retryOnlyTemporary(op), policy); err != nil {
		return "", err
	}
	return result, nil
}

// describeFailure tails the batch's stderr file and maps the last line to a
// mapped error, per §4.5: "match the last line against
// /exceptions\.(E\w+): (.+)/; if it matches, use the captured message and
// attach the full stderr as error detail; otherwise attach a generic 'exit
// code N' message."
func (s *Supervisor) describeFailure(ctx context.Context, job *BatchJobState) error {
	if !s.exec.Features().Has(executor.FeatureOutputVolumes) {
		return nil
	}
	has, err := s.exec.HasOutputFile(ctx, &job.Batch, job.LogVolumeName, "stderr")
	if err != nil || !has {
		return nil
	}
	data, err := s.exec.GetOutputFile(ctx, &job.Batch, job.LogVolumeName, "stderr")
	if err != nil {
		return nil
	}

	lastLine := lastNonEmptyLine(data)
	if m := exceptionTail.FindStringSubmatch(lastLine); m != nil {
		return errs.New(errs.ExecutorFailure, "%s", m[2]).WithDetail(string(data))
	}
	return errs.New(errs.ExecutorFailure, "exit code %d", job.Batch.ExitCode).WithDetail(string(data))
}

// GetResult fetches the job's result payload, per §4.5 "Get result."
func (s *Supervisor) GetResult(ctx context.Context, jobID, resultKey string) ([]byte, error) {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.RuntimeAPI && job.Status == JobRunning {
		address, err := s.exec.GetBatchAddress(ctx, &job.Batch)
		if err != nil {
			return nil, errs.Wrap(errs.ExecutorFailure, err, "resolving runtime API address")
		}
		return s.runtime.GetJobResult(ctx, address)
	}

	if (job.Status == JobFinishing || job.Status == JobSucceeded) && job.OutputVolumes {
		name := fmt.Sprintf("job_result_%s.json", resultKey)
		data, err := s.exec.GetOutputFile(ctx, &job.Batch, "output", name)
		if err != nil {
			return nil, errs.Wrap(errs.ExecutorFailure, err, "reading %s", name)
		}
		var parsed interface{}
		if err := json.Unmarshal(data, &parsed); err != nil {
			// The result is definitively wrong, not transiently unavailable:
			// not retryable, per §4.5.
			return nil, errs.Wrap(errs.ExecutorFailure, err, "parsing %s", name)
		}
		return data, nil
	}

	return nil, errs.New(errs.NotFound, "no result available for job %s in status %s", jobID, job.Status)
}

// mapRuntimeError implements §4.5's "Runtime RPC error mapping."
func mapRuntimeError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return errs.Wrap(errs.ExecutorFailure, err, "runtime RPC failed")
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return errs.Wrap(errs.TemporaryFailure, err, "runtime RPC unavailable")
	case codes.Unauthenticated, codes.PermissionDenied:
		return errs.Wrap(errs.Access, err, "runtime RPC denied")
	case codes.InvalidArgument, codes.FailedPrecondition:
		return errs.Wrap(errs.Validation, err, "runtime RPC rejected request")
	default:
		return errs.Wrap(errs.ExecutorFailure, err, "runtime RPC failed")
	}
}

// retryOnlyTemporary stops backoff.Retry immediately unless the wrapped
// operation produced a retryable *errs.Error, per §5 "Cancellation."
func retryOnlyTemporary(op backoff.Operation) backoff.Operation {
	return func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errs.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
}

func (s *Supervisor) persist(ctx context.Context, job *BatchJobState) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "serializing job state")
	}
	ticket, isNew, err := s.openTicketFor(ctx, job.BatchKey)
	if err != nil {
		return err
	}
	defer s.cache.CloseTicket(ctx, ticket)

	if isNew {
		_, err = s.cache.CreateEntry(ctx, ticket, string(job.Status), data)
	} else {
		_, err = s.cache.UpdateEntry(ctx, ticket, string(job.Status), data)
	}
	if err != nil {
		return errs.Wrap(errs.CacheTicket, err, "persisting job state for %s", job.BatchKey)
	}
	return nil
}

func (s *Supervisor) openTicketFor(ctx context.Context, key string) (cache.Ticket, bool, error) {
	entry, found, err := s.cache.QueryKey(ctx, key)
	if err != nil {
		return cache.Ticket{}, false, errs.Wrap(errs.CacheTicket, err, "querying job cache key %s", key)
	}
	if !found {
		ticket, err := s.cache.OpenNewTicket(ctx, key, cache.MaxTicketDuration)
		return ticket, true, err
	}
	ticket, err := s.cache.OpenTicket(ctx, key, entry.Revision, cache.MaxTicketDuration)
	return ticket, false, err
}

func (s *Supervisor) load(ctx context.Context, jobID string) (*BatchJobState, error) {
	key := batchKeyFromHeader(jobID)
	entry, found, err := s.cache.QueryKey(ctx, key)
	if err != nil {
		return nil, errs.Wrap(errs.CacheTicket, err, "querying job cache key %s", key)
	}
	if !found {
		return nil, errs.New(errs.NotFound, "no job state for %s", jobID)
	}
	var job BatchJobState
	if err := json.Unmarshal(entry.Value, &job); err != nil {
		return nil, errs.Wrap(errs.CacheCorruption, err, "decoding job state for %s", jobID)
	}
	return &job, nil
}

func batchKeyFromHeader(jobHeader string) string {
	return "job-" + strings.ReplaceAll(jobHeader, "/", "-")
}

func lastNonEmptyLine(data []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	last := ""
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	return last
}
