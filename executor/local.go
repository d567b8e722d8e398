package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"tracdap.evalgo.org/errs"
)

// LocalExecutor launches batch processes directly on the host, grounded on
// executor/command_executor.go's exec.CommandContext/CombinedOutput/
// *exec.ExitError pattern, generalized from a single synchronous shell
// command into the full create/submit/poll/cancel/delete batch lifecycle.
type LocalExecutor struct {
	BaseDir string // root all batch sandboxes are created under

	mu    sync.Mutex
	procs map[string]*os.Process
	exits map[string]int // exit code, keyed by batch; presence means exited
}

// NewLocalExecutor creates a LocalExecutor rooted at baseDir.
func NewLocalExecutor(baseDir string) *LocalExecutor {
	return &LocalExecutor{
		BaseDir: baseDir,
		procs:   make(map[string]*os.Process),
		exits:   make(map[string]int),
	}
}

func (e *LocalExecutor) Name() string { return "local" }

func (e *LocalExecutor) Features() FeatureSet {
	return FeatureSet{
		FeatureOutputVolumes:  true,
		FeatureStorageMapping: true,
		FeatureCancellation:   true,
		// EXPOSE_PORT requires a runtime that binds and reports its own
		// port; the local executor has no port-discovery mechanism.
	}
}

func (e *LocalExecutor) CreateBatch(ctx context.Context, batchKey string) (*BatchState, error) {
	sandbox := filepath.Join(e.BaseDir, batchKey)
	if err := os.MkdirAll(sandbox, 0o750); err != nil {
		if os.IsPermission(err) {
			return nil, errs.Wrap(errs.ExecutorAccess, err, "cannot create sandbox for batch %q", batchKey)
		}
		return nil, errs.Wrap(errs.ExecutorFailure, err, "creating sandbox for batch %q", batchKey)
	}
	return &BatchState{
		BatchKey:   batchKey,
		SandboxDir: sandbox,
		Volumes:    make(map[string]Volume),
		Status:     StatusQueued,
		Extra:      make(map[string]string),
	}, nil
}

func (e *LocalExecutor) AddVolume(ctx context.Context, state *BatchState, name string, volType VolumeType) (*BatchState, error) {
	if !validVolumeName(name) {
		return nil, errs.New(errs.ExecutorValidation, "invalid volume name %q", name)
	}
	if _, exists := state.Volumes[name]; exists {
		return nil, errs.New(errs.ExecutorValidation, "volume %q already exists", name)
	}

	path := filepath.Join(state.SandboxDir, name)
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, errs.Wrap(errs.ExecutorFailure, err, "creating volume %q", name)
	}

	state.Volumes[name] = Volume{Name: name, Type: volType, Path: path}
	return state, nil
}

func (e *LocalExecutor) AddFile(ctx context.Context, state *BatchState, volume, name string, data []byte) (*BatchState, error) {
	if state.Status != StatusQueued {
		return nil, errs.New(errs.ExecutorValidation, "cannot add file %q: batch %q is already running", name, state.BatchKey)
	}
	vol, ok := state.Volumes[volume]
	if !ok {
		return nil, errs.New(errs.ExecutorValidation, "unknown volume %q", volume)
	}

	path := filepath.Join(vol.Path, filepath.Clean("/"+name))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errs.Wrap(errs.ExecutorFailure, err, "creating parent dir for %q", name)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return nil, errs.Wrap(errs.ExecutorFailure, err, "writing file %q", name)
	}
	return state, nil
}

func (e *LocalExecutor) SubmitBatch(ctx context.Context, state *BatchState, cfg LaunchConfig) (*BatchState, error) {
	args := make([]string, 0, len(cfg.Args))
	for i, a := range cfg.Args {
		resolved, err := a.Resolve(state)
		if err != nil {
			return nil, errs.Wrap(errs.ExecutorValidation, err, "resolving launch arg %d", i)
		}
		args = append(args, resolved)
	}
	if len(args) == 0 {
		return nil, errs.New(errs.ExecutorValidation, "launch config has no arguments")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = state.SandboxDir
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if cfg.StdoutFile != "" {
		f, err := e.outputFile(state, cfg.OutputVolume, cfg.StdoutFile)
		if err != nil {
			return nil, err
		}
		cmd.Stdout = f
		defer f.Close()
	}
	if cfg.StderrFile != "" {
		f, err := e.outputFile(state, cfg.OutputVolume, cfg.StderrFile)
		if err != nil {
			return nil, err
		}
		cmd.Stderr = f
		defer f.Close()
	}

	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.ExecutorFailure, err, "starting batch %q", state.BatchKey)
	}

	e.mu.Lock()
	e.procs[state.BatchKey] = cmd.Process
	e.mu.Unlock()

	state.PID = cmd.Process.Pid
	state.Status = StatusRunning

	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		e.mu.Lock()
		e.exits[state.BatchKey] = code
		e.mu.Unlock()
	}()

	return state, nil
}

func (e *LocalExecutor) outputFile(state *BatchState, volume, name string) (*os.File, error) {
	vol, ok := state.Volumes[volume]
	if !ok {
		return nil, errs.New(errs.ExecutorValidation, "unknown output volume %q", volume)
	}
	path := filepath.Join(vol.Path, filepath.Clean("/"+name))
	f, err := os.Create(path)
	if err != nil {
		return nil, errs.Wrap(errs.ExecutorFailure, err, "creating output file %q", name)
	}
	return f, nil
}

func (e *LocalExecutor) GetBatchStatus(ctx context.Context, state *BatchState) (BatchStatus, error) {
	if state.Status != StatusRunning {
		return state.Status, nil
	}

	e.mu.Lock()
	proc, tracked := e.procs[state.BatchKey]
	code, exited := e.exits[state.BatchKey]
	e.mu.Unlock()
	if !tracked {
		return StatusUnknown, nil
	}

	if exited {
		state.ExitCode = code
		if code == 0 {
			return StatusSucceeded, nil
		}
		return StatusFailed, nil
	}

	// Signal 0 probes liveness without affecting the process; the Wait()
	// goroutine in SubmitBatch races this and normally reaps first, so the
	// exited branch above is the common case.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return StatusRunning, nil
	}
	return StatusRunning, nil
}

func (e *LocalExecutor) HasOutputFile(ctx context.Context, state *BatchState, volume, name string) (bool, error) {
	vol, ok := state.Volumes[volume]
	if !ok {
		return false, errs.New(errs.ExecutorValidation, "unknown volume %q", volume)
	}
	path := filepath.Join(vol.Path, filepath.Clean("/"+name))
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (e *LocalExecutor) GetOutputFile(ctx context.Context, state *BatchState, volume, name string) ([]byte, error) {
	vol, ok := state.Volumes[volume]
	if !ok {
		return nil, errs.New(errs.ExecutorValidation, "unknown volume %q", volume)
	}
	path := filepath.Join(vol.Path, filepath.Clean("/"+name))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, err, "output file %q not found", name)
	}
	return data, nil
}

func (e *LocalExecutor) GetBatchAddress(ctx context.Context, state *BatchState) (string, error) {
	return "", errs.New(errs.ExecutorValidation, "executor %q does not advertise EXPOSE_PORT", e.Name())
}

func (e *LocalExecutor) CancelBatch(ctx context.Context, state *BatchState) (*BatchState, error) {
	e.mu.Lock()
	proc, tracked := e.procs[state.BatchKey]
	e.mu.Unlock()
	if !tracked {
		return state, errs.New(errs.ExecutorFailure, "batch %q is not tracked by this executor", state.BatchKey)
	}
	if err := proc.Kill(); err != nil {
		return state, errs.Wrap(errs.ExecutorFailure, err, "cancelling batch %q", state.BatchKey)
	}
	state.Status = StatusCancelled
	return state, nil
}

func (e *LocalExecutor) DeleteBatch(ctx context.Context, state *BatchState, persist bool) error {
	e.mu.Lock()
	proc, tracked := e.procs[state.BatchKey]
	delete(e.procs, state.BatchKey)
	delete(e.exits, state.BatchKey)
	e.mu.Unlock()

	if tracked && (state.Status == StatusRunning || state.Status == StatusQueued) {
		_ = proc.Kill()
	}

	if persist {
		return nil
	}
	if err := os.RemoveAll(state.SandboxDir); err != nil {
		return fmt.Errorf("removing sandbox for batch %q: %w", state.BatchKey, err)
	}
	return nil
}
