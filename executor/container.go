package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"tracdap.evalgo.org/errs"
)

// ContainerExecutor launches each batch as a `docker run` container, bind-
// mounting the batch sandbox so the runtime process sees the same
// CONFIG/SCRATCH/OUTPUT volume layout as LocalExecutor. Grounded on the same
// os/exec.CommandContext pattern as executor/local.go, generalized to shell
// out to the `docker` CLI rather than import the Docker SDK — the daemon
// socket protocol and API versioning the SDK owns isn't a concern this
// module needs to speak directly, and the docker CLI is already the
// interface operators use to manage the host the executor runs on.
type ContainerExecutor struct {
	BaseDir string
	Image   string

	mu        sync.Mutex
	containers map[string]string // batchKey -> docker container ID
}

// NewContainerExecutor creates a ContainerExecutor rooted at baseDir,
// launching batches from image.
func NewContainerExecutor(baseDir, image string) *ContainerExecutor {
	return &ContainerExecutor{BaseDir: baseDir, Image: image, containers: make(map[string]string)}
}

func (e *ContainerExecutor) Name() string { return "container" }

func (e *ContainerExecutor) Features() FeatureSet {
	return FeatureSet{
		FeatureOutputVolumes:  true,
		FeatureStorageMapping: true,
		FeatureCancellation:   true,
		FeatureExposePort:     true,
	}
}

func (e *ContainerExecutor) CreateBatch(ctx context.Context, batchKey string) (*BatchState, error) {
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

func (e *ContainerExecutor) AddVolume(ctx context.Context, state *BatchState, name string, volType VolumeType) (*BatchState, error) {
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

func (e *ContainerExecutor) AddFile(ctx context.Context, state *BatchState, volume, name string, data []byte) (*BatchState, error) {
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

// containerVolumeRoot is where each host volume directory is bind-mounted
// inside the container, matching the relative layout LaunchArg.Resolve
// assumes for the sandbox root.
const containerVolumeRoot = "/trac/batch"

func (e *ContainerExecutor) SubmitBatch(ctx context.Context, state *BatchState, cfg LaunchConfig) (*BatchState, error) {
	args := make([]string, 0, len(cfg.Args))
	for i, a := range cfg.Args {
		resolved, err := a.Resolve(state)
		if err != nil {
			return nil, errs.Wrap(errs.ExecutorValidation, err, "resolving launch arg %d", i)
		}
		args = append(args, containerPath(state, resolved))
	}
	if len(args) == 0 {
		return nil, errs.New(errs.ExecutorValidation, "launch config has no arguments")
	}

	dockerArgs := []string{"run", "-d", "--rm"}
	for name, vol := range state.Volumes {
		dockerArgs = append(dockerArgs, "-v",
			fmt.Sprintf("%s:%s/%s", vol.Path, containerVolumeRoot, name))
	}
	if e.Features().Has(FeatureExposePort) {
		dockerArgs = append(dockerArgs, "-P")
	}
	for k, v := range cfg.Env {
		dockerArgs = append(dockerArgs, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	dockerArgs = append(dockerArgs, e.Image)
	dockerArgs = append(dockerArgs, args...)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", dockerArgs...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errs.Wrap(errs.ExecutorFailure, err, "docker run failed for batch %q: %s", state.BatchKey, stderr.String())
	}

	containerID := strings.TrimSpace(stdout.String())
	e.mu.Lock()
	e.containers[state.BatchKey] = containerID
	e.mu.Unlock()

	state.Extra["container_id"] = containerID
	state.Status = StatusRunning

	if cfg.StdoutFile != "" || cfg.StderrFile != "" {
		go e.tailLogs(state, cfg, containerID)
	}

	return state, nil
}

// tailLogs streams `docker logs -f` into the configured output files, since
// a container's stdout/stderr aren't directly attached to this process the
// way LocalExecutor's are.
func (e *ContainerExecutor) tailLogs(state *BatchState, cfg LaunchConfig, containerID string) {
	vol, ok := state.Volumes[cfg.OutputVolume]
	if !ok {
		return
	}

	var stdoutFile, stderrFile *os.File
	if cfg.StdoutFile != "" {
		stdoutFile, _ = os.Create(filepath.Join(vol.Path, filepath.Clean("/"+cfg.StdoutFile)))
		defer stdoutFile.Close()
	}
	if cfg.StderrFile != "" {
		stderrFile, _ = os.Create(filepath.Join(vol.Path, filepath.Clean("/"+cfg.StderrFile)))
		defer stderrFile.Close()
	}

	cmd := exec.Command("docker", "logs", "-f", containerID)
	if stdoutFile != nil {
		cmd.Stdout = stdoutFile
	}
	if stderrFile != nil {
		cmd.Stderr = stderrFile
	}
	_ = cmd.Run()
}

func containerPath(state *BatchState, resolved string) string {
	for name, vol := range state.Volumes {
		if strings.HasPrefix(resolved, vol.Path) {
			rel := strings.TrimPrefix(resolved, vol.Path)
			return containerVolumeRoot + "/" + name + rel
		}
	}
	return resolved
}

func (e *ContainerExecutor) GetBatchStatus(ctx context.Context, state *BatchState) (BatchStatus, error) {
	containerID, ok := state.Extra["container_id"]
	if !ok {
		return StatusUnknown, nil
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Status}} {{.State.ExitCode}}", containerID)
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		// docker inspect fails once a --rm container has been reaped; treat
		// that as the batch having finished successfully unless a non-zero
		// exit code was already recorded.
		if state.ExitCode != 0 {
			return StatusFailed, nil
		}
		return StatusSucceeded, nil
	}

	fields := strings.Fields(out.String())
	if len(fields) != 2 {
		return StatusUnknown, nil
	}
	switch fields[0] {
	case "running", "created":
		return StatusRunning, nil
	case "exited":
		if fields[1] == "0" {
			return StatusSucceeded, nil
		}
		return StatusFailed, nil
	default:
		return StatusUnknown, nil
	}
}

func (e *ContainerExecutor) HasOutputFile(ctx context.Context, state *BatchState, volume, name string) (bool, error) {
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

func (e *ContainerExecutor) GetOutputFile(ctx context.Context, state *BatchState, volume, name string) ([]byte, error) {
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

func (e *ContainerExecutor) GetBatchAddress(ctx context.Context, state *BatchState) (string, error) {
	containerID, ok := state.Extra["container_id"]
	if !ok {
		return "", errs.New(errs.ExecutorFailure, "batch %q has no container", state.BatchKey)
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", "inspect", "-f",
		"{{range $p, $conf := .NetworkSettings.Ports}}{{if $conf}}{{(index $conf 0).HostPort}}{{end}}{{end}}", containerID)
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", errs.Wrap(errs.ExecutorFailure, err, "resolving exposed port for batch %q", state.BatchKey)
	}
	port := strings.TrimSpace(out.String())
	if port == "" {
		return "", errs.New(errs.ExecutorFailure, "batch %q has no exposed port bound yet", state.BatchKey)
	}
	return "127.0.0.1:" + port, nil
}

func (e *ContainerExecutor) CancelBatch(ctx context.Context, state *BatchState) (*BatchState, error) {
	containerID, ok := state.Extra["container_id"]
	if !ok {
		return state, errs.New(errs.ExecutorFailure, "batch %q is not tracked by this executor", state.BatchKey)
	}
	if err := exec.CommandContext(ctx, "docker", "stop", containerID).Run(); err != nil {
		return state, errs.Wrap(errs.ExecutorFailure, err, "cancelling batch %q", state.BatchKey)
	}
	state.Status = StatusCancelled
	return state, nil
}

func (e *ContainerExecutor) DeleteBatch(ctx context.Context, state *BatchState, persist bool) error {
	e.mu.Lock()
	containerID, tracked := e.containers[state.BatchKey]
	delete(e.containers, state.BatchKey)
	e.mu.Unlock()

	if tracked && (state.Status == StatusRunning || state.Status == StatusQueued) {
		_ = exec.CommandContext(ctx, "docker", "stop", containerID).Run()
	}

	if persist {
		return nil
	}
	if err := os.RemoveAll(state.SandboxDir); err != nil {
		return fmt.Errorf("removing sandbox for batch %q: %w", state.BatchKey, err)
	}
	return nil
}
