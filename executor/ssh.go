package executor

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"

	"tracdap.evalgo.org/errs"
)

// SSHExecutor launches batch processes on a remote host over SSH, grounded
// on transport/ssh.go's buildSSHConfig/ssh.Dial/ssh.ClientConfig pattern,
// generalized from tunneling a single HTTP transport to driving a full
// remote batch lifecycle: mkdir sandbox, nohup-backgrounded process with a
// pidfile, signal-based cancel.
type SSHExecutor struct {
	Host       string
	Port       int
	User       string
	SigningKey []byte // PEM-encoded private key
	RemoteBase string

	client *ssh.Client
}

// NewSSHExecutor dials the remote host immediately so construction fails
// fast if the target is unreachable.
func NewSSHExecutor(ctx context.Context, host string, port int, user string, signingKey []byte, remoteBase string) (*SSHExecutor, error) {
	signer, err := ssh.ParsePrivateKey(signingKey)
	if err != nil {
		return nil, fmt.Errorf("parse SSH signing key: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint — host key pinning is a deployment-time concern, see SPEC_FULL.md §5
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("dial SSH host %s: %w", addr, err)
	}

	return &SSHExecutor{Host: host, Port: port, User: user, SigningKey: signingKey, RemoteBase: remoteBase, client: client}, nil
}

func (e *SSHExecutor) Name() string { return "ssh" }

func (e *SSHExecutor) Features() FeatureSet {
	return FeatureSet{
		FeatureOutputVolumes:  true,
		FeatureStorageMapping: true,
		FeatureCancellation:   true,
	}
}

func (e *SSHExecutor) run(cmd string) (string, error) {
	session, err := e.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open SSH session: %w", err)
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout
	if err := session.Run(cmd); err != nil {
		return stdout.String(), err
	}
	return stdout.String(), nil
}

func (e *SSHExecutor) CreateBatch(ctx context.Context, batchKey string) (*BatchState, error) {
	sandbox := filepath.Join(e.RemoteBase, batchKey)
	if _, err := e.run(fmt.Sprintf("mkdir -p -m 750 %s", shellQuote(sandbox))); err != nil {
		return nil, errs.Wrap(errs.ExecutorFailure, err, "creating remote sandbox for batch %q", batchKey)
	}
	return &BatchState{
		BatchKey:   batchKey,
		SandboxDir: sandbox,
		Volumes:    make(map[string]Volume),
		Status:     StatusQueued,
		RemoteHost: e.Host,
		Extra:      make(map[string]string),
	}, nil
}

func (e *SSHExecutor) AddVolume(ctx context.Context, state *BatchState, name string, volType VolumeType) (*BatchState, error) {
	if !validVolumeName(name) {
		return nil, errs.New(errs.ExecutorValidation, "invalid volume name %q", name)
	}
	path := filepath.Join(state.SandboxDir, name)
	if _, err := e.run(fmt.Sprintf("mkdir -p -m 750 %s", shellQuote(path))); err != nil {
		return nil, errs.Wrap(errs.ExecutorFailure, err, "creating remote volume %q", name)
	}
	state.Volumes[name] = Volume{Name: name, Type: volType, Path: path}
	return state, nil
}

func (e *SSHExecutor) AddFile(ctx context.Context, state *BatchState, volume, name string, data []byte) (*BatchState, error) {
	if state.Status != StatusQueued {
		return nil, errs.New(errs.ExecutorValidation, "cannot add file %q: batch %q is already running", name, state.BatchKey)
	}
	vol, ok := state.Volumes[volume]
	if !ok {
		return nil, errs.New(errs.ExecutorValidation, "unknown volume %q", volume)
	}

	session, err := e.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open SSH session: %w", err)
	}
	defer session.Close()

	path := filepath.Join(vol.Path, filepath.Clean("/"+name))
	session.Stdin = bytes.NewReader(data)
	if err := session.Run(fmt.Sprintf("cat > %s", shellQuote(path))); err != nil {
		return nil, errs.Wrap(errs.ExecutorFailure, err, "writing remote file %q", name)
	}
	return state, nil
}

func (e *SSHExecutor) SubmitBatch(ctx context.Context, state *BatchState, cfg LaunchConfig) (*BatchState, error) {
	args := make([]string, 0, len(cfg.Args))
	for i, a := range cfg.Args {
		resolved, err := a.Resolve(state)
		if err != nil {
			return nil, errs.Wrap(errs.ExecutorValidation, err, "resolving launch arg %d", i)
		}
		args = append(args, shellQuote(resolved))
	}
	if len(args) == 0 {
		return nil, errs.New(errs.ExecutorValidation, "launch config has no arguments")
	}

	pidFile := filepath.Join(state.SandboxDir, ".batch.pid")
	exitFile := filepath.Join(state.SandboxDir, ".batch.exit")
	redirect := "> /dev/null 2>&1"
	if cfg.StdoutFile != "" || cfg.StderrFile != "" {
		vol := state.Volumes[cfg.OutputVolume]
		stdout, stderr := "/dev/null", "/dev/null"
		if cfg.StdoutFile != "" {
			stdout = filepath.Join(vol.Path, cfg.StdoutFile)
		}
		if cfg.StderrFile != "" {
			stderr = filepath.Join(vol.Path, cfg.StderrFile)
		}
		redirect = fmt.Sprintf("> %s 2> %s", shellQuote(stdout), shellQuote(stderr))
	}

	// The exit code is recorded to exitFile by the backgrounded shell itself
	// rather than reaped with `wait` later: a later SSH session's shell has
	// no child relationship to this PID, so `wait` on it would never see the
	// real status (see GetBatchStatus). The inner command is wrapped in a
	// double-quoted sh -c argument, not single-quoted, since args/redirect
	// are already single-quoted by shellQuote and nesting would otherwise
	// terminate early; $? is backslash-escaped so the outer shell leaves it
	// for the inner sh to expand once args has actually exited.
	cmd := fmt.Sprintf(`cd %s && nohup sh -c "%s %s; echo \$? > %s" < /dev/null & echo $! > %s`,
		shellQuote(state.SandboxDir), strings.Join(args, " "), redirect, shellQuote(exitFile), shellQuote(pidFile))

	if _, err := e.run(cmd); err != nil {
		return nil, errs.Wrap(errs.ExecutorFailure, err, "submitting remote batch %q", state.BatchKey)
	}

	pidOut, err := e.run(fmt.Sprintf("cat %s", shellQuote(pidFile)))
	if err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(pidOut)); err == nil {
			state.PID = pid
		}
	}

	state.Status = StatusRunning
	state.Extra["pidfile"] = pidFile
	return state, nil
}

func (e *SSHExecutor) GetBatchStatus(ctx context.Context, state *BatchState) (BatchStatus, error) {
	if state.Status != StatusRunning || state.PID == 0 {
		return state.Status, nil
	}

	out, err := e.run(fmt.Sprintf("kill -0 %d 2>/dev/null && echo alive || echo dead", state.PID))
	if err != nil {
		return StatusUnknown, nil
	}
	if strings.TrimSpace(out) == "alive" {
		return StatusRunning, nil
	}

	exitFile := filepath.Join(state.SandboxDir, ".batch.exit")
	exitOut, err := e.run(fmt.Sprintf("cat %s 2>/dev/null", shellQuote(exitFile)))
	if err != nil || strings.TrimSpace(exitOut) == "" {
		// The process is gone but hasn't finished writing its exit file yet;
		// report unknown rather than guessing so the caller polls again.
		return StatusUnknown, nil
	}
	code, convErr := strconv.Atoi(strings.TrimSpace(exitOut))
	if convErr != nil {
		return StatusUnknown, nil
	}
	state.ExitCode = code
	if code == 0 {
		return StatusSucceeded, nil
	}
	return StatusFailed, nil
}

func (e *SSHExecutor) HasOutputFile(ctx context.Context, state *BatchState, volume, name string) (bool, error) {
	vol, ok := state.Volumes[volume]
	if !ok {
		return false, errs.New(errs.ExecutorValidation, "unknown volume %q", volume)
	}
	path := filepath.Join(vol.Path, filepath.Clean("/"+name))
	_, err := e.run(fmt.Sprintf("test -f %s", shellQuote(path)))
	return err == nil, nil
}

func (e *SSHExecutor) GetOutputFile(ctx context.Context, state *BatchState, volume, name string) ([]byte, error) {
	vol, ok := state.Volumes[volume]
	if !ok {
		return nil, errs.New(errs.ExecutorValidation, "unknown volume %q", volume)
	}
	path := filepath.Join(vol.Path, filepath.Clean("/"+name))

	session, err := e.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open SSH session: %w", err)
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout
	if err := session.Run(fmt.Sprintf("cat %s", shellQuote(path))); err != nil {
		return nil, errs.Wrap(errs.NotFound, err, "output file %q not found", name)
	}
	return stdout.Bytes(), nil
}

func (e *SSHExecutor) GetBatchAddress(ctx context.Context, state *BatchState) (string, error) {
	return "", errs.New(errs.ExecutorValidation, "executor %q does not advertise EXPOSE_PORT", e.Name())
}

func (e *SSHExecutor) CancelBatch(ctx context.Context, state *BatchState) (*BatchState, error) {
	if state.PID == 0 {
		return state, errs.New(errs.ExecutorFailure, "batch %q has no tracked PID", state.BatchKey)
	}
	if _, err := e.run(fmt.Sprintf("kill %d", state.PID)); err != nil {
		return state, errs.Wrap(errs.ExecutorFailure, err, "cancelling batch %q", state.BatchKey)
	}
	state.Status = StatusCancelled
	return state, nil
}

func (e *SSHExecutor) DeleteBatch(ctx context.Context, state *BatchState, persist bool) error {
	if state.PID != 0 && (state.Status == StatusRunning || state.Status == StatusQueued) {
		_, _ = e.run(fmt.Sprintf("kill %d", state.PID))
	}
	if persist {
		return nil
	}
	if _, err := e.run(fmt.Sprintf("rm -rf %s", shellQuote(state.SandboxDir))); err != nil {
		return fmt.Errorf("removing remote sandbox for batch %q: %w", state.BatchKey, err)
	}
	return nil
}

// Close releases the underlying SSH connection.
func (e *SSHExecutor) Close() error { return e.client.Close() }

// shellQuote wraps path in single quotes for safe inclusion in a remote
// shell command, escaping any embedded single quote.
func shellQuote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}
