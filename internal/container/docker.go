package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
	"github.com/shehryarbajwa/rentrig/internal/workspace"
)

const managedBy = "rentrig"

// DockerOptions configures the connection to the Docker engine. The engine
// address itself comes from DOCKER_HOST.
type DockerOptions struct {
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
	// StopTimeout is the grace period given to a container before it is killed.
	StopTimeout time.Duration
}

// DockerEngine implements Engine against a Docker daemon
type DockerEngine struct {
	client      *client.Client
	stopTimeout time.Duration
	logger      *zerolog.Logger
}

var _ Engine = (*DockerEngine)(nil)

// NewDockerEngine connects to the Docker engine described by the environment
func NewDockerEngine(opts DockerOptions, logger *zerolog.Logger) (*DockerEngine, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}

	if opts.TLSCAFile != "" || opts.TLSCertFile != "" || opts.TLSKeyFile != "" {
		tlsCfg, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:   opts.TLSCAFile,
			CertFile: opts.TLSCertFile,
			KeyFile:  opts.TLSKeyFile,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load docker tls config: %w", err)
		}
		clientOpts = append(clientOpts, client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}

	return &DockerEngine{
		client:      cli,
		stopTimeout: stopTimeout,
		logger:      logger,
	}, nil
}

// BuildImage sends contextDir as a tar build context and waits for the build
// to finish. Engine errors reported inside the build stream are returned with
// the build log attached.
func (e *DockerEngine) BuildImage(ctx context.Context, contextDir, tag string) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(workspace.TarDirectory(contextDir, pw))
	}()
	defer pr.Close()

	resp, err := e.client.ImageBuild(ctx, pr, build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{"managed-by": managedBy},
	})
	if err != nil {
		return apperr.New(apperr.CodeBuild, "container.build", fmt.Sprintf("failed to start build of %s", tag), err)
	}
	defer resp.Body.Close()

	var buildLog bytes.Buffer
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, &buildLog, 0, false, nil); err != nil {
		return apperr.New(apperr.CodeBuild, "container.build",
			fmt.Sprintf("docker build of %s failed: %s", tag, tail(buildLog.String(), 2048)), err)
	}

	e.logger.Info().Str("image", tag).Msg("image built")
	return nil
}

// RunAndCapture creates a hardened container from tag, starts it and follows
// its logs. The returned Run yields stdout and stderr interleaved.
func (e *DockerEngine) RunAndCapture(ctx context.Context, tag string, opts RunOptions) (*Run, error) {
	containerConfig := &container.Config{
		Image:           tag,
		Tty:             false,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: opts.NetworkDisabled,
		Labels: map[string]string{
			"session-id": opts.SessionID,
			"managed-by": managedBy,
		},
	}

	hostConfig := &container.HostConfig{
		AutoRemove:  false,
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
	}
	if opts.NetworkDisabled {
		hostConfig.NetworkMode = "none"
	}
	if opts.MemoryLimitMB > 0 {
		hostConfig.Resources.Memory = opts.MemoryLimitMB * 1024 * 1024
		hostConfig.Resources.MemorySwap = hostConfig.Resources.Memory
	}
	if opts.PidsLimit > 0 {
		pids := opts.PidsLimit
		hostConfig.Resources.PidsLimit = &pids
	}
	if opts.NanoCPUs > 0 {
		hostConfig.Resources.NanoCPUs = opts.NanoCPUs
	}

	name := fmt.Sprintf("%s-%s", tag, uuid.New().String()[:8])
	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, apperr.New(apperr.CodeRun, "container.run", "failed to create container", err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		e.removeQuietly(resp.ID)
		return nil, apperr.New(apperr.CodeRun, "container.run", "failed to start container", err)
	}

	logs, err := e.client.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		e.removeQuietly(resp.ID)
		return nil, apperr.New(apperr.CodeRun, "container.run", "failed to attach to container logs", err)
	}

	// Non-tty logs are multiplexed; fold both streams into one pipe.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, logs)
		logs.Close()
		pw.CloseWithError(err)
	}()

	e.logger.Debug().Str("image", tag).Str("container", resp.ID[:12]).Msg("container started")
	return NewRun(resp.ID, &demuxedLogs{PipeReader: pr, logs: logs}), nil
}

// Wait blocks until the container is no longer running
func (e *DockerEngine) Wait(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, apperr.Newf(apperr.CodeRun, "container.wait", "container wait failed: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, apperr.New(apperr.CodeRun, "container.wait", "failed to wait for container", err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// CopyFrom extracts srcPath from the container below dst. The archive's top
// level entry is the base name of srcPath.
func (e *DockerEngine) CopyFrom(ctx context.Context, containerID, srcPath, dst string) error {
	reader, _, err := e.client.CopyFromContainer(ctx, containerID, srcPath)
	if err != nil {
		return apperr.New(apperr.CodeIO, "container.copy", fmt.Sprintf("failed to copy %s from container", srcPath), err)
	}
	defer reader.Close()

	if err := workspace.Extract(reader, dst); err != nil {
		return apperr.New(apperr.CodeIO, "container.copy", "failed to extract container output", err)
	}
	return nil
}

// Stop stops a container, killing it after the configured grace period
func (e *DockerEngine) Stop(ctx context.Context, containerID string) error {
	timeout := int(e.stopTimeout.Seconds())
	if err := e.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container
func (e *DockerEngine) RemoveContainer(ctx context.Context, containerID string) error {
	if err := e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// RemoveImage deletes a session image and its dangling parents
func (e *DockerEngine) RemoveImage(ctx context.Context, tag string) error {
	if _, err := e.client.ImageRemove(ctx, tag, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
		return fmt.Errorf("failed to remove image %s: %w", tag, err)
	}
	return nil
}

// EnsureImage pulls ref unless it is already present locally
func (e *DockerEngine) EnsureImage(ctx context.Context, ref string) error {
	images, err := e.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, t := range img.RepoTags {
			if t == ref {
				return nil
			}
		}
	}

	e.logger.Info().Str("image", ref).Msg("pulling image")
	reader, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Ping checks that the engine is reachable
func (e *DockerEngine) Ping(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

// Close releases the engine connection
func (e *DockerEngine) Close() error {
	return e.client.Close()
}

func (e *DockerEngine) removeQuietly(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.RemoveContainer(ctx, containerID); err != nil {
		e.logger.Warn().Err(err).Str("container", containerID).Msg("failed to remove container")
	}
}

// demuxedLogs closes the raw log stream along with the pipe so the copier
// goroutine exits when a reader gives up early.
type demuxedLogs struct {
	*io.PipeReader
	logs io.Closer
}

func (d *demuxedLogs) Close() error {
	d.logs.Close()
	return d.PipeReader.Close()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
