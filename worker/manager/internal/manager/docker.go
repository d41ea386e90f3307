package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// execPollInterval paces the wait for an exec'd process to finish.
const execPollInterval = 100 * time.Millisecond

// Runtime wraps the Docker engine API with the retry policy every manager
// call shares: transient daemon and registry hiccups are retried with a
// linearly growing pause before an operation is declared failed.
type Runtime struct {
	log *slog.Logger
	cli *client.Client

	retries  int
	interval time.Duration
}

// NewRuntime connects to the Docker daemon on the configured socket and
// verifies it responds before returning.
func NewRuntime(ctx context.Context, log *slog.Logger, cfg Config) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+cfg.DockerSocket),
		client.WithAPIVersionNegotiation(),
		client.WithTimeout(cfg.DockerTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	rt := &Runtime{
		log:      log,
		cli:      cli,
		retries:  cfg.DockerRetries,
		interval: cfg.DockerRetryInterval,
	}
	if err := rt.withRetry(ctx, "ping", func() error {
		_, err := cli.Ping(ctx)
		return err
	}); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to reach docker daemon on %s: %w", cfg.DockerSocket, err)
	}
	log.Debug("connected to docker daemon", "socket", cfg.DockerSocket)
	return rt, nil
}

// Close releases the underlying client connection.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

// withRetry runs fn up to retries+1 times, pausing interval x attempt
// between attempts. Registry 404s are retried like any other failure: the
// hub occasionally serves them for images that exist.
func (r *Runtime) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt > r.retries || ctx.Err() != nil {
			return lastErr
		}
		r.log.Warn("docker call failed, retrying", "op", op, "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.interval * time.Duration(attempt)):
		}
	}
}

// EnsureImage makes an image available locally. Tagged references are always
// pulled so long-lived workers pick up re-pushed tags; bare names are only
// looked up locally.
func (r *Runtime) EnsureImage(ctx context.Context, name string) error {
	if !strings.Contains(name, ":") {
		return r.withRetry(ctx, "image lookup", func() error {
			summaries, err := r.cli.ImageList(ctx, image.ListOptions{
				Filters: filters.NewArgs(filters.Arg("reference", name)),
			})
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				return fmt.Errorf("image %q not found locally", name)
			}
			return nil
		})
	}

	return r.withRetry(ctx, "image pull", func() error {
		reader, err := r.cli.ImagePull(ctx, name, image.PullOptions{})
		if err != nil {
			return err
		}
		defer reader.Close()
		// The pull only completes once the progress stream is drained.
		_, err = io.Copy(io.Discard, reader)
		return err
	})
}

// StartContainer ensures the image is present, then creates and starts a
// container under the given name, returning its ID.
func (r *Runtime) StartContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig) (string, error) {
	if err := r.EnsureImage(ctx, cfg.Image); err != nil {
		return "", fmt.Errorf("failed to ensure image %q: %w", cfg.Image, err)
	}

	var id string
	err := r.withRetry(ctx, "container create", func() error {
		resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
		if err != nil {
			return err
		}
		id = resp.ID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to create container %q: %w", name, err)
	}

	if err := r.withRetry(ctx, "container start", func() error {
		return r.cli.ContainerStart(ctx, id, container.StartOptions{})
	}); err != nil {
		return "", fmt.Errorf("failed to start container %q: %w", name, err)
	}
	return id, nil
}

// WaitContainer blocks until the container stops running and returns its
// exit code.
func (r *Runtime) WaitContainer(ctx context.Context, id string) (int64, error) {
	waitCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, err
	case resp := <-waitCh:
		if resp.Error != nil {
			return resp.StatusCode, errors.New(resp.Error.Message)
		}
		return resp.StatusCode, nil
	}
}

// RemoveContainer force-removes a container by name or ID. A container that
// is already gone is not an error.
func (r *Runtime) RemoveContainer(ctx context.Context, name string) error {
	return r.withRetry(ctx, "container remove", func() error {
		err := r.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			return err
		}
		return nil
	})
}

// Exec runs cmd inside a running container and returns its stdout. A
// non-zero exit status is an error carrying the command's stderr.
func (r *Runtime) Exec(ctx context.Context, containerName string, cmd []string) ([]byte, error) {
	var output []byte
	err := r.withRetry(ctx, "exec", func() error {
		out, err := r.exec(ctx, containerName, cmd)
		output = out
		return err
	})
	return output, err
}

func (r *Runtime) exec(ctx context.Context, containerName string, cmd []string) ([]byte, error) {
	resp, err := r.cli.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("container exec create: %w", err)
	}

	hijack, err := r.cli.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("container exec attach: %w", err)
	}
	defer hijack.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, hijack.Reader); err != nil {
		return nil, fmt.Errorf("container exec output: %w", err)
	}

	// The exit code is only reported once the process is gone.
	for {
		inspect, err := r.cli.ContainerExecInspect(ctx, resp.ID)
		if err != nil {
			return nil, fmt.Errorf("container exec inspect: %w", err)
		}
		if !inspect.Running {
			if inspect.ExitCode != 0 {
				return nil, fmt.Errorf("command %q exited with status %d: %s",
					strings.Join(cmd, " "), inspect.ExitCode, strings.TrimSpace(stderr.String()))
			}
			return stdout.Bytes(), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(execPollInterval):
		}
	}
}

// HostMounts inspects a container and maps each requested in-container
// destination to its host source path. Destinations without a matching bind
// are absent from the result.
func (r *Runtime) HostMounts(ctx context.Context, containerName string, destinations []string) (map[string]string, error) {
	wanted := make(map[string]struct{}, len(destinations))
	for _, dest := range destinations {
		wanted[dest] = struct{}{}
	}

	mounts := make(map[string]string)
	err := r.withRetry(ctx, "container inspect", func() error {
		info, err := r.cli.ContainerInspect(ctx, containerName)
		if err != nil {
			return err
		}
		for _, m := range info.Mounts {
			if _, ok := wanted[m.Destination]; ok {
				mounts[m.Destination] = m.Source
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %q: %w", containerName, err)
	}
	return mounts, nil
}
