package shell

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerConfig configures the container executor used for sandboxed runs.
type DockerConfig struct {
	Image       string `yaml:"image"`
	MemoryMB    int64  `yaml:"memory_mb"`
	NetworkMode string `yaml:"network_mode"`
	Workspace   string `yaml:"workspace"`
}

// DockerExecutor runs each command in a fresh, resource-limited container.
type DockerExecutor struct {
	client *client.Client
	cfg    DockerConfig
}

func NewDockerExecutor(cfg DockerConfig) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = "alpine:3.20"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 256
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "none"
	}
	return &DockerExecutor{client: cli, cfg: cfg}, nil
}

func (d *DockerExecutor) Exec(ctx context.Context, cmd, workDir string) (string, string, int, error) {
	hostCfg := &container.HostConfig{
		Resources:      container.Resources{Memory: d.cfg.MemoryMB * 1024 * 1024},
		NetworkMode:    container.NetworkMode(d.cfg.NetworkMode),
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,size=64m"},
	}
	containerDir := ""
	if d.cfg.Workspace != "" {
		hostCfg.Binds = []string{fmt.Sprintf("%s:/workspace", d.cfg.Workspace)}
		containerDir = "/workspace"
		if workDir != "" {
			containerDir = "/workspace/" + workDir
		}
	}
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.cfg.Image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: containerDir,
	}, hostCfg, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	defer func() {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	var exitCode int
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return "", "", -1, ctx.Err()
		}
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.WithoutCancel(ctx), id, "SIGKILL")
		return "", "", -1, ctx.Err()
	}

	logs, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()
	var outBuf, errBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&outBuf, &errBuf, logs)
	return outBuf.String(), errBuf.String(), exitCode, nil
}

func (d *DockerExecutor) Close() error {
	return d.client.Close()
}
