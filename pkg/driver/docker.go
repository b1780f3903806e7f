package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/strslice"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"

	"github.com/matrx/orchestrator/pkg/log"
)

// ErrNotFound is returned when the daemon has no container for the
// given handle.
var ErrNotFound = errors.New("container not found")

// Label keys attached to every sandbox container; the reconciler
// filters the daemon's container list by LabelSandboxID.
const (
	LabelSandboxID = "matrx.sandbox_id"
	LabelUserID    = "matrx.user_id"
	LabelCreatedAt = "matrx.created_at"
)

const (
	cpuPeriod = 100000
	sshPort   = nat.Port("22/tcp")
)

// RunSpec describes the container to launch for one sandbox
type RunSpec struct {
	Name        string
	Image       string
	Env         []string
	Labels      map[string]string
	CPULimit    float64
	MemoryLimit string
	Network     string
}

// ContainerState is the subset of inspect output the orchestrator needs
type ContainerState struct {
	Status      string
	Running     bool
	SSHHostPort int
}

// ExecSpec describes a synchronous in-container execution
type ExecSpec struct {
	Argv       []string
	User       string
	WorkingDir string
}

// Runtime is the container runtime contract the lifecycle manager and
// reconciler depend on. Satisfied by DockerDriver; tests substitute
// fakes.
type Runtime interface {
	Run(ctx context.Context, spec RunSpec) (string, error)
	Inspect(ctx context.Context, nameOrID string) (ContainerState, error)
	Exec(ctx context.Context, nameOrID string, spec ExecSpec) (int, string, string, error)
	Stop(ctx context.Context, nameOrID string, grace time.Duration) error
	Kill(ctx context.Context, nameOrID string) error
	Remove(ctx context.Context, nameOrID string, force bool) error
	Logs(ctx context.Context, nameOrID string, tail int) (string, string, error)
	Stats(ctx context.Context, nameOrID string) (map[string]any, error)
	ListIDsWithLabel(ctx context.Context, key, value string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// DockerDriver wraps the Docker daemon. One instance per process: the
// underlying client holds a single connection reused across all calls.
type DockerDriver struct {
	cli *docker.Client
}

// NewDockerDriver creates the daemon client from the environment
// (DOCKER_HOST et al).
func NewDockerDriver() (*DockerDriver, error) {
	cli, err := docker.NewClientWithOpts(docker.FromEnv, docker.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerDriver{cli: cli}, nil
}

// Close closes the daemon connection. Called at process shutdown.
func (d *DockerDriver) Close() error {
	if d.cli != nil {
		return d.cli.Close()
	}
	return nil
}

// Ping verifies the daemon is reachable
func (d *DockerDriver) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to docker daemon: %w", err)
	}
	return nil
}

// Run creates and starts a container per the spec and returns the
// runtime-assigned container ID. The container gets cgroup CPU/memory
// limits, SYS_ADMIN plus /dev/fuse for the in-container filesystem,
// a dynamic host port bound to 22/tcp, and no restart policy.
func (d *DockerDriver) Run(ctx context.Context, spec RunSpec) (string, error) {
	memBytes, err := units.RAMInBytes(spec.MemoryLimit)
	if err != nil {
		return "", fmt.Errorf("invalid memory limit %q: %w", spec.MemoryLimit, err)
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
		ExposedPorts: nat.PortSet{
			sshPort: struct{}{},
		},
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			CPUPeriod: cpuPeriod,
			CPUQuota:  int64(spec.CPULimit * cpuPeriod),
			Memory:    memBytes,
			Devices: []container.DeviceMapping{
				{PathOnHost: "/dev/fuse", PathInContainer: "/dev/fuse", CgroupPermissions: "rwm"},
			},
		},
		CapAdd:  strslice.StrSlice{"SYS_ADMIN"},
		CapDrop: strslice.StrSlice{"NET_RAW"},
		PortBindings: nat.PortMap{
			sshPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
		NetworkMode:   container.NetworkMode(spec.Network),
		ExtraHosts:    []string{"host.docker.internal:host-gateway"},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", wrapDockerErr("failed to create container", err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return created.ID, wrapDockerErr("failed to start container", err)
	}

	logger := log.WithComponent("driver")

	logger.Debug().
		Str("container_id", created.ID).
		Str("name", spec.Name).
		Msg("container started")

	return created.ID, nil
}

// Inspect refreshes the daemon's view of the container
func (d *DockerDriver) Inspect(ctx context.Context, nameOrID string) (ContainerState, error) {
	info, err := d.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return ContainerState{}, wrapDockerErr("failed to inspect container", err)
	}

	state := ContainerState{}
	if info.State != nil {
		state.Status = info.State.Status
		state.Running = info.State.Running
	}
	if info.NetworkSettings != nil {
		state.SSHHostPort = hostPortFor(info.NetworkSettings.Ports, sshPort)
	}
	return state, nil
}

// Exec runs a command synchronously and returns (exit code, stdout,
// stderr) with the streams demultiplexed. Output bytes are decoded as
// UTF-8 with replacement for invalid sequences.
func (d *DockerDriver) Exec(ctx context.Context, nameOrID string, spec ExecSpec) (int, string, string, error) {
	created, err := d.cli.ContainerExecCreate(ctx, nameOrID, container.ExecOptions{
		User:         spec.User,
		Cmd:          spec.Argv,
		WorkingDir:   spec.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, "", "", wrapDockerErr("failed to create exec", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return 0, "", "", wrapDockerErr("failed to attach to exec", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return 0, "", "", fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return 0, "", "", wrapDockerErr("failed to inspect exec", err)
	}

	return inspect.ExitCode, decodeUTF8(stdout.Bytes()), decodeUTF8(stderr.Bytes()), nil
}

// Stop sends SIGTERM and waits up to grace before the daemon kills
func (d *DockerDriver) Stop(ctx context.Context, nameOrID string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := d.cli.ContainerStop(ctx, nameOrID, container.StopOptions{Timeout: &secs}); err != nil {
		return wrapDockerErr("failed to stop container", err)
	}
	return nil
}

// Kill sends SIGKILL immediately
func (d *DockerDriver) Kill(ctx context.Context, nameOrID string) error {
	if err := d.cli.ContainerKill(ctx, nameOrID, "SIGKILL"); err != nil {
		return wrapDockerErr("failed to kill container", err)
	}
	return nil
}

// Remove deletes the container from the daemon
func (d *DockerDriver) Remove(ctx context.Context, nameOrID string, force bool) error {
	if err := d.cli.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: force}); err != nil {
		return wrapDockerErr("failed to remove container", err)
	}
	return nil
}

// Logs returns the demultiplexed tail of the container's output
func (d *DockerDriver) Logs(ctx context.Context, nameOrID string, tail int) (string, string, error) {
	rc, err := d.cli.ContainerLogs(ctx, nameOrID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", "", wrapDockerErr("failed to get container logs", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", "", fmt.Errorf("failed to read container logs: %w", err)
	}
	return decodeUTF8(stdout.Bytes()), decodeUTF8(stderr.Bytes()), nil
}

// Stats returns a one-shot sample of the daemon's resource statistics
func (d *DockerDriver) Stats(ctx context.Context, nameOrID string) (map[string]any, error) {
	resp, err := d.cli.ContainerStats(ctx, nameOrID, false)
	if err != nil {
		return nil, wrapDockerErr("failed to get container stats", err)
	}
	defer resp.Body.Close()

	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode container stats: %w", err)
	}
	return stats, nil
}

// ListIDsWithLabel returns the IDs of running containers carrying the
// label. An empty value matches any container with the key.
func (d *DockerDriver) ListIDsWithLabel(ctx context.Context, key, value string) ([]string, error) {
	arg := key
	if value != "" {
		arg = key + "=" + value
	}

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", arg)),
	})
	if err != nil {
		return nil, wrapDockerErr("failed to list containers", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// wrapDockerErr maps daemon not-found responses to ErrNotFound so
// callers can branch without importing the docker client.
func wrapDockerErr(msg string, err error) error {
	if docker.IsErrNotFound(err) {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// hostPortFor extracts the host port the daemon bound to the given
// container port, or 0 when none is assigned yet.
func hostPortFor(ports nat.PortMap, p nat.Port) int {
	for _, binding := range ports[p] {
		if binding.HostPort == "" {
			continue
		}
		if n, err := strconv.Atoi(binding.HostPort); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// decodeUTF8 replaces invalid sequences rather than failing
func decodeUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
