package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "python:3.12-slim"

	dockerGuestHome  = "/tmp"
	dockerAPITimeout = 10 * time.Second
)

// dockerAPI is the subset of the Docker client used by the runtime.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerConfig configures the Docker-based runtime.
type DockerConfig struct {
	Image          string  // Image providing python3 (e.g. "python:3.12-slim").
	CPUCores       float64 // CPU rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int64   // Prevents fork bombs.
	NetworkAllowed bool    // false = no network stack at all.
	PullImage      bool    // Pull the image before the first launch.
}

// DockerRuntime runs each guest in an ephemeral container.
//
// Security guarantees:
//   - Each guest gets its own container, force-removed on Close
//   - ALL Linux capabilities dropped
//   - Read-only root filesystem with a small tmpfs as cwd and HOME
//   - Privilege escalation blocked (no-new-privileges)
//   - Non-root user (65534:65534)
//   - Network disabled by default
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit and CPU rate limit
type DockerRuntime struct {
	cli    dockerAPI
	config DockerConfig
	logger *slog.Logger

	pullOnce sync.Once
	pullErr  error
}

// NewDockerRuntime connects to the Docker daemon from the environment
// (DOCKER_HOST etc.).
func NewDockerRuntime(cfg DockerConfig, logger *slog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: docker client: %v", ErrRuntimeUnavailable, err)
	}
	return newDockerRuntime(cli, cfg, logger), nil
}

func newDockerRuntime(cli dockerAPI, cfg DockerConfig, logger *slog.Logger) *DockerRuntime {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerRuntime{cli: cli, config: cfg, logger: logger}
}

func (r *DockerRuntime) Name() string { return "docker" }

// Available pings the daemon.
func (r *DockerRuntime) Available(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dockerAPITimeout)
	defer cancel()
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: docker daemon: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

func (r *DockerRuntime) pullImage(ctx context.Context) error {
	r.pullOnce.Do(func() {
		reader, err := r.cli.ImagePull(ctx, r.config.Image, image.PullOptions{})
		if err != nil {
			r.pullErr = fmt.Errorf("pull image %s: %w", r.config.Image, err)
			return
		}
		defer reader.Close()
		if _, err := io.Copy(io.Discard, reader); err != nil {
			r.pullErr = fmt.Errorf("consume pull output for %s: %w", r.config.Image, err)
		}
	})
	return r.pullErr
}

// Launch creates, attaches and starts a container running the bootstrap.
func (r *DockerRuntime) Launch(ctx context.Context, spec LaunchSpec) (Guest, error) {
	if r.config.PullImage {
		if err := r.pullImage(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
		}
	}

	limits := spec.Limits.withDefaults()
	name, err := containerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	networkMode := container.NetworkMode("none")
	if r.config.NetworkAllowed {
		networkMode = "bridge"
	}

	resp, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        r.config.Image,
			Cmd:          guestArgs("python3"),
			Env:          buildEnv(dockerGuestHome, dockerGuestHome),
			WorkingDir:   dockerGuestHome,
			User:         "65534:65534",
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			OpenStdin:    true,
			StdinOnce:    true,
			Labels:       map[string]string{"runbox.execution": spec.ID},
		},
		&container.HostConfig{
			CapDrop:        []string{"ALL"},
			SecurityOpt:    []string{"no-new-privileges"},
			ReadonlyRootfs: true,
			NetworkMode:    networkMode,
			Tmpfs:          map[string]string{dockerGuestHome: "rw,noexec,nosuid,size=64m"},
			Resources: container.Resources{
				Memory:     limits.MemoryBytes,
				MemorySwap: limits.MemoryBytes,
				NanoCPUs:   int64(r.config.CPUCores * 1e9),
				PidsLimit:  &r.config.PIDsLimit,
			},
		},
		nil, nil, name,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create container: %v", ErrRuntimeUnavailable, err)
	}

	g := &dockerGuest{cli: r.cli, id: resp.ID, logger: r.logger, waitDone: make(chan struct{})}

	attach, err := r.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("attach container: %w", err)
	}
	g.attach = attach

	// Wait must be registered before start so a fast exit is not missed.
	waitCh, errCh := r.cli.ContainerWait(context.Background(), resp.ID, container.WaitConditionNextExit)

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		g.Close()
		return nil, fmt.Errorf("%w: start container: %v", ErrRuntimeUnavailable, err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	g.stdout, g.stderr = stdoutR, stderrR
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()
	go g.awaitExit(waitCh, errCh)

	r.logger.Debug("guest container started",
		slog.String("execution_id", spec.ID),
		slog.String("container", name),
		slog.String("image", r.config.Image),
		slog.Int64("memory_bytes", limits.MemoryBytes),
		slog.Float64("cpu_cores", r.config.CPUCores),
	)
	return g, nil
}

// containerName returns a unique container name: runbox-<16 hex chars>.
func containerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "runbox-" + hex.EncodeToString(b), nil
}

type dockerGuest struct {
	cli    dockerAPI
	id     string
	logger *slog.Logger

	attach types.HijackedResponse
	stdout io.Reader
	stderr io.Reader

	waitDone chan struct{}
	exit     Exit
	waitErr  error

	closeOnce sync.Once
}

func (g *dockerGuest) Stdin() io.WriteCloser { return attachStdin{g.attach} }
func (g *dockerGuest) Stdout() io.Reader     { return g.stdout }
func (g *dockerGuest) Stderr() io.Reader     { return g.stderr }

func (g *dockerGuest) awaitExit(waitCh <-chan container.WaitResponse, errCh <-chan error) {
	defer close(g.waitDone)
	select {
	case status := <-waitCh:
		if status.Error != nil && status.Error.Message != "" {
			g.waitErr = fmt.Errorf("container wait: %s", status.Error.Message)
			return
		}
		g.exit = Exit{Code: int(status.StatusCode)}
	case err := <-errCh:
		g.waitErr = fmt.Errorf("container wait: %w", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dockerAPITimeout)
	defer cancel()
	inspect, err := g.cli.ContainerInspect(ctx, g.id)
	if err != nil {
		g.logger.Warn("inspect container failed",
			slog.String("container", g.id),
			slog.String("error", err.Error()),
		)
		return
	}
	if inspect.ContainerJSONBase != nil && inspect.State != nil && inspect.State.OOMKilled {
		g.exit.OOMKilled = true
	}
}

// Wait returns the container exit. Docker reports signals as 128+n exit
// codes, so Signaled is never set here.
func (g *dockerGuest) Wait() (Exit, error) {
	<-g.waitDone
	return g.exit, g.waitErr
}

func (g *dockerGuest) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), dockerAPITimeout)
	defer cancel()
	return g.cli.ContainerKill(ctx, g.id, "SIGKILL")
}

// MemoryUsage is not sampled: the container's cgroup limit enforces the
// ceiling and Wait reports OOMKilled.
func (g *dockerGuest) MemoryUsage() (uint64, error) {
	return 0, ErrMemoryUnsupported
}

func (g *dockerGuest) Close() error {
	g.closeOnce.Do(func() {
		if g.attach.Conn != nil {
			g.attach.Close()
		}
		ctx, cancel := context.WithTimeout(context.Background(), dockerAPITimeout)
		defer cancel()
		err := g.cli.ContainerRemove(ctx, g.id, container.RemoveOptions{Force: true})
		if err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Warn("container remove failed",
				slog.String("container", g.id),
				slog.String("error", err.Error()),
			)
		}
	})
	return nil
}

// attachStdin half-closes the hijacked connection so the guest sees EOF
// while its output keeps streaming.
type attachStdin struct {
	resp types.HijackedResponse
}

func (s attachStdin) Write(p []byte) (int, error) {
	if s.resp.Conn == nil {
		return 0, io.ErrClosedPipe
	}
	return s.resp.Conn.Write(p)
}

func (s attachStdin) Close() error {
	if s.resp.Conn == nil {
		return nil
	}
	return s.resp.CloseWrite()
}
