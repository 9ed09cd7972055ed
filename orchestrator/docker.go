package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/hashicorp/go-hclog"

	"github.com/eth2ops/validator-supervisor/supervisor"
)

// ContainerSpec describes the environment, bind mounts, and tmpfs
// mounts a validator container needs, already specialized for one
// implementation and bound beacon node.
type ContainerSpec struct {
	Env   []string
	Binds []string
	Tmpfs []string
}

// ContainerRuntime builds validator images and runs containers from
// them. The Docker adapter is the only implementation; it replaces
// the original supervisor's shelled-out `docker build`/`docker run`.
type ContainerRuntime interface {
	// BuildImage builds (or reuses a cached build of) the image for
	// release, returning its image ID.
	BuildImage(ctx context.Context, release ValidatorRelease, dockerfileDir string) (string, error)

	// NewChild returns a supervisor.Child that runs one container
	// from imageID with spec, under the given container name. The
	// container name acts as an OS-level mutex: a name collision
	// with a still-running container surfaces as a Start error.
	NewChild(imageID, containerName string, spec ContainerSpec) supervisor.Child
}

// DockerRuntime is the concrete ContainerRuntime backed by the Docker
// Engine API.
type DockerRuntime struct {
	cli    *client.Client
	logger hclog.Logger
}

var _ ContainerRuntime = (*DockerRuntime)(nil)

// NewDockerRuntime returns a DockerRuntime talking to the Docker
// daemon reachable via the environment (DOCKER_HOST and friends).
func NewDockerRuntime(logger hclog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("orchestrator: creating docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, logger: logger}, nil
}

// BuildImage implements ContainerRuntime. It tars up dockerfileDir as
// the build context and streams it through the Docker Engine's
// ImageBuild API, the library equivalent of `docker build`.
func (d *DockerRuntime) BuildImage(ctx context.Context, release ValidatorRelease, dockerfileDir string) (string, error) {
	buildCtx, err := tarDirectory(dockerfileDir)
	if err != nil {
		return "", fmt.Errorf("%w: packing build context: %v", ErrBadValidatorRelease, err)
	}

	resp, err := d.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{release.imageTag()},
		BuildArgs:  stringPtrMap(release.buildArgs()),
		PullParent: true,
		Remove:     true,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadValidatorRelease, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return "", fmt.Errorf("%w: reading build output: %v", ErrBadValidatorRelease, err)
	}

	inspect, _, err := d.cli.ImageInspectWithRaw(ctx, release.imageTag())
	if err != nil {
		return "", fmt.Errorf("%w: inspecting built image: %v", ErrBadValidatorRelease, err)
	}
	return inspect.ID, nil
}

// NewChild implements ContainerRuntime.
func (d *DockerRuntime) NewChild(imageID, containerName string, spec ContainerSpec) supervisor.Child {
	return &dockerChild{
		cli:           d.cli,
		logger:        d.logger.Named(containerName),
		imageID:       imageID,
		containerName: containerName,
		spec:          spec,
	}
}

// dockerChild is a supervisor.Child that runs, watches, and
// terminates one Docker container, following the same
// terminate/wait/terminate/wait/kill escalation as
// supervisor.CommandChild but against the Docker Engine API instead
// of OS signals.
type dockerChild struct {
	cli           *client.Client
	logger        hclog.Logger
	imageID       string
	containerName string
	spec          ContainerSpec

	mu          sync.Mutex
	containerID string
	running     bool
	stopCh      chan struct{}
	waitCh      chan error
}

var _ supervisor.Child = (*dockerChild)(nil)

func (c *dockerChild) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return supervisor.ErrAlreadyRunning
	}

	// A leftover container with the same name from a prior crashed
	// run blocks creation; remove it first so the name-as-mutex
	// invariant only blocks a genuinely still-running instance.
	_ = c.cli.ContainerRemove(ctx, c.containerName, container.RemoveOptions{Force: false})

	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{Image: c.imageID, Env: c.spec.Env},
		&container.HostConfig{
			Binds:       c.spec.Binds,
			Tmpfs:       tmpfsMap(c.spec.Tmpfs),
			NetworkMode: "host",
			AutoRemove:  false,
		},
		nil, nil, c.containerName,
	)
	if err != nil {
		return fmt.Errorf("orchestrator: creating container %s: %w", c.containerName, err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("orchestrator: starting container %s: %w", c.containerName, err)
	}

	c.containerID = resp.ID
	c.stopCh = make(chan struct{})
	c.waitCh = make(chan error, 1)
	c.running = true

	go c.waitForExit()
	return nil
}

func (c *dockerChild) waitForExit() {
	statusCh, errCh := c.cli.ContainerWait(context.Background(), c.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		c.waitCh <- err
	case status := <-statusCh:
		if status.StatusCode != 0 {
			c.waitCh <- fmt.Errorf("orchestrator: container %s exited with status %d", c.containerName, status.StatusCode)
			return
		}
		c.waitCh <- nil
	}
}

func (c *dockerChild) Watch(ctx context.Context) error {
	c.mu.Lock()
	waitCh, stopCh, containerID := c.waitCh, c.stopCh, c.containerID
	c.mu.Unlock()

	if waitCh == nil {
		return nil
	}

	var exitErr error
	select {
	case exitErr = <-waitCh:
	case <-stopCh:
		exitErr = c.robustTerminate(containerID, waitCh)
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return exitErr
}

// robustTerminate mirrors supervisor.CommandChild's escalation: SIGTERM,
// wait FirstGracePeriod, SIGTERM again, wait FinalGracePeriod, SIGKILL.
func (c *dockerChild) robustTerminate(containerID string, waitCh chan error) error {
	ctx := context.Background()

	c.sendSignal(ctx, containerID, "SIGTERM")
	select {
	case err := <-waitCh:
		return err
	case <-time.After(supervisor.FirstGracePeriod):
	}

	c.logger.Warn("did not terminate within grace period, retrying SIGTERM", "grace_period", supervisor.FirstGracePeriod)
	c.sendSignal(ctx, containerID, "SIGTERM")
	select {
	case err := <-waitCh:
		return err
	case <-time.After(supervisor.FinalGracePeriod):
	}

	c.logger.Warn("did not terminate after second grace period, killing", "grace_period", supervisor.FinalGracePeriod)
	c.sendSignal(ctx, containerID, "SIGKILL")
	return <-waitCh
}

func (c *dockerChild) sendSignal(ctx context.Context, containerID, signal string) {
	if err := c.cli.ContainerKill(ctx, containerID, signal); err != nil && !isContainerGone(err) {
		c.logger.Error("failed to signal container", "signal", signal, "error", err)
	}
}

func isContainerGone(err error) bool {
	return client.IsErrNotFound(err)
}

func (c *dockerChild) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.stopCh == nil {
		return
	}
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

func (c *dockerChild) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	defer tw.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(fmt.Sprintf("%s/%s", dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if err := tw.WriteHeader(&tar.Header{Name: entry.Name(), Mode: 0o644, Size: int64(len(data))}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	return &buf, nil
}

func stringPtrMap(m map[string]string) map[string]*string {
	out := make(map[string]*string, len(m))
	for k, v := range m {
		v := v
		out[k] = &v
	}
	return out
}

func tmpfsMap(paths []string) map[string]string {
	if len(paths) == 0 {
		return nil
	}
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		out[p] = ""
	}
	return out
}
