package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/eth2ops/validator-supervisor/supervisor"
)

// DefaultContainerName is the container name used when the daemon
// doesn't override it. Its fixed value is itself the OS-level mutex:
// a still-running container under this name blocks a fresh start.
const DefaultContainerName = "validator-supervisor_validator"

// ImagesDir locates the build context (Dockerfile + supporting
// files) for implName, one subdirectory per validator implementation.
type ImagesDir func(implName string) string

// Release returns the ValidatorRelease currently configured to
// launch, as set by SetRelease.
func (o *Orchestrator) Release() ValidatorRelease {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.release
}

// SetRelease validates and adopts a new ValidatorRelease: it refuses
// while the validator is running, and builds the release's image
// up front so a bad release is rejected before it's persisted.
func (o *Orchestrator) SetRelease(ctx context.Context, release ValidatorRelease, imagesDir ImagesDir) error {
	o.mu.Lock()
	if o.running != nil {
		o.mu.Unlock()
		return ErrValidatorRunning
	}
	o.mu.Unlock()

	if _, err := o.buildImage(ctx, release, imagesDir); err != nil {
		return err
	}

	o.mu.Lock()
	o.release = release
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) buildImage(ctx context.Context, release ValidatorRelease, imagesDir ImagesDir) (string, error) {
	if _, err := variantFor(release.ImplName); err != nil {
		return "", err
	}
	return o.runtime.BuildImage(ctx, release, imagesDir(release.ImplName))
}

// Start implements supervisor.Child: it picks a healthy beacon node
// from the current preference order and launches the configured
// release's container bound to it. If no node is healthy, Start
// returns successfully without launching anything; Watch then
// returns immediately, and the enclosing supervision loop retries
// after its configured delay, re-running selection each time.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running != nil {
		o.mu.Unlock()
		return supervisor.ErrAlreadyRunning
	}
	release := o.release
	imagesDir := o.imagesDir
	o.mu.Unlock()

	variant, err := variantFor(release.ImplName)
	if err != nil {
		return err
	}

	pm, ok := o.selectHealthyNode(ctx, release.ImplName)
	if !ok {
		o.logger.Info("no healthy beacon node found, will retry", "candidates", len(o.PortMaps()))
		return nil
	}

	imageID, err := o.runtime.BuildImage(ctx, release, imagesDir(release.ImplName))
	if err != nil {
		return err
	}

	spec := ContainerSpec{
		Env:   variant.env(o.eth2Network, o.feeRecipient, pm),
		Binds: variant.binds(o.canonicalDir),
		Tmpfs: variant.tmpfs(),
	}
	child := o.runtime.NewChild(imageID, o.containerName, spec)
	if err := child.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: launching validator bound to %s: %w", pm.HostID, err)
	}

	o.mu.Lock()
	o.running = &runningValidator{child: child, hostID: pm.HostID}
	o.mu.Unlock()
	o.logger.Info("launched validator", "node", pm.HostID, "release", release)
	return nil
}

// Watch implements supervisor.Child. While the validator runs, it
// polls the bound node's syncing endpoint every HealthCheckInterval;
// once more than HealthCheckRetries consecutive polls fail it stops
// the container so the enclosing supervision loop relaunches (and
// reselects a node).
func (o *Orchestrator) Watch(ctx context.Context) error {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()

	if running == nil {
		return nil
	}

	healthCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchDone := make(chan error, 1)
	go func() { watchDone <- running.child.Watch(ctx) }()

	unhealthy := make(chan struct{}, 1)
	go o.monitorNodeHealth(healthCtx, running, unhealthy)

	var exitErr error
	select {
	case exitErr = <-watchDone:
	case <-unhealthy:
		o.logger.Info("beacon node failing health checks, restarting validator", "node", running.hostID)
		running.child.Stop()
		exitErr = <-watchDone
	}

	o.mu.Lock()
	o.running = nil
	o.mu.Unlock()
	return exitErr
}

func (o *Orchestrator) monitorNodeHealth(ctx context.Context, running *runningValidator, unhealthy chan<- struct{}) {
	release := o.Release()
	port, err := func() (int, error) {
		for _, pm := range o.PortMaps() {
			if pm.HostID == running.hostID {
				return pm.BeaconAPIPort(release.ImplName)
			}
		}
		return 0, fmt.Errorf("%w: %s", ErrUnknownNode, running.hostID)
	}()
	if err != nil {
		return
	}
	url := (BeaconNodePortMap{}).syncingURL(port)

	ticker := time.NewTicker(HealthCheckInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.isSyncingOK(ctx, url) {
				failures = 0
				continue
			}
			failures++
			if failures > HealthCheckRetries {
				select {
				case unhealthy <- struct{}{}:
				case <-ctx.Done():
				}
				return
			}
		}
	}
}

// Stop implements supervisor.Child.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()

	if running != nil {
		running.child.Stop()
	}
}
