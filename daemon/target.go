package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/eth2ops/validator-supervisor/config"
	"github.com/eth2ops/validator-supervisor/orchestrator"
	"github.com/eth2ops/validator-supervisor/rpc"
	"github.com/eth2ops/validator-supervisor/supervisor"
	"github.com/eth2ops/validator-supervisor/tunnel/sshtunnel"
	"github.com/eth2ops/validator-supervisor/vault"
)

var _ rpc.Target = (*Daemon)(nil)

// GetHealth implements rpc.Target.
func (d *Daemon) GetHealth(ctx context.Context) (rpc.HealthStatus, error) {
	d.mu.Lock()
	unlocked := d.rootKey != nil
	running := d.validatorCancel != nil
	release := d.dynamicConfig.ValidatorRelease
	d.mu.Unlock()

	var connected *string
	if hostID, ok := d.orchestrator.ConnectedHost(); ok {
		s := hostID.String()
		connected = &s
	}

	return rpc.HealthStatus{
		Unlocked:         unlocked,
		ValidatorRunning: running,
		ConnectedNode:    connected,
		ValidatorRelease: release,
	}, nil
}

// StartValidator implements rpc.Target. It reports false (rather than
// an error) when the validator is already running, matching the
// idempotent start semantics operators expect from this RPC method.
func (d *Daemon) StartValidator(ctx context.Context) (bool, error) {
	return d.startValidator(ctx)
}

// StopValidator implements rpc.Target.
func (d *Daemon) StopValidator(ctx context.Context) (bool, error) {
	return d.stopValidator(ctx)
}

// ConnectEth2Node implements rpc.Target.
func (d *Daemon) ConnectEth2Node(ctx context.Context, host string, port *int) error {
	p := sshtunnel.DefaultBastionPort
	if port != nil {
		p = *port
	}
	return d.orchestrator.Prioritize(host, p)
}

// SetValidatorRelease implements rpc.Target.
func (d *Daemon) SetValidatorRelease(ctx context.Context, release orchestrator.ValidatorRelease) error {
	return d.setValidatorRelease(ctx, release)
}

// Unlock implements rpc.Target.
func (d *Daemon) Unlock(ctx context.Context, password string) (bool, error) {
	rk, err := d.cfg.KeyDescriptor.Open(password)
	if err != nil {
		if errors.Is(err, vault.ErrIncorrectPassword) {
			return false, nil
		}
		return false, err
	}
	d.setRootKey(rk)
	return true, nil
}

// Shutdown implements rpc.Target: it launches the configured shutdown
// command in the background and returns immediately, so the RPC call
// that triggered it gets a reply before the host goes down.
func (d *Daemon) Shutdown(ctx context.Context) error {
	go d.runShutdownCommand()
	return nil
}

func (d *Daemon) runShutdownCommand() {
	d.logger.Info("shutting down host")
	if err := d.shutdownCmd(context.Background()); err != nil {
		d.logger.Error("shutdown command failed", "error", err)
	}
}

// startValidator starts the supervised validator loop if it isn't
// already running. It requires an unlocked root key and a loadable
// backup, returning config.ErrUnlockRequired if locked.
func (d *Daemon) startValidator(ctx context.Context) (bool, error) {
	d.mu.Lock()
	if d.validatorCancel != nil {
		d.mu.Unlock()
		return false, nil
	}
	if d.rootKey == nil {
		d.mu.Unlock()
		return false, config.ErrUnlockRequired
	}
	backupSync := d.backupSync
	d.mu.Unlock()

	loaded, err := backupSync.Load(ctx, d.canonicalDir)
	if err != nil {
		return false, fmt.Errorf("daemon: loading backup: %w", err)
	}
	if !loaded {
		return false, errors.New("daemon: no valid backup found")
	}

	vctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	d.mu.Lock()
	d.validatorCancel = cancel
	d.validatorDone = done
	d.mu.Unlock()

	go func() {
		defer close(done)
		if err := supervisor.Supervise(vctx, "validator", d.orchestrator, d.retryDelay, d.logger); err != nil {
			d.logger.Error("validator supervision loop exited", "error", err)
		}
	}()

	return true, nil
}

// stopValidator stops the supervised validator loop if running, then
// saves a final backup of the canonical data dir.
func (d *Daemon) stopValidator(ctx context.Context) (bool, error) {
	d.mu.Lock()
	cancel := d.validatorCancel
	done := d.validatorDone
	backupSync := d.backupSync
	d.mu.Unlock()

	if cancel == nil {
		return false, nil
	}

	d.orchestrator.Stop()
	cancel()
	<-done

	d.mu.Lock()
	d.validatorCancel = nil
	d.validatorDone = nil
	d.mu.Unlock()

	if err := backupSync.Save(ctx, d.canonicalDir); err != nil {
		return true, fmt.Errorf("daemon: saving backup: %w", err)
	}
	return true, nil
}

// setValidatorRelease validates and adopts release, refusing while
// the validator is running, and persists the choice to the dynamic
// config file.
func (d *Daemon) setValidatorRelease(ctx context.Context, release orchestrator.ValidatorRelease) error {
	d.mu.Lock()
	running := d.validatorCancel != nil
	d.mu.Unlock()
	if running {
		return orchestrator.ErrValidatorRunning
	}

	if err := d.orchestrator.SetRelease(ctx, release, d.imagesDir); err != nil {
		return err
	}

	d.mu.Lock()
	d.dynamicConfig.ValidatorRelease = release
	dynamicConfig := d.dynamicConfig
	d.mu.Unlock()

	return config.WriteDynamicConfig(d.dynamicConfigPath, dynamicConfig)
}
