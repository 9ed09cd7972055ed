// Package daemon wires together the vault, backup, tunnel, orchestrator,
// and RPC components into the validator supervisor daemon: it owns the
// startup and shutdown sequencing, port allocation, and the RPC target
// surface operators drive the daemon through.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/eth2ops/validator-supervisor/backup"
	"github.com/eth2ops/validator-supervisor/config"
	"github.com/eth2ops/validator-supervisor/orchestrator"
	"github.com/eth2ops/validator-supervisor/rpc"
	"github.com/eth2ops/validator-supervisor/supervisor"
	"github.com/eth2ops/validator-supervisor/tunnel"
	"github.com/eth2ops/validator-supervisor/tunnel/sshtunnel"
	"github.com/eth2ops/validator-supervisor/vault"
)

const (
	rootKeyCacheFilename  = "supervisor-key.hex"
	knownHostsFilename    = "ssh_known_hosts"
	rpcSocketFilename     = "rpc.sock"
	dynamicConfigFilename = "dynamic_config.yml"
	canonicalDirName      = "canonical"

	// RetryDelay is the default per-child restart delay used when
	// Options.RetryDelay is zero.
	RetryDelay = 10 * time.Second

	// PromtailShutdownGrace is how long Run waits after asking the
	// validator to stop before signaling the promtail shippers to
	// stop, giving them a chance to flush the final log lines.
	PromtailShutdownGrace = 3 * time.Second
)

// Options configures a Daemon beyond what's in config.Config.
type Options struct {
	EnablePromtail   bool
	RetryDelay       time.Duration
	ContainerName    string
	ImagesDir        orchestrator.ImagesDir
	ContainerRuntime orchestrator.ContainerRuntime
	HTTPClient       orchestrator.HTTPClient
	// ShutdownCommand runs the host power-off command invoked by the
	// shutdown RPC method. Defaults to `sudo shutdown now`; tests
	// substitute a no-op so they don't power off the test runner.
	ShutdownCommand func(ctx context.Context) error
	// Now returns the archive timestamp for a fresh backup. Defaults
	// to the current Unix time.
	Now func() uint32
}

// Daemon wires the supervisor's components together and runs the
// daemon's startup, steady-state, and shutdown sequence.
type Daemon struct {
	cfg    config.Config
	logger hclog.Logger

	retryDelay     time.Duration
	enablePromtail bool
	imagesDir      orchestrator.ImagesDir
	shutdownCmd    func(ctx context.Context) error
	now            func() uint32

	rpcSockPath       string
	rootKeyCachePath  string
	dynamicConfigPath string
	tmpDir            string
	canonicalDir      string

	orchestrator *orchestrator.Orchestrator
	rpcServer    *rpc.Server

	tunnelClients    []tunnel.Client
	tunnelChildren   []supervisor.NamedChild
	promtailChildren []supervisor.NamedChild

	mu              sync.Mutex
	rootKey         *vault.RootKey
	backupSync      *backup.Sync
	dynamicConfig   config.DynamicConfig
	validatorCancel context.CancelFunc
	validatorDone   chan struct{}
}

// New builds a Daemon from cfg, allocating ports, building tunnel
// clients and port forwards for every configured node, and loading any
// cached root key and dynamic config already on disk. It does not
// start anything; call Run to activate the daemon.
func New(cfg config.Config, opts Options, logger hclog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	retryDelay := opts.RetryDelay
	if retryDelay == 0 {
		retryDelay = RetryDelay
	}
	shutdownCmd := opts.ShutdownCommand
	if shutdownCmd == nil {
		shutdownCmd = defaultShutdownCommand
	}
	now := opts.Now
	if now == nil {
		now = func() uint32 { return uint32(time.Now().Unix()) }
	}

	tmpDir, err := os.MkdirTemp("/dev/shm", "validator_supervisor-validator_data")
	if err != nil {
		return nil, fmt.Errorf("daemon: creating tmpfs scratch dir: %w", err)
	}
	canonicalDir := filepath.Join(tmpDir, canonicalDirName)

	rpcSockPath, err := filepath.Abs(filepath.Join(cfg.DataDir, rpcSocketFilename))
	if err != nil {
		return nil, fmt.Errorf("daemon: resolving rpc socket path: %w", err)
	}
	knownHostsPath := filepath.Join(cfg.DataDir, knownHostsFilename)
	rootKeyCachePath := filepath.Join(cfg.DataDir, rootKeyCacheFilename)
	dynamicConfigPath := filepath.Join(cfg.DataDir, dynamicConfigFilename)

	dynamicConfig, err := config.ReadDynamicConfig(dynamicConfigPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}

	d := &Daemon{
		cfg:               cfg,
		logger:            logger,
		retryDelay:        retryDelay,
		enablePromtail:    opts.EnablePromtail,
		imagesDir:         opts.ImagesDir,
		shutdownCmd:       shutdownCmd,
		now:               now,
		rpcSockPath:       rpcSockPath,
		rootKeyCachePath:  rootKeyCachePath,
		dynamicConfigPath: dynamicConfigPath,
		tmpDir:            tmpDir,
		canonicalDir:      canonicalDir,
		dynamicConfig:     dynamicConfig,
	}

	logPaths := map[string]string{
		"validator_supervisor": cfg.SupervisorLogPath(),
		orchestrator.ImplLighthouse: cfg.ValidatorLogPath(orchestrator.ImplLighthouse),
		orchestrator.ImplPrysm:      cfg.ValidatorLogPath(orchestrator.ImplPrysm),
	}

	alloc := NewPortAllocator(cfg.PortRange[0], cfg.PortRange[1])
	var knownHostsMu sync.Mutex
	portMaps := make([]orchestrator.BeaconNodePortMap, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		pm, err := allocBeaconNodePortMap(node, alloc)
		if err != nil {
			os.RemoveAll(tmpDir)
			return nil, err
		}
		lokiPort, err := alloc.Alloc()
		if err != nil {
			os.RemoveAll(tmpDir)
			return nil, err
		}

		client := sshtunnel.New(node, knownHostsPath, &knownHostsMu)
		forwards := buildForwards(pm, lokiPort, rpcSockPath)

		portMaps = append(portMaps, pm)
		d.tunnelClients = append(d.tunnelClients, client)
		d.tunnelChildren = append(d.tunnelChildren, supervisor.NamedChild{
			Name:  fmt.Sprintf("SSH tunnel to %s", client),
			Child: newTunnelChild(fmt.Sprintf("tunnel.%s", node.Host), client, forwards, logger),
		})

		if opts.EnablePromtail {
			d.promtailChildren = append(d.promtailChildren, supervisor.NamedChild{
				Name:  fmt.Sprintf("promtail to %s", node.Host),
				Child: newPromtailChild(node.Host, lokiPort, cfg.LogsDir, logPaths, logger),
			})
		}
	}

	d.orchestrator = orchestrator.New(
		cfg.Eth2Network, cfg.FeeRecipient, canonicalDir, opts.ContainerName,
		portMaps, dynamicConfig.ValidatorRelease, opts.ImagesDir,
		opts.ContainerRuntime, opts.HTTPClient, logger,
	)

	server, err := rpc.NewServer(rpcSockPath, cfg.SSLCertFile, cfg.SSLKeyFile, d, cfg.RPCUsers, logger)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}
	d.rpcServer = server

	if rk, err := config.ReadRootKey(cfg.KeyDescriptor, rootKeyCachePath); err == nil {
		d.setRootKey(rk)
	} else if !errors.Is(err, config.ErrUnlockRequired) {
		os.RemoveAll(tmpDir)
		return nil, err
	}

	return d, nil
}

// Run activates the daemon: it starts the RPC server, the SSH tunnels
// and (if enabled) log shippers to every configured node, and attempts
// to start the validator if already unlocked. It blocks until ctx is
// canceled, then runs the shutdown sequence in order: stop the RPC
// server, stop the validator (which saves a final backup), give log
// shippers a grace period to flush, stop them, stop the tunnels, and
// delete the tmpfs scratch directory.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	startedLocked := d.rootKey != nil
	d.mu.Unlock()

	if err := d.rpcServer.Start(context.Background()); err != nil {
		return fmt.Errorf("daemon: starting rpc server: %w", err)
	}

	tunnelsCtx, cancelTunnels := context.WithCancel(context.Background())
	defer cancelTunnels()
	tunnelsWG, err := supervisor.SuperviseMultiAwaitable(tunnelsCtx, d.tunnelChildren, d.retryDelay, d.logger)
	if err != nil {
		d.logger.Error("error starting one or more ssh tunnels", "error", err)
	}

	promtailsCtx, cancelPromtails := context.WithCancel(context.Background())
	defer cancelPromtails()
	promtailsWG, err := supervisor.SuperviseMultiAwaitable(promtailsCtx, d.promtailChildren, d.retryDelay, d.logger)
	if err != nil {
		d.logger.Error("error starting one or more promtail shippers", "error", err)
	}

	if _, err := d.startValidator(ctx); err != nil {
		if errors.Is(err, config.ErrUnlockRequired) {
			d.logger.Info("waiting for supervisor to be unlocked")
		} else {
			d.logger.Error("error starting validator", "error", err)
		}
	}

	<-ctx.Done()
	d.logger.Debug("exiting")

	if err := d.rpcServer.Stop(); err != nil {
		d.logger.Error("error stopping rpc server", "error", err)
	}
	if _, err := d.stopValidator(context.Background()); err != nil {
		d.logger.Error("error stopping validator", "error", err)
	}

	if len(d.promtailChildren) > 0 {
		d.logger.Debug("stopping promtails")
		time.Sleep(PromtailShutdownGrace)
		cancelPromtails()
		promtailsWG.Wait()
	}

	d.logger.Debug("stopping ssh tunnels")
	cancelTunnels()
	tunnelsWG.Wait()

	os.RemoveAll(d.tmpDir)

	d.mu.Lock()
	nowUnlocked := d.rootKey != nil
	rk := d.rootKey
	d.mu.Unlock()
	if !startedLocked && nowUnlocked {
		if err := config.WriteRootKey(*rk, d.rootKeyCachePath); err != nil {
			d.logger.Error("error caching root key", "error", err)
		}
	}

	return nil
}

// setRootKey adopts rk as the unlocked root key and (re)builds the
// backup sync engine bound to the key it derives.
func (d *Daemon) setRootKey(rk vault.RootKey) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rootKey = &rk
	nodes := make([]backup.Node, len(d.tunnelClients))
	for i, client := range d.tunnelClients {
		nodes[i] = backup.Node{Client: client}
	}
	d.backupSync = backup.New(rk.DeriveBackupKey(), d.cfg.BackupPath(), d.backupFilename(), nodes, d.now, d.logger)
}

func (d *Daemon) backupFilename() string {
	if d.cfg.BackupFilename == "" {
		return config.DefaultBackupFilename
	}
	return d.cfg.BackupFilename
}

func defaultShutdownCommand(ctx context.Context) error {
	return exec.CommandContext(ctx, "sudo", "shutdown", "now").Run()
}
