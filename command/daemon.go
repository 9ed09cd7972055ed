package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/eth2ops/validator-supervisor/config"
	"github.com/eth2ops/validator-supervisor/daemon"
	"github.com/eth2ops/validator-supervisor/orchestrator"
)

// DaemonCommand runs the validator supervisor daemon in the
// foreground: it loads the static config, builds every A-G
// component through daemon.New, and blocks running the daemon until
// SIGINT or SIGTERM, at which point it runs the shutdown sequence and
// exits 0.
type DaemonCommand struct {
	UI UI

	// Logger, if set, overrides the default hclog.Logger the daemon
	// is built with (tests substitute an in-memory sink).
	Logger hclog.Logger
}

func (c *DaemonCommand) Help() string {
	return "Usage: validator-supervisor daemon -config-path=PATH\n\n" +
		"  Runs the validator supervisor daemon in the foreground, logging to\n" +
		"  the configured logs directory until SIGINT or SIGTERM."
}

func (c *DaemonCommand) Synopsis() string {
	return "Run supervisor locally on the validator host"
}

func (c *DaemonCommand) Run(args []string) int {
	var configPath string
	var disablePromtail bool
	flags := newFlagSet("daemon")
	flags.StringVar(&configPath, "config-path", "", "Path to the YAML configuration file")
	flags.BoolVar(&disablePromtail, "disable-promtail", false, "Disable upload of local logs to remote Loki server with Promtail")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if configPath == "" {
		c.ui().Error("-config-path is required")
		return 1
	}

	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		c.ui().Error(err.Error())
		return 1
	}

	logger, logFile, err := c.logger(cfg)
	if err != nil {
		c.ui().Error(err.Error())
		return 1
	}
	if logFile != nil {
		defer logFile.Close()
	}

	runtime, err := orchestrator.NewDockerRuntime(logger)
	if err != nil {
		c.ui().Error(err.Error())
		return 1
	}

	d, err := daemon.New(cfg, daemon.Options{
		EnablePromtail:   !disablePromtail,
		ImagesDir:        defaultImagesDir,
		ContainerRuntime: runtime,
	}, logger)
	if err != nil {
		c.ui().Error(err.Error())
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Debug("handling signal", "signal", sig.String())
		cancel()
	}()
	defer signal.Stop(sigCh)

	if err := d.Run(ctx); err != nil {
		c.ui().Error(err.Error())
		return 1
	}
	return 0
}

// defaultImagesDir locates a validator implementation's Docker build
// context alongside the supervisor binary's working directory, under
// images/<impl_name>/.
func defaultImagesDir(implName string) string {
	return filepath.Join("images", implName)
}

func (c *DaemonCommand) logger(cfg config.Config) (hclog.Logger, *os.File, error) {
	if c.Logger != nil {
		return c.Logger, nil, nil
	}

	if err := os.MkdirAll(cfg.LogsDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("command: creating logs dir: %w", err)
	}
	f, err := os.OpenFile(cfg.SupervisorLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("command: opening supervisor log: %w", err)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "validator_supervisor",
		Output: f,
		Level:  hclog.Info,
	})
	return logger, f, nil
}

func (c *DaemonCommand) ui() UI {
	if c.UI != nil {
		return c.UI
	}
	return stdUI{out: os.Stdout, err: os.Stderr}
}
