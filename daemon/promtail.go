package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/eth2ops/validator-supervisor/supervisor"
)

// promtailImage is the Docker Hub image the log-shipper container runs.
const promtailImage = "grafana/promtail"

var nodeSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)

// promtailConfig is the shape of the promtail.yaml config file a
// shipper container is started with: it disables Promtail's own HTTP
// server, pushes to the node's forwarded Loki port, and scrapes one
// static log path per named process.
type promtailConfig struct {
	Server struct {
		Disable bool `yaml:"disable"`
	} `yaml:"server"`
	Client struct {
		URL string `yaml:"url"`
	} `yaml:"client"`
	Positions struct {
		Filename string `yaml:"filename"`
	} `yaml:"positions"`
	ScrapeConfigs []promtailScrapeConfig `yaml:"scrape_configs"`
}

type promtailScrapeConfig struct {
	JobName       string                 `yaml:"job_name"`
	StaticConfigs []promtailStaticConfig `yaml:"static_configs"`
}

type promtailStaticConfig struct {
	Labels map[string]string `yaml:"labels"`
}

// newPromtailChild returns a supervisor.CommandChild that ships the
// logs at logPaths (keyed by process name) to nodeHost's Loki, dialed
// through lokiLocalPort. Each (re)start regenerates the config file
// and the docker run command from the arguments given here.
func newPromtailChild(
	nodeHost string,
	lokiLocalPort int,
	baseDir string,
	logPaths map[string]string,
	logger hclog.Logger,
) *supervisor.CommandChild {
	sanitized := nodeSanitizer.ReplaceAllString(nodeHost, "_")
	dirpath := filepath.Join(baseDir, "promtail-"+sanitized)
	name := fmt.Sprintf("promtail to %s", nodeHost)

	factory := func(ctx context.Context) (*exec.Cmd, error) {
		if err := os.MkdirAll(dirpath, 0o755); err != nil {
			return nil, fmt.Errorf("daemon: creating %s: %w", dirpath, err)
		}
		configPath, err := writePromtailConfig(dirpath, lokiLocalPort, logPaths)
		if err != nil {
			return nil, err
		}

		absConfig, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("daemon: resolving %s: %w", configPath, err)
		}

		positionsVolume := "validator-supervisor_promtail_" + sanitized
		args := []string{
			"run", "--rm",
			"--name", fmt.Sprintf("validator-supervisor_%d_promtail", os.Getpid()),
			"--pull", "always",
			"--net", "host",
			"--volume", absConfig + ":/etc/promtail/config.yml",
			"--volume", positionsVolume + ":/tmp/positions",
		}
		for processName, path := range logPaths {
			abs, err := filepath.Abs(path)
			if err != nil {
				return nil, fmt.Errorf("daemon: resolving %s: %w", path, err)
			}
			args = append(args, "--volume", fmt.Sprintf("%s:/var/log/validator-supervisor/%s.log", abs, processName))
		}
		args = append(args, promtailImage)

		return exec.CommandContext(ctx, "docker", args...), nil
	}

	return &supervisor.CommandChild{
		Name:       name,
		NewCommand: factory,
		OutLogPath: filepath.Join(dirpath, "out.log"),
		ErrLogPath: filepath.Join(dirpath, "err.log"),
		Logger:     logger.Named(name),
	}
}

func writePromtailConfig(dirpath string, lokiLocalPort int, logPaths map[string]string) (string, error) {
	configPath := filepath.Join(dirpath, "promtail.yaml")

	var cfg promtailConfig
	cfg.Server.Disable = true
	cfg.Client.URL = fmt.Sprintf("http://localhost:%d/loki/api/v1/push", lokiLocalPort)
	cfg.Positions.Filename = "/tmp/positions/positions.yaml"

	staticConfigs := make([]promtailStaticConfig, 0, len(logPaths))
	for processName := range logPaths {
		staticConfigs = append(staticConfigs, promtailStaticConfig{
			Labels: map[string]string{
				"process": processName,
				"__path__": fmt.Sprintf("/var/log/validator-supervisor/%s.log", processName),
			},
		})
	}
	cfg.ScrapeConfigs = []promtailScrapeConfig{{JobName: "validator", StaticConfigs: staticConfigs}}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("daemon: marshaling promtail config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return "", fmt.Errorf("daemon: writing %s: %w", configPath, err)
	}
	return configPath, nil
}
