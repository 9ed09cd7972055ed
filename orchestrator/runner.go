package orchestrator

import (
	"fmt"
	"path/filepath"
)

// Implementation names recognized by variantFor.
const (
	ImplLighthouse = "lighthouse"
	ImplPrysm      = "prysm"
)

// ValidatorRelease identifies the validator client build to run: the
// Docker image to build and tag, by implementation, version, and the
// checksum of the upstream binary release it bakes in.
type ValidatorRelease struct {
	ImplName string `yaml:"impl_name"`
	Version  string `yaml:"version"`
	Checksum string `yaml:"checksum"`
}

func (r ValidatorRelease) String() string {
	return fmt.Sprintf("%s:%s (%s)", r.ImplName, r.Version, r.Checksum)
}

// imageTag is the Docker image tag a release builds to, namespaced
// under validator-supervisor/ so it never collides with an operator's
// own images.
func (r ValidatorRelease) imageTag() string {
	return fmt.Sprintf("validator-supervisor/%s:%s", r.ImplName, r.Version)
}

// buildArgs are the Docker build args every implementation's image
// takes: the upstream version to fetch and its expected checksum.
func (r ValidatorRelease) buildArgs() map[string]string {
	return map[string]string{
		"VERSION":  r.Version,
		"CHECKSUM": r.Checksum,
	}
}

// runnerVariant is the capability set a concrete validator
// implementation (Lighthouse, Prysm) supplies: the environment and
// mount options `docker run` needs to wire the container up to its
// bound beacon node and validator data.
type runnerVariant interface {
	// env returns the -e KEY=VALUE environment variables for the
	// container.
	env(eth2Network, feeRecipient string, port BeaconNodePortMap) []string
	// binds returns the host:container bind mounts for the
	// container, anchored at canonicalDir (the validator data dir).
	binds(canonicalDir string) []string
	// tmpfs returns container paths that should be tmpfs-mounted
	// scratch space rather than persisted.
	tmpfs() []string
}

func variantFor(implName string) (runnerVariant, error) {
	switch implName {
	case ImplLighthouse:
		return lighthouseVariant{}, nil
	case ImplPrysm:
		return prysmVariant{}, nil
	default:
		return nil, fmt.Errorf("%w: invalid implementation name: %q", ErrBadValidatorRelease, implName)
	}
}

// lighthouseVariant wires Lighthouse's validator client: it points at
// its own Lighthouse beacon HTTP API and binds the canonical data dir
// directly at /app/canonical, with a tmpfs /app/lighthouse for its
// own working files.
type lighthouseVariant struct{}

func (lighthouseVariant) env(eth2Network, feeRecipient string, port BeaconNodePortMap) []string {
	return []string{
		"ETH2_NETWORK=" + eth2Network,
		"FEE_RECIPIENT=" + feeRecipient,
		fmt.Sprintf("BEACON_NODES=http://localhost:%d", port.LighthouseRPC),
	}
}

func (lighthouseVariant) binds(canonicalDir string) []string {
	abs, _ := filepath.Abs(canonicalDir)
	return []string{abs + ":/app/canonical"}
}

func (lighthouseVariant) tmpfs() []string {
	return []string{"/app/lighthouse"}
}

// prysmVariant wires Prysm's validator client against its own HTTP
// gateway, binding the canonical data dir at the path Prysm's image
// expects it.
type prysmVariant struct{}

func (prysmVariant) env(eth2Network, feeRecipient string, port BeaconNodePortMap) []string {
	return []string{
		"ETH2_NETWORK=" + eth2Network,
		"FEE_RECIPIENT=" + feeRecipient,
		fmt.Sprintf("BEACON_NODES=http://localhost:%d", port.PrysmHTTP),
	}
}

func (prysmVariant) binds(canonicalDir string) []string {
	abs, _ := filepath.Abs(canonicalDir)
	return []string{abs + ":/home/somebody/canonical"}
}

func (prysmVariant) tmpfs() []string {
	return nil
}
