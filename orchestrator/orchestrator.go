// Package orchestrator implements the validator orchestrator: it
// picks a healthy remote beacon node, launches (and, on failure,
// swaps) the validator child bound to it, and exposes the
// prioritize/health-check machinery the daemon's RPC methods drive.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/eth2ops/validator-supervisor/supervisor"
)

// ErrUnknownNode is returned by Prioritize when the given host:port
// isn't one of the configured beacon nodes.
var ErrUnknownNode = errors.New("orchestrator: unknown node")

// ErrBadValidatorRelease is returned when a ValidatorRelease can't be
// turned into a runnable validator: an unrecognized impl_name or an
// image build failure.
var ErrBadValidatorRelease = errors.New("orchestrator: bad validator release")

// HealthCheckInterval is how often a running validator's bound beacon
// node is polled for liveness.
var HealthCheckInterval = 10 * time.Second

// HealthCheckRetries is how many consecutive failed polls are
// tolerated before the orchestrator stops the validator so it can
// re-select a node.
const HealthCheckRetries = 2

// HostID identifies one configured remote node by the bastion
// address the daemon dials it through.
type HostID struct {
	Host string
	Port int
}

func (h HostID) String() string { return fmt.Sprintf("%s:%d", h.Host, h.Port) }

// BeaconNodePortMap is the set of local ports forwarded to one remote
// node's beacon-node services, plus the HostID identifying it.
type BeaconNodePortMap struct {
	HostID        HostID
	LighthouseRPC int
	PrysmHTTP     int
	PrysmGRPC     int
}

// syncingURL returns the beacon-node HTTP endpoint the orchestrator
// polls for liveness: Lighthouse and Prysm both expose the standard
// Ethereum Beacon API syncing endpoint on their HTTP ports.
func (m BeaconNodePortMap) syncingURL(port int) string {
	return fmt.Sprintf("http://localhost:%d/eth/v1/node/syncing", port)
}

// BeaconAPIPort returns the local port forwarded to the HTTP API of
// the given validator implementation, for health checks and for the
// BEACON_NODES environment variable wired into the container.
func (m BeaconNodePortMap) BeaconAPIPort(implName string) (int, error) {
	switch implName {
	case ImplLighthouse:
		return m.LighthouseRPC, nil
	case ImplPrysm:
		return m.PrysmHTTP, nil
	default:
		return 0, fmt.Errorf("%w: unknown implementation %q", ErrBadValidatorRelease, implName)
	}
}

// beaconSyncingResponse is the minimal shape of a GET
// /eth/v1/node/syncing response body this orchestrator cares about.
type beaconSyncingResponse struct {
	Data struct {
		IsSyncing bool `json:"is_syncing"`
	} `json:"data"`
}

// HTTPClient is the subset of *http.Client the orchestrator needs,
// so tests can substitute a fake transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Orchestrator owns the ordered list of configured beacon nodes and
// the currently-running validator child. Selection, launch, and the
// health loop all run through Start and Watch, which the daemon drives
// from a supervisor.Supervise loop exactly like any other supervised
// child.
type Orchestrator struct {
	logger  hclog.Logger
	http    HTTPClient
	runtime ContainerRuntime

	eth2Network   string
	feeRecipient  string
	canonicalDir  string
	containerName string
	imagesDir     ImagesDir

	mu       sync.Mutex
	portMaps []BeaconNodePortMap
	release  ValidatorRelease
	running  *runningValidator
}

type runningValidator struct {
	child  supervisor.Child
	hostID HostID
}

// ErrValidatorRunning is returned by operations that require the
// validator to be stopped first.
var ErrValidatorRunning = errors.New("orchestrator: validator is running")

// New returns an Orchestrator managing portMaps, in their given
// preference order, initially configured to launch initialRelease.
func New(
	eth2Network, feeRecipient, canonicalDir, containerName string,
	portMaps []BeaconNodePortMap,
	initialRelease ValidatorRelease,
	imagesDir ImagesDir,
	runtime ContainerRuntime,
	httpClient HTTPClient,
	logger hclog.Logger,
) *Orchestrator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if containerName == "" {
		containerName = DefaultContainerName
	}
	return &Orchestrator{
		logger:        logger,
		http:          httpClient,
		runtime:       runtime,
		eth2Network:   eth2Network,
		feeRecipient:  feeRecipient,
		canonicalDir:  canonicalDir,
		containerName: containerName,
		imagesDir:     imagesDir,
		portMaps:      append([]BeaconNodePortMap(nil), portMaps...),
		release:       initialRelease,
	}
}

// PortMaps returns a copy of the current node preference order.
func (o *Orchestrator) PortMaps() []BeaconNodePortMap {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]BeaconNodePortMap(nil), o.portMaps...)
}

// ConnectedHost returns the host the validator is currently bound
// to, if running.
func (o *Orchestrator) ConnectedHost() (HostID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running == nil {
		return HostID{}, false
	}
	return o.running.hostID, true
}

// IsRunning reports whether a validator child is currently running.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running != nil
}

// Prioritize moves the port map for (host, port) to the front of the
// preference list. If the validator is currently running (whichever
// node it is bound to), it is stopped so the next supervised restart
// re-selects using the updated order.
func (o *Orchestrator) Prioritize(host string, port int) error {
	target := HostID{Host: host, Port: port}

	o.mu.Lock()
	index := -1
	for i, pm := range o.portMaps {
		if pm.HostID == target {
			index = i
			break
		}
	}
	if index < 0 {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, target)
	}

	pm := o.portMaps[index]
	o.portMaps = append(o.portMaps[:index], o.portMaps[index+1:]...)
	o.portMaps = append([]BeaconNodePortMap{pm}, o.portMaps...)
	running := o.running
	o.mu.Unlock()

	if running != nil {
		o.logger.Info("stopping validator to reconnect to prioritized node", "node", target)
		running.child.Stop()
	}
	return nil
}

// selectHealthyNode returns the first port map, in current
// preference order, whose bound beacon node answers the syncing
// check. It returns false if none are healthy.
func (o *Orchestrator) selectHealthyNode(ctx context.Context, implName string) (BeaconNodePortMap, bool) {
	for _, pm := range o.PortMaps() {
		port, err := pm.BeaconAPIPort(implName)
		if err != nil {
			o.logger.Error("cannot health-check node", "node", pm.HostID, "error", err)
			continue
		}
		if o.isSyncingOK(ctx, pm.syncingURL(port)) {
			return pm, true
		}
	}
	return BeaconNodePortMap{}, false
}

func (o *Orchestrator) isSyncingOK(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body beaconSyncingResponse
	if err := decodeJSON(resp.Body, &body); err != nil {
		return false
	}
	return !body.Data.IsSyncing
}

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}
