package daemon

import (
	"github.com/eth2ops/validator-supervisor/orchestrator"
	"github.com/eth2ops/validator-supervisor/tunnel"
	"github.com/eth2ops/validator-supervisor/tunnel/sshtunnel"
)

// bastionPort returns the SSH port a node is reached on, applying the
// same default sshtunnel.ConnInfo itself applies when dialing, so a
// HostID built here always matches the one connect_eth2_node compares
// against.
func bastionPort(node sshtunnel.ConnInfo) int {
	if node.Port == 0 {
		return sshtunnel.DefaultBastionPort
	}
	return node.Port
}

// hostIDFor returns the HostID identifying node, normalized the same
// way bastionPort normalizes the SSH port.
func hostIDFor(node sshtunnel.ConnInfo) orchestrator.HostID {
	return orchestrator.HostID{Host: node.Host, Port: bastionPort(node)}
}

// allocBeaconNodePortMap allocates the three local ports a node's
// beacon-node forwards need (Lighthouse RPC, Prysm HTTP, Prysm gRPC)
// and returns the resulting BeaconNodePortMap.
func allocBeaconNodePortMap(node sshtunnel.ConnInfo, alloc *PortAllocator) (orchestrator.BeaconNodePortMap, error) {
	lighthouseRPC, err := alloc.Alloc()
	if err != nil {
		return orchestrator.BeaconNodePortMap{}, err
	}
	prysmHTTP, err := alloc.Alloc()
	if err != nil {
		return orchestrator.BeaconNodePortMap{}, err
	}
	prysmGRPC, err := alloc.Alloc()
	if err != nil {
		return orchestrator.BeaconNodePortMap{}, err
	}
	return orchestrator.BeaconNodePortMap{
		HostID:        hostIDFor(node),
		LighthouseRPC: lighthouseRPC,
		PrysmHTTP:     prysmHTTP,
		PrysmGRPC:     prysmGRPC,
	}, nil
}

// Fixed remote ports the bastion's own services (unrelated to beacon
// node selection) are reached on or expose back to.
const (
	validatorProxyLighthousePrometheusPort = 5064
	validatorProxyPrysmPrometheusPort      = 8081
	reverseRPCRemotePort                   = 8000
	reverseSSHLocalPort                    = 22
	reverseSSHRemotePort                   = 2222
)

// buildForwards returns the full set of port forwards a single node's
// tunnel session carries: the three beacon-node forwards, a forward
// for shipping logs to that node's Loki, and the four reverse
// forwards that expose the local SSH server, the two validator
// Prometheus endpoints, and the local RPC socket back through the
// bastion.
func buildForwards(pm orchestrator.BeaconNodePortMap, lokiLocalPort int, rpcSockPath string) []tunnel.PortForward {
	return []tunnel.PortForward{
		{Local: tunnel.LocalTCPSocket(pm.PrysmHTTP), Remote: tunnel.TCPSocket("prysm", 3500)},
		{Local: tunnel.LocalTCPSocket(pm.PrysmGRPC), Remote: tunnel.TCPSocket("prysm", 4000)},
		{Local: tunnel.LocalTCPSocket(pm.LighthouseRPC), Remote: tunnel.TCPSocket("lighthouse", 5052)},
		{Local: tunnel.LocalTCPSocket(lokiLocalPort), Remote: tunnel.TCPSocket("loki", 3100)},
		{
			Local: tunnel.LocalTCPSocket(reverseSSHLocalPort), Remote: tunnel.LocalTCPSocket(reverseSSHRemotePort),
			Reverse: true,
		},
		{
			Local:   tunnel.LocalTCPSocket(validatorProxyLighthousePrometheusPort),
			Remote:  tunnel.TCPSocket("validator-proxy", validatorProxyLighthousePrometheusPort),
			Reverse: true,
		},
		{
			Local:   tunnel.LocalTCPSocket(validatorProxyPrysmPrometheusPort),
			Remote:  tunnel.TCPSocket("validator-proxy", validatorProxyPrysmPrometheusPort),
			Reverse: true,
		},
		{
			Local: tunnel.UnixSocket(rpcSockPath), Remote: tunnel.LocalTCPSocket(reverseRPCRemotePort),
			Reverse: true,
		},
	}
}
