package rpc

import (
	"context"

	"github.com/eth2ops/validator-supervisor/orchestrator"
)

// HealthStatus is the result of the get_health method.
type HealthStatus struct {
	Unlocked         bool                         `json:"unlocked"`
	ValidatorRunning bool                         `json:"validator_running"`
	ConnectedNode    *string                      `json:"connected_node"`
	ValidatorRelease orchestrator.ValidatorRelease `json:"validator_release"`
}

// Target is the daemon-side surface the RPC server dispatches
// authenticated method calls onto. The daemon.Daemon implements it.
type Target interface {
	GetHealth(ctx context.Context) (HealthStatus, error)
	StartValidator(ctx context.Context) (bool, error)
	StopValidator(ctx context.Context) (bool, error)
	ConnectEth2Node(ctx context.Context, host string, port *int) error
	SetValidatorRelease(ctx context.Context, release orchestrator.ValidatorRelease) error
	Unlock(ctx context.Context, password string) (bool, error)
	Shutdown(ctx context.Context) error
}
