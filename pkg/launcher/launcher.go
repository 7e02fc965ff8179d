package launcher

import (
	"context"
	"fmt"

	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/inventory"
	"github.com/spf13/viper"
)

const (
	BackendDocker  = "docker"
	BackendProcess = "process"
)

// Launcher starts and stops workloads pinned to a single device.
// Implementations must be safe to call without any ledger lock held:
// a launch may take seconds and nothing else should wait on it.
type Launcher interface {
	Start(ctx context.Context, device inventory.Device, workloadID string) error
	Stop(ctx context.Context, workloadID string) error
	IsAlive(ctx context.Context, workloadID string) (bool, error)
}

type LaunchError struct {
	WorkloadID string
	Err        error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("workload %s launch failed: %s", e.WorkloadID, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func NewLauncher() (Launcher, error) {
	backend := viper.GetString("launcher")
	switch backend {
	case BackendDocker, "":
		return NewDockerLauncher()
	case BackendProcess:
		return NewProcessLauncher(), nil
	default:
		return nil, fmt.Errorf("unknown launcher backend: %s", backend)
	}
}
