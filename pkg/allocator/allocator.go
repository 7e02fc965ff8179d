package allocator

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/inventory"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/launcher"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/ledger"
)

var ErrNoDeviceAvailable = errors.New("no device available")

var allocationConflicts = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "fleetgpu",
	Subsystem: "allocator",
	Name:      "conflicts_total",
	Help:      "Claim conflicts skipped while scanning for a free device",
})

func init() {
	prometheus.MustRegister(allocationConflicts)
}

type Allocation struct {
	Device inventory.Device `json:"device"`
	Claim  ledger.Claim     `json:"claim"`
}

// Allocator admits workloads onto the fleet: lowest free device index
// wins, one active claim per device, launch failures roll the claim
// back so the index is immediately reusable.
type Allocator struct {
	inventory inventory.Inventory
	launcher  launcher.Launcher
	ledger    *ledger.Ledger
}

func New(inv inventory.Inventory, lnch launcher.Launcher, led *ledger.Ledger) *Allocator {
	return &Allocator{inventory: inv, launcher: lnch, ledger: led}
}

// Allocate claims the lowest free device for workloadID and starts
// the workload on it. The claim is persisted as Pending before the
// launch begins and the launch itself runs with no ledger lock held,
// so a slow image pull never blocks other allocations.
func (a *Allocator) Allocate(ctx context.Context, workloadID string) (*Allocation, error) {
	devices, err := a.inventory.ListDevices()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrNoDeviceAvailable
	}

	var chosen inventory.Device
	found := false
	err = a.ledger.WithExclusive(func() error {
		if existing := a.ledger.FindByWorkload(workloadID); existing != nil {
			return fmt.Errorf("workload %s already holds device %d", workloadID, existing.DeviceIndex)
		}
		for _, device := range devices {
			if _, err := a.ledger.TryInsert(device.Index, workloadID); err != nil {
				if errors.Is(err, ledger.ErrConflict) {
					allocationConflicts.Inc()
					log.Debugf("device %d already claimed, trying next", device.Index)
					continue
				}
				return err
			}
			chosen = device
			found = true
			return nil
		}
		return ErrNoDeviceAvailable
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNoDeviceAvailable
	}

	if launchErr := a.launcher.Start(ctx, chosen, workloadID); launchErr != nil {
		rollbackErr := a.ledger.WithExclusive(func() error {
			if err := a.ledger.Transition(chosen.Index, ledger.StatePending, ledger.StateReleased); err != nil {
				return err
			}
			return a.ledger.Remove(chosen.Index)
		})
		if rollbackErr != nil {
			log.Errorf("failed to roll back claim for device %d: %s", chosen.Index, rollbackErr)
		}
		return nil, launchErr
	}

	var bound ledger.Claim
	err = a.ledger.WithExclusive(func() error {
		if err := a.ledger.Transition(chosen.Index, ledger.StatePending, ledger.StateBound); err != nil {
			return err
		}
		bound = *a.ledger.Claims[chosen.Index]
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infof("workload %s bound to device %d (%s)", workloadID, chosen.Index, chosen.Path)
	return &Allocation{Device: chosen, Claim: bound}, nil
}

// Release frees the device held by workloadID. The ledger entry goes
// first so the index is reusable even if the workload refuses to die;
// the stop itself is best effort.
func (a *Allocator) Release(ctx context.Context, workloadID string) error {
	var deviceIndex int
	err := a.ledger.WithExclusive(func() error {
		claim := a.ledger.FindByWorkload(workloadID)
		if claim == nil {
			return fmt.Errorf("workload %s: %w", workloadID, ledger.ErrClaimNotFound)
		}
		deviceIndex = claim.DeviceIndex
		if err := a.ledger.Transition(deviceIndex, ledger.StateBound, ledger.StateReleased); err != nil {
			return err
		}
		return a.ledger.Remove(deviceIndex)
	})
	if err != nil {
		return err
	}
	if err := a.launcher.Stop(ctx, workloadID); err != nil {
		log.Errorf("workload %s released from device %d but stop failed: %s", workloadID, deviceIndex, err)
	} else {
		log.Infof("workload %s released from device %d", workloadID, deviceIndex)
	}
	return nil
}
