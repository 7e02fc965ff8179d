package reconciler

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/launcher"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/ledger"
)

const (
	defaultInterval     = 30 * time.Second
	defaultPendingGrace = 5 * time.Minute
)

var reclaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "fleetgpu",
	Subsystem: "reconciler",
	Name:      "reclaimed_total",
	Help:      "Stale claims force-released by the reconciler",
})

func init() {
	prometheus.MustRegister(reclaimedTotal)
}

// Reconciler walks the ledger and force-releases claims whose
// workload is gone: crashed containers, launchers that died between
// claiming and binding, kill -9 victims.
type Reconciler struct {
	ledger   *ledger.Ledger
	launcher launcher.Launcher
}

func New(led *ledger.Ledger, lnch launcher.Launcher) *Reconciler {
	return &Reconciler{ledger: led, launcher: lnch}
}

// RunOnce performs a single reconcile pass and returns how many
// claims it reclaimed. Liveness probes run with no ledger lock held;
// every reclaim re-verifies the claim under an exclusive lock before
// touching it, so a claim that changed since the scan is left alone.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	var observed []ledger.Claim
	err := r.ledger.WithShared(func() error {
		for _, claim := range r.ledger.ActiveClaims() {
			observed = append(observed, *claim)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	grace := viper.GetDuration("pendingGracePeriod")
	if grace == 0 {
		grace = defaultPendingGrace
	}

	reclaimed := 0
	for _, claim := range observed {
		if claim.State == ledger.StatePending && time.Since(claim.CreatedAt) < grace {
			// a launch may still be in flight
			continue
		}
		alive, err := r.launcher.IsAlive(ctx, claim.WorkloadID)
		if err != nil {
			log.Errorf("liveness probe failed for workload %s: %s", claim.WorkloadID, err)
			continue
		}
		if alive {
			continue
		}
		done, err := r.reclaim(claim)
		if err != nil {
			log.Errorf("failed to reclaim device %d: %s", claim.DeviceIndex, err)
			continue
		}
		if done {
			log.Infof("stale claim reclaimed: device %d, workload %s, state %s",
				claim.DeviceIndex, claim.WorkloadID, claim.State)
			reclaimedTotal.Inc()
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (r *Reconciler) reclaim(observed ledger.Claim) (bool, error) {
	done := false
	err := r.ledger.WithExclusive(func() error {
		current, ok := r.ledger.Claims[observed.DeviceIndex]
		if !ok {
			log.Debugf("claim for device %d gone since scan, skipping", observed.DeviceIndex)
			return nil
		}
		if current.WorkloadID != observed.WorkloadID ||
			!current.CreatedAt.Equal(observed.CreatedAt) ||
			current.State != observed.State {
			log.Debugf("claim for device %d changed since scan, skipping", observed.DeviceIndex)
			return nil
		}
		if err := r.ledger.Transition(observed.DeviceIndex, current.State, ledger.StateReleased); err != nil {
			return err
		}
		if err := r.ledger.Remove(observed.DeviceIndex); err != nil {
			return err
		}
		done = true
		return nil
	})
	return done, err
}

// Start runs reconcile passes until ctx is canceled.
func (r *Reconciler) Start(ctx context.Context) {
	log.Infof("reconciler started, interval: %s", interval())
	go func() {
		for {
			if _, err := r.RunOnce(ctx); err != nil {
				log.Errorf("reconcile pass failed: %s", err)
			}
			select {
			case <-ctx.Done():
				log.Info("reconciler stopped")
				return
			case <-time.After(interval()):
			}
		}
	}()
}

// interval is re-read on every pass so a watched config file can
// retune the loop without a restart.
func interval() time.Duration {
	d := viper.GetDuration("reconcilerInterval")
	if d == 0 {
		d = defaultInterval
	}
	return d
}
