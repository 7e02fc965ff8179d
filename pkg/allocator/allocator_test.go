package allocator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/inventory"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/launcher"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/ledger"
)

func TestAllocator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Allocator Suite")
}

var _ = Describe("Allocator", func() {

	var dir string
	var led *ledger.Ledger
	var inv *fakeInventory
	var lnch *fakeLauncher
	var alloc *Allocator
	ctx := context.Background()

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "allocator-test")
		Expect(err).NotTo(HaveOccurred())
		led = ledger.NewAt(filepath.Join(dir, "ledger.json"))
		inv = &fakeInventory{devices: []inventory.Device{
			{Index: 0, Path: "/dev/dri/card0", Name: "gpu0"},
			{Index: 1, Path: "/dev/dri/card1", Name: "gpu1"},
			{Index: 2, Path: "/dev/dri/card2", Name: "gpu2"},
		}}
		lnch = newFakeLauncher()
		alloc = New(inv, lnch, led)
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("always binds the lowest free device index", func() {
		first, err := alloc.Allocate(ctx, "train-a")
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Device.Index).To(Equal(0))
		Expect(first.Claim.State).To(Equal(ledger.StateBound))

		second, err := alloc.Allocate(ctx, "train-b")
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Device.Index).To(Equal(1))

		Expect(alloc.Release(ctx, "train-a")).To(Succeed())

		third, err := alloc.Allocate(ctx, "train-c")
		Expect(err).NotTo(HaveOccurred())
		Expect(third.Device.Index).To(Equal(0))
	})

	It("turns workloads away once the fleet is full", func() {
		for _, id := range []string{"a", "b", "c"} {
			_, err := alloc.Allocate(ctx, id)
			Expect(err).NotTo(HaveOccurred())
		}
		_, err := alloc.Allocate(ctx, "one-too-many")
		Expect(errors.Is(err, ErrNoDeviceAvailable)).To(BeTrue())
	})

	It("rolls the claim back when the launch fails", func() {
		lnch.startErr = errors.New("image pull exploded")
		_, err := alloc.Allocate(ctx, "train-a")
		launchErr := &launcher.LaunchError{}
		Expect(errors.As(err, &launchErr)).To(BeTrue())

		// index 0 must be free again
		lnch.startErr = nil
		allocation, err := alloc.Allocate(ctx, "train-b")
		Expect(err).NotTo(HaveOccurred())
		Expect(allocation.Device.Index).To(Equal(0))
	})

	It("skips devices claimed by someone else", func() {
		Expect(led.WithExclusive(func() error {
			_, err := led.TryInsert(0, "squatter")
			return err
		})).To(Succeed())

		allocation, err := alloc.Allocate(ctx, "train-a")
		Expect(err).NotTo(HaveOccurred())
		Expect(allocation.Device.Index).To(Equal(1))
	})

	It("reports no device available when every index is claimed elsewhere", func() {
		inv.devices = inv.devices[:1]
		Expect(led.WithExclusive(func() error {
			_, err := led.TryInsert(0, "squatter")
			return err
		})).To(Succeed())

		_, err := alloc.Allocate(ctx, "train-a")
		Expect(errors.Is(err, ErrNoDeviceAvailable)).To(BeTrue())
	})

	It("refuses a second allocation for the same workload", func() {
		_, err := alloc.Allocate(ctx, "train-a")
		Expect(err).NotTo(HaveOccurred())
		_, err = alloc.Allocate(ctx, "train-a")
		Expect(err).To(MatchError(ContainSubstring("already holds device 0")))
	})

	It("stops the workload on release", func() {
		_, err := alloc.Allocate(ctx, "train-a")
		Expect(err).NotTo(HaveOccurred())
		Expect(alloc.Release(ctx, "train-a")).To(Succeed())
		Expect(lnch.stopped).To(ContainElement("train-a"))
	})

	It("rejects a release for an unknown workload", func() {
		err := alloc.Release(ctx, "never-allocated")
		Expect(errors.Is(err, ledger.ErrClaimNotFound)).To(BeTrue())
	})

	It("frees the index even when the stop fails", func() {
		_, err := alloc.Allocate(ctx, "train-a")
		Expect(err).NotTo(HaveOccurred())

		lnch.stopErr = errors.New("container is stuck")
		Expect(alloc.Release(ctx, "train-a")).To(Succeed())

		allocation, err := alloc.Allocate(ctx, "train-b")
		Expect(err).NotTo(HaveOccurred())
		Expect(allocation.Device.Index).To(Equal(0))
	})

	It("refuses to release a claim that never got bound", func() {
		Expect(led.WithExclusive(func() error {
			_, err := led.TryInsert(0, "train-a")
			return err
		})).To(Succeed())

		err := alloc.Release(ctx, "train-a")
		invalid := &ledger.InvalidTransitionError{}
		Expect(errors.As(err, &invalid)).To(BeTrue())
		Expect(invalid.Current).To(Equal(ledger.StatePending))
	})

	It("propagates inventory failures", func() {
		inv.err = &inventory.QueryError{Backend: "xpusmi", Err: errors.New("binary missing")}
		_, err := alloc.Allocate(ctx, "train-a")
		queryErr := &inventory.QueryError{}
		Expect(errors.As(err, &queryErr)).To(BeTrue())
	})
})

type fakeInventory struct {
	devices []inventory.Device
	err     error
}

func (f *fakeInventory) ListDevices() ([]inventory.Device, error) {
	return f.devices, f.err
}

type fakeLauncher struct {
	mu       sync.Mutex
	running  map[string]bool
	started  []string
	stopped  []string
	startErr error
	stopErr  error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{running: make(map[string]bool)}
}

func (f *fakeLauncher) Start(ctx context.Context, device inventory.Device, workloadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return &launcher.LaunchError{WorkloadID: workloadID, Err: f.startErr}
	}
	f.running[workloadID] = true
	f.started = append(f.started, workloadID)
	return nil
}

func (f *fakeLauncher) Stop(ctx context.Context, workloadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, workloadID)
	if f.stopErr != nil {
		return f.stopErr
	}
	delete(f.running, workloadID)
	return nil
}

func (f *fakeLauncher) IsAlive(ctx context.Context, workloadID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[workloadID], nil
}
