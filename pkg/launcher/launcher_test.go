package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/spf13/viper"

	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/inventory"
)

func TestLauncher(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Launcher Suite")
}

var _ = Describe("workload naming", func() {

	It("sanitizes arbitrary ids into safe names", func() {
		Expect(SanitizeWorkloadName("Train Job #42")).To(Equal("train-job-42"))
		Expect(SanitizeWorkloadName("  --weird__id--  ")).To(Equal("weird-id"))
		Expect(SanitizeWorkloadName("already-clean-1")).To(Equal("already-clean-1"))
		Expect(SanitizeWorkloadName("@@@@")).To(Equal("workload"))
	})

	It("caps sanitized names at 63 characters", func() {
		long := SanitizeWorkloadName(stringOfLength(200))
		Expect(len(long)).To(BeNumerically("<=", 63))
	})

	It("derives stable distinct tags", func() {
		Expect(WorkloadTag("train a")).To(Equal(WorkloadTag("train a")))
		// same sanitized form, different raw id
		Expect(WorkloadTag("train a")).NotTo(Equal(WorkloadTag("train-a")))
	})

	It("builds container names from tag and device index", func() {
		name := ContainerName("Train Job", 2)
		Expect(name).To(HavePrefix("fleetgpu-train-job-"))
		Expect(name).To(HaveSuffix("-gpu2"))
	})

	It("finds a free port at or above the base", func() {
		first, err := FreePort(20000)
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(BeNumerically(">=", 20000))

		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", first))
		Expect(err).NotTo(HaveOccurred())
		defer ln.Close()

		second, err := FreePort(20000)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(BeNumerically(">", first))
	})
})

var _ = Describe("ProcessLauncher", func() {

	var dir string
	var lnch *ProcessLauncher
	device := inventory.Device{Index: 0, Path: "/dev/dri/card0", Name: "test gpu"}

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "launcher-test")
		Expect(err).NotTo(HaveOccurred())
		viper.Set("runDir", dir)
		viper.Set("processCommand", []string{"sleep", "300"})
		viper.Set("stopTimeout", 2)
		lnch = NewProcessLauncher()
	})

	AfterEach(func() {
		lnch.Stop(context.Background(), "train-a")
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("round-trips pid files", func() {
		path := dir + "/w.pid"
		Expect(writePidFile(path, 4242, 123456)).To(Succeed())
		pid, ticks, err := readPidFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(pid).To(Equal(4242))
		Expect(ticks).To(Equal(uint64(123456)))
	})

	It("rejects malformed pid files", func() {
		path := dir + "/w.pid"
		Expect(os.WriteFile(path, []byte("garbage\n"), 0644)).To(Succeed())
		_, _, err := readPidFile(path)
		Expect(err).To(HaveOccurred())
	})

	It("reports unknown workloads as not alive", func() {
		alive, err := lnch.IsAlive(context.Background(), "never-started")
		Expect(err).NotTo(HaveOccurred())
		Expect(alive).To(BeFalse())
	})

	It("fails the launch when no command is configured", func() {
		viper.Set("processCommand", []string{})
		err := lnch.Start(context.Background(), device, "train-a")
		launchErr := &LaunchError{}
		Expect(errors.As(err, &launchErr)).To(BeTrue())
	})

	It("starts, observes and stops a workload", func() {
		ctx := context.Background()
		Expect(lnch.Start(ctx, device, "train-a")).To(Succeed())

		alive, err := lnch.IsAlive(ctx, "train-a")
		Expect(err).NotTo(HaveOccurred())
		Expect(alive).To(BeTrue())

		Expect(lnch.Stop(ctx, "train-a")).To(Succeed())
		Eventually(func() bool {
			alive, err := lnch.IsAlive(ctx, "train-a")
			Expect(err).NotTo(HaveOccurred())
			return alive
		}, "3s", "100ms").Should(BeFalse())
	})

	It("survives a stop of an already stopped workload", func() {
		ctx := context.Background()
		Expect(lnch.Start(ctx, device, "train-a")).To(Succeed())
		Expect(lnch.Stop(ctx, "train-a")).To(Succeed())
		Expect(lnch.Stop(ctx, "train-a")).To(Succeed())
	})
})

func stringOfLength(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
