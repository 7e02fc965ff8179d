package inventory

import (
	"errors"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/spf13/viper"
)

func TestInventory(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Inventory Suite")
}

const xpuSmiSample = `{
  "device_list": [
    {
      "device_id": 1,
      "device_name": "Intel(R) Data Center GPU Max 1100",
      "device_type": "GPU",
      "drm_device": "/dev/dri/card1",
      "uuid": "00000000-0000-0029-0000-002f0bda8086"
    },
    {
      "device_id": 0,
      "device_name": "Intel(R) Data Center GPU Max 1100",
      "device_type": "GPU",
      "drm_device": "/dev/dri/card0",
      "uuid": "00000000-0000-0008-0000-002f0bda8086"
    },
    {
      "device_id": 2,
      "device_name": "Intel(R) Ethernet Controller X710",
      "device_type": "NIC",
      "drm_device": "",
      "uuid": "00000000-0000-00aa-0000-002f0bda8086"
    }
  ]
}`

var _ = Describe("xpu-smi inventory", func() {

	Context("parse discovery output", func() {

		It("keeps gpu devices only, ordered by index", func() {
			inv := NewXpuSmiInventory()
			devices, err := inv.parseDiscovery([]byte(xpuSmiSample))
			Expect(err).NotTo(HaveOccurred())
			Expect(len(devices)).To(Equal(2))
			Expect(devices[0].Index).To(Equal(0))
			Expect(devices[0].Path).To(Equal("/dev/dri/card0"))
			Expect(devices[1].Index).To(Equal(1))
			Expect(devices[1].Path).To(Equal("/dev/dri/card1"))
			Expect(devices[0].Name).To(Equal("Intel(R) Data Center GPU Max 1100"))
		})

		It("fails on malformed output", func() {
			inv := NewXpuSmiInventory()
			_, err := inv.parseDiscovery([]byte(`{"device_list": [`))
			queryErr := &QueryError{}
			Expect(errors.As(err, &queryErr)).To(BeTrue())
		})

		It("fails on duplicate device indices", func() {
			inv := NewXpuSmiInventory()
			out := `{"device_list": [
				{"device_id": 0, "device_type": "GPU", "drm_device": "/dev/dri/card0"},
				{"device_id": 0, "device_type": "GPU", "drm_device": "/dev/dri/card1"}]}`
			_, err := inv.parseDiscovery([]byte(out))
			queryErr := &QueryError{}
			Expect(errors.As(err, &queryErr)).To(BeTrue())
		})

		It("fails on a gpu without a device node", func() {
			inv := NewXpuSmiInventory()
			out := `{"device_list": [{"device_id": 0, "device_type": "GPU", "drm_device": ""}]}`
			_, err := inv.parseDiscovery([]byte(out))
			queryErr := &QueryError{}
			Expect(errors.As(err, &queryErr)).To(BeTrue())
		})
	})

	Context("list devices", func() {

		It("fails when the tool is missing", func() {
			viper.Set("xpusmiBin", "xpu-smi-does-not-exist")
			defer viper.Set("xpusmiBin", "")
			inv := NewXpuSmiInventory()
			_, err := inv.ListDevices()
			queryErr := &QueryError{}
			Expect(errors.As(err, &queryErr)).To(BeTrue())
		})
	})
})

var _ = Describe("static inventory", func() {

	Context("list devices", func() {

		It("serves devices from configuration", func() {
			viper.Set("staticDevices", []map[string]interface{}{
				{"index": 1, "path": "/dev/dri/card1"},
				{"index": 0, "path": "/dev/dri/card0", "name": "test gpu"},
			})
			defer viper.Set("staticDevices", nil)
			inv := NewStaticInventory()
			devices, err := inv.ListDevices()
			Expect(err).NotTo(HaveOccurred())
			Expect(len(devices)).To(Equal(2))
			Expect(devices[0].Index).To(Equal(0))
			Expect(devices[0].Name).To(Equal("test gpu"))
			Expect(devices[1].Path).To(Equal("/dev/dri/card1"))
		})

		It("fails when no devices are configured", func() {
			viper.Set("staticDevices", nil)
			inv := NewStaticInventory()
			_, err := inv.ListDevices()
			queryErr := &QueryError{}
			Expect(errors.As(err, &queryErr)).To(BeTrue())
		})
	})
})

var _ = Describe("inventory backends", func() {

	It("selects the backend by configuration", func() {
		viper.Set("inventoryBackend", BackendStatic)
		defer viper.Set("inventoryBackend", "")
		inv, err := NewInventory()
		Expect(err).NotTo(HaveOccurred())
		Expect(inv).To(BeAssignableToTypeOf(&StaticInventory{}))
	})

	It("rejects unknown backends", func() {
		viper.Set("inventoryBackend", "teapot")
		defer viper.Set("inventoryBackend", "")
		_, err := NewInventory()
		Expect(err).To(HaveOccurred())
	})
})
