package inventory

import (
	"encoding/json"
	"fmt"
	"os/exec"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// XpuSmiInventory discovers Intel GPUs through the xpu-smi management
// tool, one `xpu-smi discovery -j` invocation per call.
type XpuSmiInventory struct {
	bin string
}

type xpuSmiDiscovery struct {
	DeviceList []xpuSmiDevice `json:"device_list"`
}

type xpuSmiDevice struct {
	DeviceID   int    `json:"device_id"`
	DeviceType string `json:"device_type"`
	DeviceName string `json:"device_name"`
	DrmDevice  string `json:"drm_device"`
	UUID       string `json:"uuid"`
}

func NewXpuSmiInventory() *XpuSmiInventory {
	bin := viper.GetString("xpusmiBin")
	if bin == "" {
		bin = "xpu-smi"
	}
	return &XpuSmiInventory{bin: bin}
}

func (x *XpuSmiInventory) ListDevices() ([]Device, error) {
	out, err := exec.Command(x.bin, "discovery", "-j").Output()
	if err != nil {
		return nil, &QueryError{Backend: BackendXpuSmi, Err: fmt.Errorf("%s discovery failed: %w", x.bin, err)}
	}
	return x.parseDiscovery(out)
}

func (x *XpuSmiInventory) parseDiscovery(out []byte) ([]Device, error) {
	discovery := &xpuSmiDiscovery{}
	if err := json.Unmarshal(out, discovery); err != nil {
		return nil, &QueryError{Backend: BackendXpuSmi, Err: fmt.Errorf("malformed discovery output: %w", err)}
	}
	var devices []Device
	for _, d := range discovery.DeviceList {
		if d.DeviceType != "GPU" {
			log.Debugf("skipping non-gpu device: %s (%s)", d.DeviceName, d.DeviceType)
			continue
		}
		devices = append(devices, Device{
			Index: d.DeviceID,
			Path:  d.DrmDevice,
			Name:  d.DeviceName,
			UUID:  d.UUID,
		})
	}
	return sortAndValidate(BackendXpuSmi, devices)
}
