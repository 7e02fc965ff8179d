package inventory

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	log "github.com/sirupsen/logrus"
)

// NvmlInventory discovers NVIDIA GPUs through NVML.
type NvmlInventory struct{}

func NewNvmlInventory() *NvmlInventory {
	return &NvmlInventory{}
}

func (n *NvmlInventory) ListDevices() ([]Device, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, &QueryError{Backend: BackendNvml, Err: fmt.Errorf("nvml init: %s", nvml.ErrorString(ret))}
	}
	defer func() {
		if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
			log.Warnf("nvml shutdown failed: %s", nvml.ErrorString(ret))
		}
	}()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, &QueryError{Backend: BackendNvml, Err: fmt.Errorf("device count: %s", nvml.ErrorString(ret))}
	}
	var devices []Device
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, &QueryError{Backend: BackendNvml, Err: fmt.Errorf("device handle %d: %s", i, nvml.ErrorString(ret))}
		}
		uuid, ret := device.GetUUID()
		if ret != nvml.SUCCESS {
			return nil, &QueryError{Backend: BackendNvml, Err: fmt.Errorf("device %d uuid: %s", i, nvml.ErrorString(ret))}
		}
		name, ret := device.GetName()
		if ret != nvml.SUCCESS {
			return nil, &QueryError{Backend: BackendNvml, Err: fmt.Errorf("device %d name: %s", i, nvml.ErrorString(ret))}
		}
		devices = append(devices, Device{
			Index: i,
			Path:  fmt.Sprintf("/dev/nvidia%d", i),
			Name:  name,
			UUID:  uuid,
		})
	}
	return sortAndValidate(BackendNvml, devices)
}
