package inventory

import (
	"fmt"
	"sort"

	"github.com/spf13/viper"
)

const (
	BackendXpuSmi = "xpusmi"
	BackendNvml   = "nvml"
	BackendStatic = "static"
)

// Device is one physical accelerator. Index is stable for the process
// lifetime and is the only key claims bind to; Path is handed to the
// workload launcher as-is.
type Device struct {
	Index int    `json:"index"`
	Path  string `json:"path"`
	Name  string `json:"name,omitempty"`
	UUID  string `json:"uuid,omitempty"`
}

type Inventory interface {
	ListDevices() ([]Device, error)
}

// QueryError means the host accelerator tooling is unavailable or
// returned output we refuse to allocate on. A partial inventory could
// double-claim a device, so any allocation attempt must fail with it.
type QueryError struct {
	Backend string
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("device query failed (backend: %s): %s", e.Backend, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

func NewInventory() (Inventory, error) {
	switch backend := viper.GetString("inventoryBackend"); backend {
	case BackendXpuSmi, "":
		return NewXpuSmiInventory(), nil
	case BackendNvml:
		return NewNvmlInventory(), nil
	case BackendStatic:
		return NewStaticInventory(), nil
	default:
		return nil, fmt.Errorf("unknown inventory backend: %s", backend)
	}
}

func sortAndValidate(backend string, devices []Device) ([]Device, error) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })
	seen := make(map[int]bool)
	for _, d := range devices {
		if d.Index < 0 {
			return nil, &QueryError{Backend: backend, Err: fmt.Errorf("negative device index: %d", d.Index)}
		}
		if seen[d.Index] {
			return nil, &QueryError{Backend: backend, Err: fmt.Errorf("duplicate device index: %d", d.Index)}
		}
		if d.Path == "" {
			return nil, &QueryError{Backend: backend, Err: fmt.Errorf("device %d has no device node path", d.Index)}
		}
		seen[d.Index] = true
	}
	return devices, nil
}
