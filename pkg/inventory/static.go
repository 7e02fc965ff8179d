package inventory

import (
	"fmt"

	"github.com/spf13/viper"
)

// StaticInventory serves a fixed device set from the `staticDevices`
// configuration key, for hosts without vendor management tooling.
type StaticInventory struct{}

func NewStaticInventory() *StaticInventory {
	return &StaticInventory{}
}

func (s *StaticInventory) ListDevices() ([]Device, error) {
	var devices []Device
	if err := viper.UnmarshalKey("staticDevices", &devices); err != nil {
		return nil, &QueryError{Backend: BackendStatic, Err: fmt.Errorf("bad staticDevices configs: %w", err)}
	}
	if len(devices) == 0 {
		return nil, &QueryError{Backend: BackendStatic, Err: fmt.Errorf("staticDevices is empty")}
	}
	return sortAndValidate(BackendStatic, devices)
}
