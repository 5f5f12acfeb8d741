package tensor

import (
	"fmt"
	"slices"
	"sort"

	"github.com/pkg/errors"
)

// Device identifies where a tensor lives. The zero value is the host CPU;
// accelerators are numbered from zero through Accelerator.
type Device int

// CPU is the host device.
const CPU Device = 0

// Accelerator returns the device for accelerator ordinal k.
func Accelerator(k int) Device {
	return Device(k + 1)
}

// Ordinal returns the accelerator ordinal, or -1 for the CPU.
func (d Device) Ordinal() int {
	return int(d) - 1
}

func (d Device) String() string {
	if d == CPU {
		return "cpu"
	}
	return fmt.Sprintf("hpu:%d", d.Ordinal())
}

// DeviceMap assigns transformer layers to accelerator ordinals.
type DeviceMap map[int][]int

// BalancedDeviceMap splits nLayers over nDevices in order, ceil(nLayers/nDevices) layers per device.
func BalancedDeviceMap(nLayers, nDevices int) DeviceMap {
	if nDevices < 1 {
		nDevices = 1
	}
	perDevice := max((nLayers+nDevices-1)/nDevices, 1)
	used := (nLayers + perDevice - 1) / perDevice

	// Devices left without a layer are not part of the map.
	dm := make(DeviceMap, used)
	for d := 0; d < used; d++ {
		start := d * perDevice
		end := min(start+perDevice, nLayers)
		layers := make([]int, 0, max(end-start, 0))
		for l := start; l < end; l++ {
			layers = append(layers, l)
		}
		dm[d] = layers
	}
	return dm
}

// Devices returns the device ordinals in ascending order.
func (dm DeviceMap) Devices() []int {
	keys := make([]int, 0, len(dm))
	for k := range dm {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// DeviceFor returns the accelerator that owns layer, and false if no device owns it.
func (dm DeviceMap) DeviceFor(layer int) (Device, bool) {
	for k, layers := range dm {
		if slices.Contains(layers, layer) {
			return Accelerator(k), true
		}
	}
	return CPU, false
}

// IsLastOnDevice reports whether layer is the final layer of its partition, and
// returns the partition's ordinal.
func (dm DeviceMap) IsLastOnDevice(layer int) (int, bool) {
	for k, layers := range dm {
		if len(layers) > 0 && layers[len(layers)-1] == layer {
			return k, true
		}
	}
	return 0, false
}

// AssertDeviceMap checks that every layer in [0, nLayers) is assigned exactly once.
func AssertDeviceMap(dm DeviceMap, nLayers int) error {
	seen := make(map[int]int, nLayers)
	var duplicate, extra []int
	for _, k := range dm.Devices() {
		for _, l := range dm[k] {
			if l < 0 || l >= nLayers {
				extra = append(extra, l)
				continue
			}
			seen[l]++
			if seen[l] == 2 {
				duplicate = append(duplicate, l)
			}
		}
	}

	var missing []int
	for l := 0; l < nLayers; l++ {
		if seen[l] == 0 {
			missing = append(missing, l)
		}
	}

	switch {
	case len(duplicate) > 0:
		return errors.Wrapf(ErrInvalidDeviceMap, "layers %v are assigned to more than one device", duplicate)
	case len(missing) > 0:
		return errors.Wrapf(ErrInvalidDeviceMap, "layers %v are not assigned to any device", missing)
	case len(extra) > 0:
		return errors.Wrapf(ErrInvalidDeviceMap, "model has %d layers but the map assigns %v", nLayers, extra)
	}
	return nil
}
