package tensor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalancedDeviceMap(t *testing.T) {
	tests := []struct {
		layers, devices int
		want            DeviceMap
	}{
		{5, 2, DeviceMap{0: {0, 1, 2}, 1: {3, 4}}},
		{4, 4, DeviceMap{0: {0}, 1: {1}, 2: {2}, 3: {3}}},
		{5, 4, DeviceMap{0: {0, 1}, 1: {2, 3}, 2: {4}}},
		{2, 4, DeviceMap{0: {0}, 1: {1}}},
		{3, 1, DeviceMap{0: {0, 1, 2}}},
		{28, 3, DeviceMap{0: seq(0, 10), 1: seq(10, 20), 2: seq(20, 28)}},
	}
	for _, tt := range tests {
		got := BalancedDeviceMap(tt.layers, tt.devices)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("BalancedDeviceMap(%d, %d) mismatch (-want +got):\n%s", tt.layers, tt.devices, diff)
		}
		require.NoError(t, AssertDeviceMap(got, tt.layers))
	}
}

func TestAssertDeviceMap(t *testing.T) {
	tests := map[string]DeviceMap{
		"duplicate": {0: {0, 1}, 1: {1, 2}},
		"missing":   {0: {0}, 1: {2}},
		"extra":     {0: {0, 1}, 1: {2, 3}},
	}
	for name, dm := range tests {
		t.Run(name, func(t *testing.T) {
			err := AssertDeviceMap(dm, 3)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDeviceMap), "got %v", err)
		})
	}
}

func TestDeviceMapLookups(t *testing.T) {
	dm := DeviceMap{0: {0, 1}, 1: {2, 3, 4}}
	assert.Equal(t, []int{0, 1}, dm.Devices())

	dev, ok := dm.DeviceFor(3)
	assert.True(t, ok)
	assert.Equal(t, Accelerator(1), dev)
	_, ok = dm.DeviceFor(7)
	assert.False(t, ok)

	k, last := dm.IsLastOnDevice(1)
	assert.True(t, last)
	assert.Equal(t, 0, k)
	_, last = dm.IsLastOnDevice(2)
	assert.False(t, last)
}

func seq(start, end int) []int {
	s := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		s = append(s, i)
	}
	return s
}
