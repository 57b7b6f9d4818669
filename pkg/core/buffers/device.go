// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DeviceCPU is the device type of host memory.
const DeviceCPU = "cpu"

// Device identifies where a buffer lives: a device type (e.g. "cpu", "cuda") and an index for
// devices that have more than one instance.
//
// The zero value is not a valid device, use CPU() for host memory.
type Device struct {
	Type  string
	Index int
}

// CPU returns the host memory device.
func CPU() Device { return Device{Type: DeviceCPU} }

// ParseDevice parses strings like "cpu", "cuda:0" or "tpu:3".
func ParseDevice(s string) (Device, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Device{}, errors.New("empty device string")
	}
	deviceType, indexStr, hasIndex := strings.Cut(s, ":")
	if !isValidDeviceType(deviceType) {
		return Device{}, errors.Errorf("invalid device type in %q", s)
	}
	d := Device{Type: deviceType}
	if hasIndex {
		index, err := strconv.Atoi(indexStr)
		if err != nil || index < 0 {
			return Device{}, errors.Errorf("invalid device index in %q", s)
		}
		d.Index = index
	}
	return d, nil
}

// MustParseDevice is like ParseDevice, but panics on error.
func MustParseDevice(s string) Device {
	d, err := ParseDevice(s)
	if err != nil {
		panic(err)
	}
	return d
}

func isValidDeviceType(t string) bool {
	if t == "" {
		return false
	}
	for _, r := range t {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

// IsValid returns whether the device has a type set.
func (d Device) IsValid() bool { return d.Type != "" }

// IsCPU returns whether the device is host memory.
func (d Device) IsCPU() bool { return d.Type == DeviceCPU }

// String implements fmt.Stringer. CPU devices are printed without index.
func (d Device) String() string {
	if d.Type == "" {
		return "<invalid>"
	}
	if d.IsCPU() && d.Index == 0 {
		return d.Type
	}
	return d.Type + ":" + strconv.Itoa(d.Index)
}
