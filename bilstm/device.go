package bilstm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DeviceKind distinguishes host memory from an accelerator.
type DeviceKind int

const (
	KindCPU DeviceKind = iota
	KindAccelerator
)

// Device is a tensor placement. The zero value is the CPU.
type Device struct {
	Kind DeviceKind
	ID   int
}

// CPU is host placement.
var CPU = Device{Kind: KindCPU}

// Accelerator returns the placement of accelerator id.
func Accelerator(id int) Device {
	return Device{Kind: KindAccelerator, ID: id}
}

// IsAccelerator reports whether d is an accelerator placement.
func (d Device) IsAccelerator() bool {
	return d.Kind == KindAccelerator
}

func (d Device) String() string {
	if d.Kind == KindAccelerator {
		return fmt.Sprintf("cuda:%d", d.ID)
	}
	return "cpu"
}

// ParseDevice accepts "cpu", "cuda", "gpu", "accelerator", optionally
// followed by ":N".
func ParseDevice(s string) (Device, error) {
	name, idx, hasIdx := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	switch name {
	case "", "cpu":
		if hasIdx {
			return Device{}, errors.Wrapf(ErrConfig, "cpu device takes no index: %q", s)
		}
		return CPU, nil
	case "cuda", "gpu", "accelerator":
		if !hasIdx {
			return Accelerator(0), nil
		}
		id, err := strconv.Atoi(idx)
		if err != nil || id < 0 {
			return Device{}, errors.Wrapf(ErrConfig, "invalid device index %q", s)
		}
		return Accelerator(id), nil
	default:
		return Device{}, errors.Wrapf(ErrConfig, "unknown device %q", s)
	}
}

// Placed is implemented by collaborators that know where their tensors live.
type Placed interface {
	Device() Device
}
