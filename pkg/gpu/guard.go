package gpu

import (
	"github.com/pkg/errors"

	"github.com/neurogrid/tensor-ipc/gpu/bindings"
)

// WithDevice runs fn with the current device set to device, restoring the
// previous device on every exit path. Driver calls whose behavior depends
// on the current device (handle export, async copies, event creation) must
// go through here.
func WithDevice(device int, fn func() error) error {
	prev, err := bindings.GetDevice()
	if err != nil {
		return errors.Wrapf(ErrDevice, "query current device: %v", err)
	}
	if prev == device {
		return fn()
	}
	if err := bindings.SetDevice(device); err != nil {
		return errors.Wrapf(ErrDevice, "set device %d: %v", device, err)
	}
	defer bindings.SetDevice(prev)
	return fn()
}
