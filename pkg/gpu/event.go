// Package gpu wraps the driver bindings with the event and device-scope
// primitives the tensor channel is built on.
package gpu

import (
	"github.com/pkg/errors"

	"github.com/neurogrid/tensor-ipc/gpu/bindings"
)

// ErrDevice is the kind for failed driver calls. Callers test for it with
// errors.Is; the wrap chain carries the specific driver error.
var ErrDevice = errors.New("device driver call failed")

// Event wraps a device event. Events created with NewInterprocessEvent can
// be exported with SerializedHandle and imported elsewhere with
// ImportEvent. An imported event may only be waited upon, never recorded.
type Event struct {
	device   int
	ev       bindings.Event
	imported bool
	handle   []byte
}

// NewInterprocessEvent creates a fresh exportable event on device.
func NewInterprocessEvent(device int) (*Event, error) {
	var ev bindings.Event
	err := WithDevice(device, func() error {
		var err error
		ev, err = bindings.EventCreateInterprocess()
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(ErrDevice, "create interprocess event on device %d: %v", device, err)
	}
	return &Event{device: device, ev: ev}, nil
}

// ImportEvent opens an event handle exported by another process. The
// event becomes waitable on any local stream once the exporter records it.
func ImportEvent(device int, handle []byte) (*Event, error) {
	var ev bindings.Event
	err := WithDevice(device, func() error {
		var err error
		ev, err = bindings.IpcOpenEventHandle(handle)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(ErrDevice, "import event handle on device %d: %v", device, err)
	}
	return &Event{device: device, ev: ev, imported: true}, nil
}

// Record enqueues "signal when prior work on stream completes". Only valid
// on events this process created.
func (e *Event) Record(stream bindings.Stream) error {
	if e.imported {
		return errors.Wrap(ErrDevice, "record on imported event")
	}
	err := WithDevice(e.device, func() error {
		return bindings.EventRecord(e.ev, stream)
	})
	if err != nil {
		return errors.Wrapf(ErrDevice, "record event: %v", err)
	}
	return nil
}

// Wait enqueues a wait for the event on stream without blocking the host.
// The wait is issued under the guard for device, which owns the stream.
func (e *Event) Wait(stream bindings.Stream, device int) error {
	err := WithDevice(device, func() error {
		return bindings.StreamWaitEvent(stream, e.ev)
	})
	if err != nil {
		return errors.Wrapf(ErrDevice, "wait on event: %v", err)
	}
	return nil
}

// SerializedHandle returns the exportable handle bytes. The handle stays
// valid for importers even after the event is closed.
func (e *Event) SerializedHandle() ([]byte, error) {
	if e.handle != nil {
		return e.handle, nil
	}
	h, err := bindings.IpcGetEventHandle(e.ev)
	if err != nil {
		return nil, errors.Wrapf(ErrDevice, "export event handle: %v", err)
	}
	e.handle = h
	return h, nil
}

// Close destroys the event. Outstanding stream waits and exported handles
// are unaffected.
func (e *Event) Close() error {
	if err := bindings.EventDestroy(e.ev); err != nil {
		return errors.Wrapf(ErrDevice, "destroy event: %v", err)
	}
	return nil
}

// DeviceForPointer resolves the device owning the allocation that
// contains ptr.
func DeviceForPointer(ptr bindings.DevicePtr) (int, error) {
	d, err := bindings.PointerDevice(ptr)
	if err != nil {
		return 0, errors.Wrapf(ErrDevice, "query pointer device: %v", err)
	}
	return d, nil
}
