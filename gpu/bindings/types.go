// Package bindings provides the GPU driver surface used by the tensor
// channel: device selection, streams, interprocess events, IPC memory
// handles, and async copies. The real implementation (build tag `cuda`)
// talks to the CUDA runtime and driver; the default build is a
// registry-backed mock so everything runs without a GPU.
package bindings

import "errors"

// IpcHandleSize is the fixed size of exported memory and event handles.
const IpcHandleSize = 64

// DevicePtr is a device memory address. With CUDA this is a CUdeviceptr;
// the mock hands out addresses from a fake address space.
type DevicePtr uint64

// Stream identifies a device stream.
type Stream uint64

// Event identifies a device event.
type Event uint64

var (
	ErrInvalidDevice  = errors.New("invalid device ordinal")
	ErrInvalidPointer = errors.New("pointer is not a device allocation")
	ErrInvalidEvent   = errors.New("invalid event")
	ErrInvalidStream  = errors.New("invalid stream")
	ErrInvalidHandle  = errors.New("invalid IPC handle")
	ErrAlreadyMapped  = errors.New("IPC handle already mapped in this process")
	ErrEventImported  = errors.New("imported events cannot be recorded")
	ErrOutOfRange     = errors.New("copy exceeds allocation bounds")
)
