//go:build cuda
// +build cuda

package bindings

/*
#cgo CFLAGS: -I/usr/local/cuda/include

// x86_64 with standard CUDA install
#cgo linux,amd64 LDFLAGS: -L/usr/local/cuda/lib64 -lcudart -lcuda

// arm64 with system CUDA install (apt)
#cgo linux,arm64 LDFLAGS: -L/usr/lib/aarch64-linux-gnu -lcudart -lcuda

#include <cuda.h>
#include <cuda_runtime.h>
#include <string.h>

static int ipcGetMemHandle(void* out, unsigned long long ptr) {
	cudaIpcMemHandle_t h;
	cudaError_t err = cudaIpcGetMemHandle(&h, (void*)(uintptr_t)ptr);
	if (err != cudaSuccess) return (int)err;
	memcpy(out, &h, sizeof(h));
	return 0;
}

static int ipcOpenMemHandle(unsigned long long* out, const void* in) {
	cudaIpcMemHandle_t h;
	void* ptr;
	memcpy(&h, in, sizeof(h));
	cudaError_t err = cudaIpcOpenMemHandle(&ptr, h, cudaIpcMemLazyEnablePeerAccess);
	if (err != cudaSuccess) return (int)err;
	*out = (unsigned long long)(uintptr_t)ptr;
	return 0;
}

static int ipcGetEventHandle(void* out, unsigned long long ev) {
	cudaIpcEventHandle_t h;
	cudaError_t err = cudaIpcGetEventHandle(&h, (cudaEvent_t)(uintptr_t)ev);
	if (err != cudaSuccess) return (int)err;
	memcpy(out, &h, sizeof(h));
	return 0;
}

static int ipcOpenEventHandle(unsigned long long* out, const void* in) {
	cudaIpcEventHandle_t h;
	cudaEvent_t ev;
	memcpy(&h, in, sizeof(h));
	cudaError_t err = cudaIpcOpenEventHandle(&ev, h);
	if (err != cudaSuccess) return (int)err;
	*out = (unsigned long long)(uintptr_t)ev;
	return 0;
}

static int memGetAddressRange(unsigned long long* base, size_t* size, unsigned long long ptr) {
	CUdeviceptr b;
	size_t s;
	CUresult res = cuMemGetAddressRange(&b, &s, (CUdeviceptr)ptr);
	if (res != CUDA_SUCCESS) return (int)res;
	*base = (unsigned long long)b;
	*size = s;
	return 0;
}

static int pointerBufferID(unsigned long long* out, unsigned long long ptr) {
	unsigned long long id;
	CUresult res = cuPointerGetAttribute(&id, CU_POINTER_ATTRIBUTE_BUFFER_ID, (CUdeviceptr)ptr);
	if (res != CUDA_SUCCESS) return (int)res;
	*out = id;
	return 0;
}

static int pointerDevice(int* out, unsigned long long ptr) {
	struct cudaPointerAttributes attrs;
	cudaError_t err = cudaPointerGetAttributes(&attrs, (void*)(uintptr_t)ptr);
	if (err != cudaSuccess) return (int)err;
	*out = attrs.device;
	return 0;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// CUDAError wraps CUDA error codes.
type CUDAError int

func (e CUDAError) Error() string {
	return fmt.Sprintf("CUDA error: %d", int(e))
}

func check(ret C.int) error {
	if ret != 0 {
		return CUDAError(ret)
	}
	return nil
}

// DeviceCount returns the number of visible devices.
func DeviceCount() (int, error) {
	var n C.int
	if err := check(C.int(C.cudaGetDeviceCount(&n))); err != nil {
		return 0, err
	}
	return int(n), nil
}

// SetDevice selects the current device for the calling thread.
func SetDevice(device int) error {
	return check(C.int(C.cudaSetDevice(C.int(device))))
}

// GetDevice returns the current device for the calling thread.
func GetDevice() (int, error) {
	var d C.int
	if err := check(C.int(C.cudaGetDevice(&d))); err != nil {
		return 0, err
	}
	return int(d), nil
}

// Malloc allocates device memory on the current device.
func Malloc(size int) (DevicePtr, error) {
	var ptr unsafe.Pointer
	if err := check(C.int(C.cudaMalloc(&ptr, C.size_t(size)))); err != nil {
		return 0, err
	}
	return DevicePtr(uintptr(ptr)), nil
}

// Free releases a device allocation.
func Free(ptr DevicePtr) error {
	return check(C.int(C.cudaFree(unsafe.Pointer(uintptr(ptr)))))
}

// MemGetAddressRange returns the base and size of the allocation
// containing ptr.
func MemGetAddressRange(ptr DevicePtr) (DevicePtr, int, error) {
	var base C.ulonglong
	var size C.size_t
	if err := check(C.memGetAddressRange(&base, &size, C.ulonglong(ptr))); err != nil {
		return 0, 0, err
	}
	return DevicePtr(base), int(size), nil
}

// PointerDevice returns the device owning the allocation containing ptr.
func PointerDevice(ptr DevicePtr) (int, error) {
	var d C.int
	if err := check(C.pointerDevice(&d, C.ulonglong(ptr))); err != nil {
		return 0, err
	}
	return int(d), nil
}

// PointerBufferID returns the driver buffer id of the allocation
// containing ptr.
func PointerBufferID(ptr DevicePtr) (uint64, error) {
	var id C.ulonglong
	if err := check(C.pointerBufferID(&id, C.ulonglong(ptr))); err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// CreateStream creates a stream on the current device.
func CreateStream() (Stream, error) {
	var s C.cudaStream_t
	if err := check(C.int(C.cudaStreamCreate(&s))); err != nil {
		return 0, err
	}
	return Stream(uintptr(unsafe.Pointer(s))), nil
}

// DestroyStream destroys a stream.
func DestroyStream(stream Stream) error {
	return check(C.int(C.cudaStreamDestroy(C.cudaStream_t(unsafe.Pointer(uintptr(stream))))))
}

// SyncStream blocks until all work on the stream has completed.
func SyncStream(stream Stream) error {
	return check(C.int(C.cudaStreamSynchronize(C.cudaStream_t(unsafe.Pointer(uintptr(stream))))))
}

// EventCreateInterprocess creates an exportable event on the current
// device.
func EventCreateInterprocess() (Event, error) {
	var ev C.cudaEvent_t
	flags := C.uint(C.cudaEventDisableTiming | C.cudaEventInterprocess)
	if err := check(C.int(C.cudaEventCreateWithFlags(&ev, flags))); err != nil {
		return 0, err
	}
	return Event(uintptr(unsafe.Pointer(ev))), nil
}

// EventRecord enqueues a signal of ev after prior work on stream.
func EventRecord(ev Event, stream Stream) error {
	return check(C.int(C.cudaEventRecord(
		C.cudaEvent_t(unsafe.Pointer(uintptr(ev))),
		C.cudaStream_t(unsafe.Pointer(uintptr(stream))))))
}

// StreamWaitEvent enqueues a wait for ev on stream without blocking the
// host.
func StreamWaitEvent(stream Stream, ev Event) error {
	return check(C.int(C.cudaStreamWaitEvent(
		C.cudaStream_t(unsafe.Pointer(uintptr(stream))),
		C.cudaEvent_t(unsafe.Pointer(uintptr(ev))), 0)))
}

// EventDestroy releases ev. Handles already exported stay importable.
func EventDestroy(ev Event) error {
	return check(C.int(C.cudaEventDestroy(C.cudaEvent_t(unsafe.Pointer(uintptr(ev))))))
}

// IpcGetEventHandle exports ev as an opaque handle blob.
func IpcGetEventHandle(ev Event) ([]byte, error) {
	h := make([]byte, IpcHandleSize)
	if err := check(C.ipcGetEventHandle(unsafe.Pointer(&h[0]), C.ulonglong(ev))); err != nil {
		return nil, err
	}
	return h, nil
}

// IpcOpenEventHandle imports an event handle exported by another process.
func IpcOpenEventHandle(handle []byte) (Event, error) {
	if len(handle) != IpcHandleSize {
		return 0, ErrInvalidHandle
	}
	var ev C.ulonglong
	if err := check(C.ipcOpenEventHandle(&ev, unsafe.Pointer(&handle[0]))); err != nil {
		return 0, err
	}
	return Event(ev), nil
}

// IpcGetMemHandle exports the allocation containing ptr as an opaque
// handle blob.
func IpcGetMemHandle(ptr DevicePtr) ([]byte, error) {
	h := make([]byte, IpcHandleSize)
	if err := check(C.ipcGetMemHandle(unsafe.Pointer(&h[0]), C.ulonglong(ptr))); err != nil {
		return nil, err
	}
	return h, nil
}

// IpcOpenMemHandle maps a remote allocation and returns its local base
// pointer.
func IpcOpenMemHandle(handle []byte) (DevicePtr, error) {
	if len(handle) != IpcHandleSize {
		return 0, ErrInvalidHandle
	}
	var ptr C.ulonglong
	if err := check(C.ipcOpenMemHandle(&ptr, unsafe.Pointer(&handle[0]))); err != nil {
		return 0, err
	}
	return DevicePtr(ptr), nil
}

// IpcCloseMemHandle unmaps a pointer returned by IpcOpenMemHandle.
func IpcCloseMemHandle(ptr DevicePtr) error {
	return check(C.int(C.cudaIpcCloseMemHandle(unsafe.Pointer(uintptr(ptr)))))
}

// MemcpyAsync copies n bytes device-to-device on stream.
func MemcpyAsync(dst, src DevicePtr, n int, stream Stream) error {
	return check(C.int(C.cudaMemcpyAsync(
		unsafe.Pointer(uintptr(dst)),
		unsafe.Pointer(uintptr(src)),
		C.size_t(n),
		C.cudaMemcpyDeviceToDevice,
		C.cudaStream_t(unsafe.Pointer(uintptr(stream))))))
}

// MemcpyHtoD copies host bytes to device memory on stream.
func MemcpyHtoD(dst DevicePtr, src []byte, stream Stream) error {
	if len(src) == 0 {
		return nil
	}
	return check(C.int(C.cudaMemcpyAsync(
		unsafe.Pointer(uintptr(dst)),
		unsafe.Pointer(&src[0]),
		C.size_t(len(src)),
		C.cudaMemcpyHostToDevice,
		C.cudaStream_t(unsafe.Pointer(uintptr(stream))))))
}

// MemcpyDtoH copies device memory to host bytes on stream.
func MemcpyDtoH(dst []byte, src DevicePtr, stream Stream) error {
	if len(dst) == 0 {
		return nil
	}
	return check(C.int(C.cudaMemcpyAsync(
		unsafe.Pointer(&dst[0]),
		unsafe.Pointer(uintptr(src)),
		C.size_t(len(dst)),
		C.cudaMemcpyDeviceToHost,
		C.cudaStream_t(unsafe.Pointer(uintptr(stream))))))
}

// IsCUDAEnabled returns true when CUDA support is compiled in.
func IsCUDAEnabled() bool {
	return true
}
