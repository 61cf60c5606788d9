//go:build !cuda
// +build !cuda

package bindings

import (
	"encoding/binary"
	"sync"
)

// Mock driver. Devices, allocations, streams and events live in a single
// process-wide registry, so two channel endpoints created in one test
// process see each other's memory exactly the way two processes sharing a
// GPU would. Streams execute work at enqueue time, which keeps every
// host-visible ordering guarantee trivially true.

const mockDeviceCount = 8

var (
	memHandleMagic   = [4]byte{'M', 'M', 'E', 'M'}
	eventHandleMagic = [4]byte{'M', 'E', 'V', 'T'}
)

type mockAlloc struct {
	device   int
	base     uint64
	data     []byte
	bufferID uint64
}

type mockEvent struct {
	device      int
	interproc   bool
	recorded    bool
	destroyed   bool
	exportID    uint64
	importedRef *mockEvent
}

type mockState struct {
	mu         sync.Mutex
	curDevice  int
	nextAddr   uint64
	nextBufID  uint64
	nextEvent  uint64
	nextStream uint64
	allocs     map[uint64]*mockAlloc // keyed by base address
	events     map[uint64]*mockEvent
	streams    map[uint64]int // stream id -> device
	openCount  map[uint64]int // mapped base -> open handles
	ipcOpens   int
	ipcCloses  int
}

var mock = newMockState()

func newMockState() *mockState {
	return &mockState{
		nextAddr:   0x2_0000_0000,
		nextBufID:  1,
		nextEvent:  1,
		nextStream: 1,
		allocs:     make(map[uint64]*mockAlloc),
		events:     make(map[uint64]*mockEvent),
		streams:    make(map[uint64]int),
		openCount:  make(map[uint64]int),
	}
}

// MockReset reinitializes the registry. Test helper.
func MockReset() {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	fresh := newMockState()
	mock.curDevice = 0
	mock.nextAddr = fresh.nextAddr
	mock.nextBufID = fresh.nextBufID
	mock.nextEvent = fresh.nextEvent
	mock.nextStream = fresh.nextStream
	mock.allocs = fresh.allocs
	mock.events = fresh.events
	mock.streams = fresh.streams
	mock.openCount = fresh.openCount
	mock.ipcOpens = 0
	mock.ipcCloses = 0
}

// MockIpcStats returns how many memory handles were opened and closed
// since the last reset. Test helper.
func MockIpcStats() (opens, closes int) {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	return mock.ipcOpens, mock.ipcCloses
}

// DeviceCount returns the number of visible devices.
func DeviceCount() (int, error) {
	return mockDeviceCount, nil
}

// SetDevice selects the current device.
func SetDevice(device int) error {
	if device < 0 || device >= mockDeviceCount {
		return ErrInvalidDevice
	}
	mock.mu.Lock()
	defer mock.mu.Unlock()
	mock.curDevice = device
	return nil
}

// GetDevice returns the current device.
func GetDevice() (int, error) {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	return mock.curDevice, nil
}

// Malloc allocates device memory on the current device.
func Malloc(size int) (DevicePtr, error) {
	if size < 0 {
		return 0, ErrOutOfRange
	}
	mock.mu.Lock()
	defer mock.mu.Unlock()

	span := uint64(size)
	if span == 0 {
		span = 1
	}
	base := mock.nextAddr
	mock.nextAddr += (span + 255) &^ 255

	a := &mockAlloc{
		device:   mock.curDevice,
		base:     base,
		data:     make([]byte, size),
		bufferID: mock.nextBufID,
	}
	mock.nextBufID++
	mock.allocs[base] = a
	return DevicePtr(base), nil
}

// Free releases a device allocation. The pointer must be the base.
func Free(ptr DevicePtr) error {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	if _, ok := mock.allocs[uint64(ptr)]; !ok {
		return ErrInvalidPointer
	}
	delete(mock.allocs, uint64(ptr))
	return nil
}

// findAlloc locates the allocation containing ptr. Caller holds the lock.
func (s *mockState) findAlloc(ptr uint64) *mockAlloc {
	for _, a := range s.allocs {
		span := uint64(len(a.data))
		if span == 0 {
			span = 1
		}
		if ptr >= a.base && ptr < a.base+span {
			return a
		}
	}
	return nil
}

// MemGetAddressRange returns the base and size of the allocation
// containing ptr.
func MemGetAddressRange(ptr DevicePtr) (DevicePtr, int, error) {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	a := mock.findAlloc(uint64(ptr))
	if a == nil {
		return 0, 0, ErrInvalidPointer
	}
	return DevicePtr(a.base), len(a.data), nil
}

// PointerDevice returns the device owning the allocation containing ptr.
func PointerDevice(ptr DevicePtr) (int, error) {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	a := mock.findAlloc(uint64(ptr))
	if a == nil {
		return 0, ErrInvalidPointer
	}
	return a.device, nil
}

// PointerBufferID returns the driver buffer id of the allocation
// containing ptr. Ids are stable for the allocation's lifetime and never
// shared by two live allocations.
func PointerBufferID(ptr DevicePtr) (uint64, error) {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	a := mock.findAlloc(uint64(ptr))
	if a == nil {
		return 0, ErrInvalidPointer
	}
	return a.bufferID, nil
}

// CreateStream creates a stream on the current device.
func CreateStream() (Stream, error) {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	id := mock.nextStream
	mock.nextStream++
	mock.streams[id] = mock.curDevice
	return Stream(id), nil
}

// DestroyStream destroys a stream.
func DestroyStream(stream Stream) error {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	if _, ok := mock.streams[uint64(stream)]; !ok {
		return ErrInvalidStream
	}
	delete(mock.streams, uint64(stream))
	return nil
}

// SyncStream blocks until all work on the stream has completed. Mock
// streams run at enqueue time, so this only validates the handle.
func SyncStream(stream Stream) error {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	if _, ok := mock.streams[uint64(stream)]; !ok {
		return ErrInvalidStream
	}
	return nil
}

// EventCreateInterprocess creates an exportable event on the current
// device.
func EventCreateInterprocess() (Event, error) {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	id := mock.nextEvent
	mock.nextEvent++
	mock.events[id] = &mockEvent{device: mock.curDevice, interproc: true, exportID: id}
	return Event(id), nil
}

// EventRecord enqueues a signal of ev after prior work on stream.
func EventRecord(ev Event, stream Stream) error {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	e, ok := mock.events[uint64(ev)]
	if !ok {
		return ErrInvalidEvent
	}
	if e.importedRef != nil {
		return ErrEventImported
	}
	if _, ok := mock.streams[uint64(stream)]; !ok {
		return ErrInvalidStream
	}
	e.recorded = true
	return nil
}

// StreamWaitEvent enqueues a wait for ev on stream without blocking the
// host.
func StreamWaitEvent(stream Stream, ev Event) error {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	e, ok := mock.events[uint64(ev)]
	if !ok {
		return ErrInvalidEvent
	}
	if e.importedRef != nil {
		e = e.importedRef
	}
	if _, ok := mock.streams[uint64(stream)]; !ok {
		return ErrInvalidStream
	}
	// Synchronous mock streams mean a recorded event has already fired;
	// an unrecorded one will be satisfied retroactively when recorded.
	_ = e
	return nil
}

// EventDestroy releases the caller's handle on ev. The underlying record
// stays resolvable so previously exported handles remain importable.
func EventDestroy(ev Event) error {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	e, ok := mock.events[uint64(ev)]
	if !ok {
		return ErrInvalidEvent
	}
	e.destroyed = true
	return nil
}

// IpcGetEventHandle exports ev as an opaque handle blob.
func IpcGetEventHandle(ev Event) ([]byte, error) {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	e, ok := mock.events[uint64(ev)]
	if !ok {
		return nil, ErrInvalidEvent
	}
	if !e.interproc {
		return nil, ErrInvalidEvent
	}
	h := make([]byte, IpcHandleSize)
	copy(h, eventHandleMagic[:])
	binary.BigEndian.PutUint64(h[4:], e.exportID)
	return h, nil
}

// IpcOpenEventHandle imports an event handle exported elsewhere. The
// resulting event may only be waited upon.
func IpcOpenEventHandle(handle []byte) (Event, error) {
	if len(handle) != IpcHandleSize || string(handle[:4]) != string(eventHandleMagic[:]) {
		return 0, ErrInvalidHandle
	}
	mock.mu.Lock()
	defer mock.mu.Unlock()
	src, ok := mock.events[binary.BigEndian.Uint64(handle[4:])]
	if !ok {
		return 0, ErrInvalidHandle
	}
	id := mock.nextEvent
	mock.nextEvent++
	mock.events[id] = &mockEvent{device: src.device, interproc: true, exportID: id, importedRef: src}
	return Event(id), nil
}

// IpcGetMemHandle exports the allocation containing ptr as an opaque
// handle blob. Repeated exports of the same allocation yield identical
// handles.
func IpcGetMemHandle(ptr DevicePtr) ([]byte, error) {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	a := mock.findAlloc(uint64(ptr))
	if a == nil {
		return nil, ErrInvalidPointer
	}
	h := make([]byte, IpcHandleSize)
	copy(h, memHandleMagic[:])
	binary.BigEndian.PutUint64(h[4:], a.base)
	return h, nil
}

// IpcOpenMemHandle maps a remote allocation and returns its local base
// pointer. Like the real driver, mapping a handle that is already open in
// this process fails, which is what forces callers to cache mappings.
func IpcOpenMemHandle(handle []byte) (DevicePtr, error) {
	if len(handle) != IpcHandleSize || string(handle[:4]) != string(memHandleMagic[:]) {
		return 0, ErrInvalidHandle
	}
	mock.mu.Lock()
	defer mock.mu.Unlock()
	base := binary.BigEndian.Uint64(handle[4:])
	if _, ok := mock.allocs[base]; !ok {
		return 0, ErrInvalidHandle
	}
	if mock.openCount[base] > 0 {
		return 0, ErrAlreadyMapped
	}
	mock.openCount[base]++
	mock.ipcOpens++
	return DevicePtr(base), nil
}

// IpcCloseMemHandle unmaps a pointer returned by IpcOpenMemHandle.
func IpcCloseMemHandle(ptr DevicePtr) error {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	base := uint64(ptr)
	if mock.openCount[base] <= 0 {
		return ErrInvalidPointer
	}
	mock.openCount[base]--
	mock.ipcCloses++
	return nil
}

// MemcpyAsync copies n bytes device-to-device on stream.
func MemcpyAsync(dst, src DevicePtr, n int, stream Stream) error {
	if n < 0 {
		return ErrOutOfRange
	}
	mock.mu.Lock()
	defer mock.mu.Unlock()
	if _, ok := mock.streams[uint64(stream)]; !ok {
		return ErrInvalidStream
	}
	if n == 0 {
		return nil
	}
	da := mock.findAlloc(uint64(dst))
	sa := mock.findAlloc(uint64(src))
	if da == nil || sa == nil {
		return ErrInvalidPointer
	}
	doff := uint64(dst) - da.base
	soff := uint64(src) - sa.base
	if doff+uint64(n) > uint64(len(da.data)) || soff+uint64(n) > uint64(len(sa.data)) {
		return ErrOutOfRange
	}
	copy(da.data[doff:doff+uint64(n)], sa.data[soff:soff+uint64(n)])
	return nil
}

// MemcpyHtoD copies host bytes to device memory on stream.
func MemcpyHtoD(dst DevicePtr, src []byte, stream Stream) error {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	if _, ok := mock.streams[uint64(stream)]; !ok {
		return ErrInvalidStream
	}
	if len(src) == 0 {
		return nil
	}
	da := mock.findAlloc(uint64(dst))
	if da == nil {
		return ErrInvalidPointer
	}
	off := uint64(dst) - da.base
	if off+uint64(len(src)) > uint64(len(da.data)) {
		return ErrOutOfRange
	}
	copy(da.data[off:], src)
	return nil
}

// MemcpyDtoH copies device memory to host bytes on stream.
func MemcpyDtoH(dst []byte, src DevicePtr, stream Stream) error {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	if _, ok := mock.streams[uint64(stream)]; !ok {
		return ErrInvalidStream
	}
	if len(dst) == 0 {
		return nil
	}
	sa := mock.findAlloc(uint64(src))
	if sa == nil {
		return ErrInvalidPointer
	}
	off := uint64(src) - sa.base
	if off+uint64(len(dst)) > uint64(len(sa.data)) {
		return ErrOutOfRange
	}
	copy(dst, sa.data[off:])
	return nil
}

// IsCUDAEnabled returns true when CUDA support is compiled in.
func IsCUDAEnabled() bool {
	return false
}
