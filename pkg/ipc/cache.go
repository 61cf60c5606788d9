// Package ipc maintains the receiver-side cache of imported memory
// handles. A remote allocation is mapped into this process at most once
// per device; the mapping is shared by every operation that references the
// same allocation and released when the last reference drops. Re-importing
// a handle that is already mapped is not guaranteed to succeed, which is
// why the cache, not the operation, owns the mapping.
package ipc

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/neurogrid/tensor-ipc/gpu/bindings"
	"github.com/neurogrid/tensor-ipc/pkg/gpu"
)

// ErrMapFailed is the kind for imports the driver rejected.
var ErrMapFailed = errors.New("IPC handle mapping failed")

type cacheKey struct {
	allocationID string
	device       int
}

type mapping struct {
	basePtr  bindings.DevicePtr
	refCount uint64
}

// HandleCache maps remote allocation ids to locally opened base pointers.
// All methods must run on the context loop; the cache carries no lock.
type HandleCache struct {
	mappings map[cacheKey]*mapping
}

// NewHandleCache returns an empty cache.
func NewHandleCache() *HandleCache {
	return &HandleCache{mappings: make(map[cacheKey]*mapping)}
}

// Open returns the local base pointer for the remote allocation,
// importing the handle on first use and bumping the refcount on every
// call. A failed import inserts nothing.
func (c *HandleCache) Open(allocationID string, memHandle []byte, device int) (bindings.DevicePtr, error) {
	key := cacheKey{allocationID: allocationID, device: device}
	if m, ok := c.mappings[key]; ok {
		m.refCount++
		return m.basePtr, nil
	}

	var base bindings.DevicePtr
	err := gpu.WithDevice(device, func() error {
		var err error
		base, err = bindings.IpcOpenMemHandle(memHandle)
		return err
	})
	if err != nil {
		return 0, errors.Wrapf(ErrMapFailed, "open %s on device %d: %v", allocationID, device, err)
	}
	klog.V(5).Infof("IPC cache opened %s on device %d", allocationID, device)
	c.mappings[key] = &mapping{basePtr: base, refCount: 1}
	return base, nil
}

// Release drops one reference and closes the mapping when none remain.
func (c *HandleCache) Release(allocationID string, device int) {
	key := cacheKey{allocationID: allocationID, device: device}
	m, ok := c.mappings[key]
	if !ok {
		klog.Errorf("IPC cache release of unknown mapping %s on device %d", allocationID, device)
		return
	}
	m.refCount--
	if m.refCount > 0 {
		return
	}
	delete(c.mappings, key)
	err := gpu.WithDevice(device, func() error {
		return bindings.IpcCloseMemHandle(m.basePtr)
	})
	if err != nil {
		klog.Errorf("IPC cache close of %s on device %d: %v", allocationID, device, err)
		return
	}
	klog.V(5).Infof("IPC cache closed %s on device %d", allocationID, device)
}

// Len returns the number of live mappings.
func (c *HandleCache) Len() int {
	return len(c.mappings)
}

// CloseAll closes every remaining mapping at context teardown. Every
// reference should have been released by then; leftovers indicate a leaked
// operation and are logged before being closed anyway.
func (c *HandleCache) CloseAll() {
	for key, m := range c.mappings {
		if m.refCount != 0 {
			klog.Errorf("IPC cache teardown with %d live refs on %s device %d",
				m.refCount, key.allocationID, key.device)
		}
		base := m.basePtr
		err := gpu.WithDevice(key.device, func() error {
			return bindings.IpcCloseMemHandle(base)
		})
		if err != nil {
			klog.Errorf("IPC cache teardown close of %s: %v", key.allocationID, err)
		}
	}
	c.mappings = make(map[cacheKey]*mapping)
}
