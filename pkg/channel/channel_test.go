//go:build !cuda
// +build !cuda

package channel

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/neurogrid/tensor-ipc/gpu/bindings"
	"github.com/neurogrid/tensor-ipc/pkg/transport"
	"github.com/neurogrid/tensor-ipc/pkg/wire"
)

const testTimeout = 5 * time.Second

// endpoints is a producer/consumer channel pair wired over an in-memory
// control pair, each side with its own context, sharing the mock driver
// registry the way two processes share a GPU.
type endpoints struct {
	prodCtx, consCtx *Context
	prod, cons       *Channel
	prodStream       bindings.Stream
	consStream       bindings.Stream
}

func newEndpoints(t *testing.T, consOpts Options) *endpoints {
	t.Helper()
	bindings.MockReset()

	e := &endpoints{
		prodCtx: NewContext(),
		consCtx: NewContext(),
	}
	t.Cleanup(func() {
		e.prodCtx.Close()
		e.consCtx.Close()
	})

	prodPair, consPair := transport.Pipe()
	e.prod = e.prodCtx.NewChannel(prodPair.Reply, prodPair.Ack, DefaultOptions())
	e.cons = e.consCtx.NewChannel(consPair.Reply, consPair.Ack, consOpts)
	e.prod.SetID("test-producer")
	e.cons.SetID("test-consumer")

	var err error
	if e.prodStream, err = bindings.CreateStream(); err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}
	if e.consStream, err = bindings.CreateStream(); err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}
	return e
}

func devAlloc(t *testing.T, size int) bindings.DevicePtr {
	t.Helper()
	ptr, err := bindings.Malloc(size)
	if err != nil {
		t.Fatalf("Malloc failed: %v", err)
	}
	return ptr
}

func fillDevice(t *testing.T, ptr bindings.DevicePtr, data []byte, stream bindings.Stream) {
	t.Helper()
	if err := bindings.MemcpyHtoD(ptr, data, stream); err != nil {
		t.Fatalf("MemcpyHtoD failed: %v", err)
	}
}

func readDevice(t *testing.T, ptr bindings.DevicePtr, n int, stream bindings.Stream) []byte {
	t.Helper()
	if err := bindings.SyncStream(stream); err != nil {
		t.Fatalf("SyncStream failed: %v", err)
	}
	out := make([]byte, n)
	if err := bindings.MemcpyDtoH(out, ptr, stream); err != nil {
		t.Fatalf("MemcpyDtoH failed: %v", err)
	}
	return out
}

func waitCallback(t *testing.T, ch chan error, what string) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func pollIpcStats(t *testing.T, wantOpens, wantCloses int) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for {
		opens, closes := bindings.MockIpcStats()
		if opens == wantOpens && closes == wantCloses {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("ipc stats: got %d/%d, want %d/%d", opens, closes, wantOpens, wantCloses)
		}
		time.Sleep(time.Millisecond)
	}
}

func pattern(n, seed int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(seed + i)
	}
	return out
}

func TestIdentityTransfer(t *testing.T) {
	e := newEndpoints(t, DefaultOptions())

	src := devAlloc(t, 256)
	dst := devAlloc(t, 256)
	want := pattern(256, 0)
	fillDevice(t, src, want, e.prodStream)

	sendDone := make(chan error, 1)
	desc, err := e.prod.Send(Buffer{Ptr: src, Length: 256, Stream: e.prodStream}, func(err error) {
		sendDone <- err
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(desc) == 0 || len(desc) > 256 {
		t.Errorf("descriptor size %d out of range", len(desc))
	}

	recvDone := make(chan error, 1)
	e.cons.Recv(desc, Buffer{Ptr: dst, Length: 256, Stream: e.consStream}, func(err error) {
		recvDone <- err
	})

	if err := waitCallback(t, recvDone, "recv callback"); err != nil {
		t.Fatalf("recv callback error: %v", err)
	}
	if err := waitCallback(t, sendDone, "send callback"); err != nil {
		t.Fatalf("send callback error: %v", err)
	}

	if got := readDevice(t, dst, 256, e.consStream); !bytes.Equal(got, want) {
		t.Error("destination bytes differ from source")
	}
}

func TestTwoSendsShareOneAllocation(t *testing.T) {
	e := newEndpoints(t, DefaultOptions())

	src := devAlloc(t, 4096)
	data := pattern(4096, 7)
	fillDevice(t, src, data, e.prodStream)

	dst1 := devAlloc(t, 1024)
	dst2 := devAlloc(t, 1024)

	sendDone := make(chan error, 2)
	recvDone := make(chan error, 2)

	desc1, err := e.prod.Send(Buffer{Ptr: src, Length: 1024, Stream: e.prodStream}, func(err error) {
		sendDone <- err
	})
	if err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	desc2, err := e.prod.Send(Buffer{Ptr: src + 2048, Length: 1024, Stream: e.prodStream}, func(err error) {
		sendDone <- err
	})
	if err != nil {
		t.Fatalf("second Send failed: %v", err)
	}

	e.cons.Recv(desc1, Buffer{Ptr: dst1, Length: 1024, Stream: e.consStream}, func(err error) {
		recvDone <- err
	})
	e.cons.Recv(desc2, Buffer{Ptr: dst2, Length: 1024, Stream: e.consStream}, func(err error) {
		recvDone <- err
	})

	for i := 0; i < 2; i++ {
		if err := waitCallback(t, sendDone, "send callback"); err != nil {
			t.Fatalf("send callback error: %v", err)
		}
		if err := waitCallback(t, recvDone, "recv callback"); err != nil {
			t.Fatalf("recv callback error: %v", err)
		}
	}

	if got := readDevice(t, dst1, 1024, e.consStream); !bytes.Equal(got, data[:1024]) {
		t.Error("first slice differs")
	}
	if got := readDevice(t, dst2, 1024, e.consStream); !bytes.Equal(got, data[2048:3072]) {
		t.Error("second slice differs")
	}

	// One driver-level open shared by both ops, one close once both
	// retired.
	pollIpcStats(t, 1, 1)
}

func TestPipelinedSends(t *testing.T) {
	e := newEndpoints(t, DefaultOptions())

	const n = 8
	const size = 512

	srcs := make([]bindings.DevicePtr, n)
	dsts := make([]bindings.DevicePtr, n)
	descs := make([][]byte, n)

	var mu sync.Mutex
	var sendOrder, recvOrder []int
	sendDone := make(chan error, n)
	recvDone := make(chan error, n)

	for i := 0; i < n; i++ {
		srcs[i] = devAlloc(t, size)
		dsts[i] = devAlloc(t, size)
		fillDevice(t, srcs[i], pattern(size, i), e.prodStream)

		i := i
		desc, err := e.prod.Send(Buffer{Ptr: srcs[i], Length: size, Stream: e.prodStream}, func(err error) {
			mu.Lock()
			sendOrder = append(sendOrder, i)
			mu.Unlock()
			sendDone <- err
		})
		if err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		descs[i] = desc
	}

	for i := 0; i < n; i++ {
		i := i
		e.cons.Recv(descs[i], Buffer{Ptr: dsts[i], Length: size, Stream: e.consStream}, func(err error) {
			mu.Lock()
			recvOrder = append(recvOrder, i)
			mu.Unlock()
			recvDone <- err
		})
	}

	for i := 0; i < n; i++ {
		if err := waitCallback(t, sendDone, "send callback"); err != nil {
			t.Fatalf("send callback error: %v", err)
		}
		if err := waitCallback(t, recvDone, "recv callback"); err != nil {
			t.Fatalf("recv callback error: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		if sendOrder[i] != i {
			t.Fatalf("send callbacks out of order: %v", sendOrder)
		}
		if recvOrder[i] != i {
			t.Fatalf("recv callbacks out of order: %v", recvOrder)
		}
	}

	for i := 0; i < n; i++ {
		if got := readDevice(t, dsts[i], size, e.consStream); !bytes.Equal(got, pattern(size, i)) {
			t.Errorf("transfer %d corrupt", i)
		}
	}
}

func TestCloseDuringSend(t *testing.T) {
	e := newEndpoints(t, DefaultOptions())

	src := devAlloc(t, 128)
	fillDevice(t, src, pattern(128, 3), e.prodStream)

	sendDone := make(chan error, 2)
	desc, err := e.prod.Send(Buffer{Ptr: src, Length: 128, Stream: e.prodStream}, func(err error) {
		sendDone <- err
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// Close before the consumer ever sees the descriptor: the reply never
	// arrives.
	e.prod.Close()

	if err := waitCallback(t, sendDone, "send callback"); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("send callback: got %v, want ErrChannelClosed", err)
	}
	select {
	case err := <-sendDone:
		t.Fatalf("send callback fired twice, second: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// The peer observes the broken control stream.
	deadline := time.Now().Add(testTimeout)
	for e.cons.Error() == nil {
		if time.Now().After(deadline) {
			t.Fatal("consumer never observed connection error")
		}
		time.Sleep(time.Millisecond)
	}
	if err := e.cons.Error(); !errors.Is(err, ErrConnection) {
		t.Fatalf("consumer error: got %v, want ErrConnection", err)
	}

	dst := devAlloc(t, 128)
	recvDone := make(chan error, 1)
	e.cons.Recv(desc, Buffer{Ptr: dst, Length: 128, Stream: e.consStream}, func(err error) {
		recvDone <- err
	})
	if err := waitCallback(t, recvDone, "recv callback"); !errors.Is(err, ErrConnection) {
		t.Fatalf("recv callback: got %v, want ErrConnection", err)
	}
}

func TestCloseWithManyOpsInFlight(t *testing.T) {
	e := newEndpoints(t, DefaultOptions())

	const k = 5
	src := devAlloc(t, 64)
	fillDevice(t, src, pattern(64, 1), e.prodStream)

	done := make(chan error, k)
	for i := 0; i < k; i++ {
		if _, err := e.prod.Send(Buffer{Ptr: src, Length: 64, Stream: e.prodStream}, func(err error) {
			done <- err
		}); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	e.prod.Close()

	for i := 0; i < k; i++ {
		if err := waitCallback(t, done, "send callback"); !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("callback %d: got %v, want ErrChannelClosed", i, err)
		}
	}
	select {
	case err := <-done:
		t.Fatalf("extra callback: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMalformedDescriptor(t *testing.T) {
	e := newEndpoints(t, DefaultOptions())

	dst := devAlloc(t, 64)
	recvDone := make(chan error, 1)
	e.cons.Recv([]byte{0xFF, 0x01, 0x02}, Buffer{Ptr: dst, Length: 64, Stream: e.consStream}, func(err error) {
		recvDone <- err
	})
	if err := waitCallback(t, recvDone, "recv callback"); !errors.Is(err, wire.ErrMalformedRecord) {
		t.Fatalf("recv callback: got %v, want ErrMalformedRecord", err)
	}

	// The channel is dead; later operations observe its error.
	if err := e.cons.Error(); !errors.Is(err, wire.ErrMalformedRecord) {
		t.Fatalf("channel error: got %v", err)
	}
	lateDone := make(chan error, 1)
	e.cons.Recv([]byte{1}, Buffer{Ptr: dst, Length: 64, Stream: e.consStream}, func(err error) {
		lateDone <- err
	})
	if err := waitCallback(t, lateDone, "late recv callback"); err == nil {
		t.Fatal("late recv succeeded on failed channel")
	}
	if _, err := e.cons.Send(Buffer{Ptr: dst, Length: 64, Stream: e.consStream}, func(error) {}); err == nil {
		t.Fatal("late send succeeded on failed channel")
	}
}

func TestZeroLengthTransfer(t *testing.T) {
	e := newEndpoints(t, DefaultOptions())

	src := devAlloc(t, 64)
	dst := devAlloc(t, 64)
	untouched := bytes.Repeat([]byte{0xEE}, 64)
	fillDevice(t, dst, untouched, e.consStream)

	sendDone := make(chan error, 1)
	recvDone := make(chan error, 1)
	desc, err := e.prod.Send(Buffer{Ptr: src, Length: 0, Stream: e.prodStream}, func(err error) {
		sendDone <- err
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	e.cons.Recv(desc, Buffer{Ptr: dst, Length: 0, Stream: e.consStream}, func(err error) {
		recvDone <- err
	})

	if err := waitCallback(t, recvDone, "recv callback"); err != nil {
		t.Fatalf("recv callback error: %v", err)
	}
	if err := waitCallback(t, sendDone, "send callback"); err != nil {
		t.Fatalf("send callback error: %v", err)
	}

	if got := readDevice(t, dst, 64, e.consStream); !bytes.Equal(got, untouched) {
		t.Error("zero-length transfer touched destination memory")
	}
	pollIpcStats(t, 1, 1)
}

func TestOffsetBoundaries(t *testing.T) {
	e := newEndpoints(t, DefaultOptions())

	src := devAlloc(t, 256)
	data := pattern(256, 11)
	fillDevice(t, src, data, e.prodStream)

	// Base of the allocation, offset 0.
	dst1 := devAlloc(t, 16)
	sendDone := make(chan error, 2)
	recvDone := make(chan error, 2)
	desc, err := e.prod.Send(Buffer{Ptr: src, Length: 16, Stream: e.prodStream}, func(err error) {
		sendDone <- err
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	e.cons.Recv(desc, Buffer{Ptr: dst1, Length: 16, Stream: e.consStream}, func(err error) {
		recvDone <- err
	})

	// Last byte of the allocation, length 1.
	dst2 := devAlloc(t, 1)
	desc, err = e.prod.Send(Buffer{Ptr: src + 255, Length: 1, Stream: e.prodStream}, func(err error) {
		sendDone <- err
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	e.cons.Recv(desc, Buffer{Ptr: dst2, Length: 1, Stream: e.consStream}, func(err error) {
		recvDone <- err
	})

	for i := 0; i < 2; i++ {
		if err := waitCallback(t, sendDone, "send callback"); err != nil {
			t.Fatalf("send callback error: %v", err)
		}
		if err := waitCallback(t, recvDone, "recv callback"); err != nil {
			t.Fatalf("recv callback error: %v", err)
		}
	}

	if got := readDevice(t, dst1, 16, e.consStream); !bytes.Equal(got, data[:16]) {
		t.Error("offset-0 slice differs")
	}
	if got := readDevice(t, dst2, 1, e.consStream); got[0] != data[255] {
		t.Errorf("last byte: got %#x, want %#x", got[0], data[255])
	}
}

func TestDifferentDevices(t *testing.T) {
	e := newEndpoints(t, DefaultOptions())

	bindings.SetDevice(1)
	src := devAlloc(t, 128)
	bindings.SetDevice(2)
	dst := devAlloc(t, 128)
	bindings.SetDevice(0)

	data := pattern(128, 23)
	fillDevice(t, src, data, e.prodStream)

	sendDone := make(chan error, 1)
	recvDone := make(chan error, 1)
	desc, err := e.prod.Send(Buffer{Ptr: src, Length: 128, Stream: e.prodStream}, func(err error) {
		sendDone <- err
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	e.cons.Recv(desc, Buffer{Ptr: dst, Length: 128, Stream: e.consStream}, func(err error) {
		recvDone <- err
	})

	if err := waitCallback(t, recvDone, "recv callback"); err != nil {
		t.Fatalf("recv callback error: %v", err)
	}
	if err := waitCallback(t, sendDone, "send callback"); err != nil {
		t.Fatalf("send callback error: %v", err)
	}

	if got := readDevice(t, dst, 128, e.consStream); !bytes.Equal(got, data) {
		t.Error("cross-device transfer corrupt")
	}

	// The guard restored the caller's device around every driver call.
	if d, _ := bindings.GetDevice(); d != 0 {
		t.Errorf("current device leaked: %d", d)
	}
}

func TestDeferredRecvCallback(t *testing.T) {
	e := newEndpoints(t, Options{DeferRecvCallbackUntilAck: true})

	src := devAlloc(t, 64)
	dst := devAlloc(t, 64)
	data := pattern(64, 9)
	fillDevice(t, src, data, e.prodStream)

	sendDone := make(chan error, 1)
	recvDone := make(chan error, 1)
	desc, err := e.prod.Send(Buffer{Ptr: src, Length: 64, Stream: e.prodStream}, func(err error) {
		sendDone <- err
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	e.cons.Recv(desc, Buffer{Ptr: dst, Length: 64, Stream: e.consStream}, func(err error) {
		recvDone <- err
	})

	// The deferred callback fires only after the full ack round-trip, so
	// the sender's callback cannot still be pending when it does.
	if err := waitCallback(t, recvDone, "recv callback"); err != nil {
		t.Fatalf("recv callback error: %v", err)
	}
	if err := waitCallback(t, sendDone, "send callback"); err != nil {
		t.Fatalf("send callback error: %v", err)
	}
	if got := readDevice(t, dst, 64, e.consStream); !bytes.Equal(got, data) {
		t.Error("deferred-ack transfer corrupt")
	}
	pollIpcStats(t, 1, 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	e := newEndpoints(t, DefaultOptions())

	e.prod.Close()
	e.prod.Close()
	e.prod.Close()

	deadline := time.Now().Add(testTimeout)
	for e.prod.Error() == nil {
		if time.Now().After(deadline) {
			t.Fatal("channel never errored")
		}
		time.Sleep(time.Millisecond)
	}
	if err := e.prod.Error(); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("channel error: got %v, want ErrChannelClosed", err)
	}

	src := devAlloc(t, 16)
	if _, err := e.prod.Send(Buffer{Ptr: src, Length: 16, Stream: e.prodStream}, func(error) {}); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("send after close: got %v, want ErrChannelClosed", err)
	}
}

func TestSetIDIsObservationOnly(t *testing.T) {
	e := newEndpoints(t, DefaultOptions())

	e.prod.SetID("renamed")
	src := devAlloc(t, 32)
	dst := devAlloc(t, 32)
	data := pattern(32, 5)
	fillDevice(t, src, data, e.prodStream)

	sendDone := make(chan error, 1)
	recvDone := make(chan error, 1)
	desc, err := e.prod.Send(Buffer{Ptr: src, Length: 32, Stream: e.prodStream}, func(err error) {
		sendDone <- err
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	e.cons.Recv(desc, Buffer{Ptr: dst, Length: 32, Stream: e.consStream}, func(err error) {
		recvDone <- err
	})

	if err := waitCallback(t, recvDone, "recv callback"); err != nil {
		t.Fatalf("recv callback error: %v", err)
	}
	if err := waitCallback(t, sendDone, "send callback"); err != nil {
		t.Fatalf("send callback error: %v", err)
	}
	if got := readDevice(t, dst, 32, e.consStream); !bytes.Equal(got, data) {
		t.Error("transfer corrupt after SetID")
	}
}
