package channel

import (
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/neurogrid/tensor-ipc/gpu/bindings"
	"github.com/neurogrid/tensor-ipc/pkg/gpu"
	"github.com/neurogrid/tensor-ipc/pkg/wire"
)

// sendOp is the producer side of one transfer. Created by Send, mutated
// only on the loop, popped once Finished.
type sendOp struct {
	seq    uint64
	device int
	ptr    bindings.DevicePtr
	stream bindings.Stream

	startEv  *gpu.Event
	callback func(error)

	stopEvHandle     []byte
	doneReadingReply bool
	state            opState
}

// Send announces buf to the peer. It returns the opaque descriptor blob
// synchronously; callback fires once the peer has finished reading, after
// which the source buffer may be reused on its stream. The buffer must
// stay allocated until the callback. On an already-failed channel Send
// returns the channel error and enqueues nothing.
func (ch *Channel) Send(buf Buffer, callback func(error)) ([]byte, error) {
	var desc []byte
	var retErr error
	ch.ctx.loop.Run(func() {
		desc, retErr = ch.sendFromLoop(buf, callback)
	})
	return desc, retErr
}

func (ch *Channel) sendFromLoop(buf Buffer, callback func(error)) ([]byte, error) {
	if ch.err != nil {
		return nil, ch.err
	}

	device, err := gpu.DeviceForPointer(buf.Ptr)
	if err != nil {
		ch.setError(err)
		return nil, ch.err
	}

	// Record the start event before the op becomes visible, so the
	// descriptor handed back is already meaningful.
	startEv, err := gpu.NewInterprocessEvent(device)
	if err != nil {
		ch.setError(err)
		return nil, ch.err
	}
	if err := startEv.Record(buf.Stream); err != nil {
		startEv.Close()
		ch.setError(err)
		return nil, ch.err
	}

	op := &sendOp{
		seq:      ch.sendSeq,
		device:   device,
		ptr:      buf.Ptr,
		stream:   buf.Stream,
		startEv:  startEv,
		callback: callback,
	}
	ch.sendSeq++

	desc, err := ch.makeDescriptor(op)
	if err != nil {
		startEv.Close()
		ch.setError(err)
		return nil, ch.err
	}

	klog.V(6).Infof("channel %s accepted send #%d (device %d, %d bytes)", ch.id, op.seq, device, buf.Length)
	ch.sendQ.push(op)
	ch.sendQ.advance(op)
	return desc, nil
}

// makeDescriptor builds the wire descriptor for op under the device
// guard: allocation id from the driver buffer id, the exported memory
// handle, the offset of ptr within its allocation, and the start-event
// handle.
func (ch *Channel) makeDescriptor(op *sendOp) ([]byte, error) {
	var d wire.Descriptor
	err := gpu.WithDevice(op.device, func() error {
		memHandle, err := bindings.IpcGetMemHandle(op.ptr)
		if err != nil {
			return errors.Wrapf(gpu.ErrDevice, "export memory handle: %v", err)
		}
		base, _, err := bindings.MemGetAddressRange(op.ptr)
		if err != nil {
			return errors.Wrapf(gpu.ErrDevice, "query address range: %v", err)
		}
		bufferID, err := bindings.PointerBufferID(base)
		if err != nil {
			return errors.Wrapf(gpu.ErrDevice, "query buffer id: %v", err)
		}
		startHandle, err := op.startEv.SerializedHandle()
		if err != nil {
			return err
		}
		d = wire.Descriptor{
			AllocationID:  ch.ctx.procID + "_" + strconv.FormatUint(bufferID, 10),
			MemHandle:     memHandle,
			Offset:        uint64(op.ptr - base),
			StartEvHandle: startHandle,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wire.EncodeDescriptor(d)
}

func (ch *Channel) advanceSendOperation(op *sendOp, prevState opState) {
	ch.ctx.assertInLoop()

	ch.attempt(&op.state, opUninitialized, opFinished,
		ch.err != nil,
		func() error { ch.callSendCallback(op); return nil })

	// Goes after the previous op so read calls on the reply connection are
	// issued in submission order.
	ch.attempt(&op.state, opUninitialized, opReadingReply,
		ch.err == nil && prevState >= opReadingReply,
		func() error { ch.readReply(op); return nil })

	ch.attempt(&op.state, opReadingReply, opFinished,
		ch.err != nil && op.doneReadingReply,
		func() error { ch.callSendCallback(op); return nil })

	// Goes after the previous op so write calls on the ack connection are
	// issued in submission order.
	ch.attempt(&op.state, opReadingReply, opFinished,
		ch.err == nil && op.doneReadingReply && prevState >= opFinished,
		func() error { return ch.waitOnStopEvent(op) },
		func() error { ch.callSendCallback(op); return nil },
		func() error { ch.writeAck(op); return nil })
}

func (ch *Channel) readReply(op *sendOp) {
	klog.V(6).Infof("channel %s reading reply (#%d)", ch.id, op.seq)
	ch.replyConn.Read(func(tag byte, payload []byte, err error) {
		ch.ctx.loop.Defer(func() {
			klog.V(6).Infof("channel %s done reading reply (#%d)", ch.id, op.seq)
			op.doneReadingReply = true
			if err != nil {
				ch.setError(errors.Wrapf(ErrConnection, "read reply: %v", err))
			} else if ch.err == nil {
				var reply wire.Reply
				if derr := wire.Decode(wire.TagReply, payload, &reply); derr != nil {
					ch.setError(errors.Wrapf(ErrConnection, "reply: %v", derr))
				} else {
					op.stopEvHandle = reply.StopEvHandle
				}
			}
			ch.sendQ.advance(op)
		})
	})
}

// waitOnStopEvent imports the peer's stop event and enqueues a wait on
// the send stream, gating any reuse of the source buffer behind the
// peer's copy.
func (ch *Channel) waitOnStopEvent(op *sendOp) error {
	stopEv, err := gpu.ImportEvent(op.device, op.stopEvHandle)
	if err != nil {
		return err
	}
	defer stopEv.Close()
	return stopEv.Wait(op.stream, op.device)
}

// callSendCallback invokes the callback with the channel error (nil on
// success) and releases the resources the op was holding.
func (ch *Channel) callSendCallback(op *sendOp) {
	if op.callback != nil {
		cb := op.callback
		op.callback = nil
		cb(ch.err)
	}
	if op.startEv != nil {
		op.startEv.Close()
		op.startEv = nil
	}
}

func (ch *Channel) writeAck(op *sendOp) {
	klog.V(6).Infof("channel %s writing ack (#%d)", ch.id, op.seq)
	seq := op.seq
	ch.ackConn.Write(wire.TagAck, wire.Ack{}, func(err error) {
		if err == nil {
			klog.V(6).Infof("channel %s done writing ack (#%d)", ch.id, seq)
		}
	})
}
