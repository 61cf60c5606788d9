package channel

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/neurogrid/tensor-ipc/gpu/bindings"
	"github.com/neurogrid/tensor-ipc/pkg/gpu"
	"github.com/neurogrid/tensor-ipc/pkg/wire"
)

// recvOp is the consumer side of one transfer. It stays alive past its
// callback, until the peer acknowledges releasing the stop event.
type recvOp struct {
	seq    uint64
	device int
	ptr    bindings.DevicePtr
	length int
	stream bindings.Stream

	allocationID  string
	memHandle     []byte
	offset        uint64
	startEvHandle []byte

	stopEv   *gpu.Event
	callback func(error)

	doneReadingAck bool
	mapped         bool
	state          opState
}

// Recv consumes a descriptor produced by the peer's Send, copying the
// announced region into buf device-to-device. callback fires once the
// copy has been enqueued on buf's stream (or earlier with an error);
// waiting on the stream then observes the payload.
func (ch *Channel) Recv(descriptor []byte, buf Buffer, callback func(error)) {
	desc := append([]byte(nil), descriptor...)
	ch.ctx.loop.Defer(func() {
		ch.recvFromLoop(desc, buf, callback)
	})
}

func (ch *Channel) recvFromLoop(descriptor []byte, buf Buffer, callback func(error)) {
	op := &recvOp{
		seq:      ch.recvSeq,
		ptr:      buf.Ptr,
		length:   buf.Length,
		stream:   buf.Stream,
		callback: callback,
	}
	ch.recvSeq++

	if ch.err == nil {
		if device, err := gpu.DeviceForPointer(buf.Ptr); err != nil {
			ch.setError(err)
		} else {
			op.device = device
		}
	}
	if ch.err == nil {
		if d, err := wire.DecodeDescriptor(descriptor); err != nil {
			ch.setError(err)
		} else {
			op.allocationID = d.AllocationID
			op.memHandle = d.MemHandle
			op.offset = d.Offset
			op.startEvHandle = d.StartEvHandle
		}
	}
	if ch.err == nil {
		if stopEv, err := gpu.NewInterprocessEvent(op.device); err != nil {
			ch.setError(err)
		} else {
			op.stopEv = stopEv
		}
	}

	klog.V(6).Infof("channel %s accepted recv #%d (device %d, %d bytes)", ch.id, op.seq, op.device, op.length)
	ch.recvQ.push(op)
	ch.recvQ.advance(op)
}

func (ch *Channel) advanceRecvOperation(op *recvOp, prevState opState) {
	ch.ctx.assertInLoop()

	ch.attempt(&op.state, opUninitialized, opFinished,
		ch.err != nil,
		func() error { ch.callRecvCallback(op); return nil },
		func() error { ch.retireRecvOp(op); return nil })

	// Goes after the previous op so write calls on the reply connection
	// and read calls on the ack connection are issued in submission order.
	ch.attempt(&op.state, opUninitialized, opReadingAck,
		ch.err == nil && prevState >= opReadingAck,
		func() error { return ch.waitCopyRecord(op) },
		func() error {
			if !ch.opts.DeferRecvCallbackUntilAck {
				ch.callRecvCallback(op)
			}
			return nil
		},
		func() error { return ch.writeReplyAndReadAck(op) })

	// Exists only to keep the op, and with it the stop event, alive until
	// the peer acknowledged being done with the event.
	ch.attempt(&op.state, opReadingAck, opFinished,
		op.doneReadingAck,
		func() error { ch.callRecvCallback(op); return nil },
		func() error { ch.retireRecvOp(op); return nil })
}

// waitCopyRecord chains the transfer on the recv stream: wait for the
// peer's start event, copy out of the imported mapping, record the stop
// event.
func (ch *Channel) waitCopyRecord(op *recvOp) error {
	klog.V(6).Infof("channel %s copying payload (#%d)", ch.id, op.seq)

	startEv, err := gpu.ImportEvent(op.device, op.startEvHandle)
	if err != nil {
		return err
	}
	defer startEv.Close()
	if err := startEv.Wait(op.stream, op.device); err != nil {
		return err
	}

	base, err := ch.ctx.cache.Open(op.allocationID, op.memHandle, op.device)
	if err != nil {
		return err
	}
	op.mapped = true

	err = gpu.WithDevice(op.device, func() error {
		return bindings.MemcpyAsync(op.ptr, base+bindings.DevicePtr(op.offset), op.length, op.stream)
	})
	if err != nil {
		return errors.Wrapf(gpu.ErrDevice, "device-to-device copy: %v", err)
	}

	if err := op.stopEv.Record(op.stream); err != nil {
		return err
	}

	klog.V(6).Infof("channel %s done copying payload (#%d)", ch.id, op.seq)
	return nil
}

// callRecvCallback invokes the callback with the channel error (nil on
// success) and clears it.
func (ch *Channel) callRecvCallback(op *recvOp) {
	if op.callback == nil {
		return
	}
	cb := op.callback
	op.callback = nil
	cb(ch.err)
}

// retireRecvOp releases the op's hold on the shared mapping and destroys
// the stop event.
func (ch *Channel) retireRecvOp(op *recvOp) {
	if op.mapped {
		ch.ctx.cache.Release(op.allocationID, op.device)
		op.mapped = false
	}
	if op.stopEv != nil {
		op.stopEv.Close()
		op.stopEv = nil
	}
}

func (ch *Channel) writeReplyAndReadAck(op *recvOp) error {
	stopHandle, err := op.stopEv.SerializedHandle()
	if err != nil {
		return err
	}

	klog.V(6).Infof("channel %s writing reply (#%d)", ch.id, op.seq)
	seq := op.seq
	ch.replyConn.Write(wire.TagReply, wire.Reply{StopEvHandle: stopHandle}, func(err error) {
		if err == nil {
			klog.V(6).Infof("channel %s done writing reply (#%d)", ch.id, seq)
		}
	})

	klog.V(6).Infof("channel %s reading ack (#%d)", ch.id, op.seq)
	ch.ackConn.Read(func(tag byte, payload []byte, err error) {
		ch.ctx.loop.Defer(func() {
			klog.V(6).Infof("channel %s done reading ack (#%d)", ch.id, op.seq)
			op.doneReadingAck = true
			if err != nil {
				ch.setError(errors.Wrapf(ErrConnection, "read ack: %v", err))
			} else if ch.err == nil {
				var ack wire.Ack
				if derr := wire.Decode(wire.TagAck, payload, &ack); derr != nil {
					ch.setError(errors.Wrapf(ErrConnection, "ack: %v", derr))
				}
			}
			ch.recvQ.advance(op)
		})
	})
	return nil
}
