package channel

import (
	"io"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/neurogrid/tensor-ipc/gpu/bindings"
	"github.com/neurogrid/tensor-ipc/pkg/wire"
)

// Buffer describes one device region handed to Send or Recv. The stream
// belongs to the caller; the channel only enqueues on it.
type Buffer struct {
	Ptr    bindings.DevicePtr
	Length int
	Stream bindings.Stream
}

// Options tunes channel behavior.
type Options struct {
	// DeferRecvCallbackUntilAck delays the recv callback until the sender
	// has acknowledged releasing the stop event. The default fires it as
	// soon as the copy is enqueued locally, which is lower latency.
	DeferRecvCallbackUntilAck bool
}

// DefaultOptions returns the default channel options.
func DefaultOptions() Options {
	return Options{}
}

// Channel is one endpoint of the tensor channel. Entry points are safe to
// call from any goroutine; all state lives on the context loop.
type Channel struct {
	ctx  *Context
	id   string
	opts Options

	replyConn *wire.Conn
	ackConn   *wire.Conn

	sendQ   *opQueue[sendOp]
	recvQ   *opQueue[recvOp]
	sendSeq uint64
	recvSeq uint64

	err error
}

// NewChannel attaches a channel to the context. reply and ack are the two
// reliable ordered byte connections to the peer; the channel takes
// ownership of both.
func (c *Context) NewChannel(reply, ack io.ReadWriteCloser, opts Options) *Channel {
	ch := &Channel{ctx: c, opts: opts}
	ch.replyConn = wire.NewConn(reply, ch.onConnError)
	ch.ackConn = wire.NewConn(ack, ch.onConnError)
	ch.sendQ = newOpQueue(
		func(op *sendOp) opState { return op.state },
		ch.advanceSendOperation)
	ch.recvQ = newOpQueue(
		func(op *recvOp) opState { return op.state },
		ch.advanceRecvOperation)
	c.loop.Run(func() {
		c.enroll(ch)
		if c.closed {
			ch.setError(ErrChannelClosed)
		}
	})
	return ch
}

// SetID sets the channel's diagnostic identifier.
func (ch *Channel) SetID(id string) {
	ch.ctx.loop.Defer(func() {
		ch.id = id
	})
}

// Error returns the channel error, if any. Blocks on the loop.
func (ch *Channel) Error() error {
	var err error
	ch.ctx.loop.Run(func() {
		err = ch.err
	})
	return err
}

// Close shuts the channel down: every in-flight operation drains with
// ErrChannelClosed and both control connections are closed. Idempotent.
func (ch *Channel) Close() {
	ch.ctx.loop.Defer(func() {
		ch.setError(ErrChannelClosed)
	})
}

// onConnError runs off-loop when a control connection fails underneath
// us. Our own Close does not trigger it.
func (ch *Channel) onConnError(err error) {
	ch.ctx.loop.Defer(func() {
		ch.setError(errors.Wrapf(ErrConnection, "%v", err))
	})
}

// setError records the first error and tears the channel down. Later
// errors are discarded.
func (ch *Channel) setError(err error) {
	ch.ctx.assertInLoop()
	if ch.err != nil {
		return
	}
	ch.err = err
	ch.handleError()
}

func (ch *Channel) handleError() {
	klog.V(4).Infof("channel %s handling error: %v", ch.id, ch.err)

	ch.sendQ.advanceAll()
	ch.recvQ.advanceAll()

	ch.replyConn.Close()
	ch.ackConn.Close()

	ch.ctx.unenroll(ch)
}

// attempt fires the transition *state: from -> to when cond holds,
// running actions in order first. An action returning an error aborts the
// transition and promotes the error to the channel; the error transitions
// then drain the operation.
func (ch *Channel) attempt(state *opState, from, to opState, cond bool, actions ...func() error) {
	if *state != from || !cond {
		return
	}
	for _, a := range actions {
		if err := a(); err != nil {
			ch.setError(err)
			return
		}
	}
	*state = to
}
