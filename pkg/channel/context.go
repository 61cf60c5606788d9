// Package channel implements a point-to-point tensor channel that moves
// device memory between two processes on one host through the driver's
// interprocess memory and event handles. The consumer copies directly out
// of the producer's allocation; no host staging is involved. Two auxiliary
// control streams (reply, ack) carry the three small records that
// synchronize the transfer.
package channel

import (
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/neurogrid/tensor-ipc/pkg/ipc"
	"github.com/neurogrid/tensor-ipc/pkg/loop"
)

// Context owns the loop, the IPC handle cache shared by its channels, and
// the process identifier that prefixes allocation ids.
type Context struct {
	loop    *loop.Loop
	cache   *ipc.HandleCache
	procID  string
	enrolls map[*Channel]struct{}
	// channels keeps every channel ever attached; unlike enrolls it is
	// never pruned, so teardown can wait out ops on channels that already
	// errored and unenrolled themselves.
	channels []*Channel
	closed   bool
}

// NewContext creates a context with a fresh loop.
func NewContext() *Context {
	var nonce [8]byte
	rand.Read(nonce[:])
	return &Context{
		loop:    loop.New(),
		cache:   ipc.NewHandleCache(),
		procID:  fmt.Sprintf("%d-%x", os.Getpid(), nonce),
		enrolls: make(map[*Channel]struct{}),
	}
}

// ProcessIdentifier returns the context's stable process identifier.
func (c *Context) ProcessIdentifier() string {
	return c.procID
}

func (c *Context) enroll(ch *Channel) {
	c.assertInLoop()
	c.enrolls[ch] = struct{}{}
	c.channels = append(c.channels, ch)
}

func (c *Context) unenroll(ch *Channel) {
	c.assertInLoop()
	delete(c.enrolls, ch)
}

func (c *Context) assertInLoop() {
	if !c.loop.InLoop() {
		panic("channel state touched off the context loop")
	}
}

// Close shuts down every channel, waits for their operations to drain,
// tears down the handle cache, and joins the loop. Idempotent.
func (c *Context) Close() {
	var chans []*Channel
	c.loop.Run(func() {
		if c.closed {
			return
		}
		c.closed = true
		chans = append(chans, c.channels...)
	})
	for _, ch := range chans {
		ch.Close()
	}
	// Draining needs in-flight control I/O callbacks to land on the loop,
	// so spin rather than block it.
	for {
		drained := true
		c.loop.Run(func() {
			for _, ch := range chans {
				if ch.sendQ.len() > 0 || ch.recvQ.len() > 0 {
					drained = false
				}
			}
		})
		if drained {
			break
		}
		time.Sleep(time.Millisecond)
	}
	c.loop.Run(func() {
		c.cache.CloseAll()
	})
	c.loop.Close()
}
