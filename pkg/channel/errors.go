package channel

import "errors"

var (
	// ErrChannelClosed is the error every pending operation drains with
	// after Close.
	ErrChannelClosed = errors.New("channel closed")

	// ErrConnection is the kind for control-stream failures. The peer of a
	// closed channel observes its operations fail with this kind.
	ErrConnection = errors.New("control connection failed")
)
