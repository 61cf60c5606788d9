// Package wire defines the three fixed control records exchanged by the
// channel endpoints and the framed connections that carry them. A record
// on the wire is a one-byte tag, a big-endian uint32 payload length, and a
// msgpack payload. The encoding is deterministic: the same logical record
// always produces the same bytes.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// Record tags.
const (
	TagDescriptor byte = 1
	TagReply      byte = 2
	TagAck        byte = 3
)

const headerSize = 1 + 4

// maxRecordSize bounds a record payload. Control records are tiny; a
// larger length prefix means a corrupt or misframed stream.
const maxRecordSize = 1 << 16

// ErrMalformedRecord is the kind for blobs that fail to decode: wrong tag,
// truncated framing, or an undecodable payload.
var ErrMalformedRecord = errors.New("malformed record")

// Descriptor announces a buffer to the receiving side.
type Descriptor struct {
	AllocationID  string `msgpack:"a"`
	MemHandle     []byte `msgpack:"m"`
	Offset        uint64 `msgpack:"o"`
	StartEvHandle []byte `msgpack:"s"`
}

// Reply carries the receiver's stop-event handle back to the sender.
type Reply struct {
	StopEvHandle []byte `msgpack:"s"`
}

// Ack tells the receiver the sender is done with the stop event.
type Ack struct{}

// Encode frames v under tag.
func Encode(tag byte, v interface{}) ([]byte, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, headerSize+len(payload))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf, nil
}

// Decode checks the framing of buf against tag and unmarshals the payload
// into v.
func Decode(tag byte, buf []byte, v interface{}) error {
	if len(buf) < headerSize || buf[0] != tag {
		return ErrMalformedRecord
	}
	n := binary.BigEndian.Uint32(buf[1:])
	if n > maxRecordSize || int(n) != len(buf)-headerSize {
		return ErrMalformedRecord
	}
	if err := msgpack.Unmarshal(buf[headerSize:], v); err != nil {
		return ErrMalformedRecord
	}
	return nil
}

// EncodeDescriptor returns the opaque descriptor blob handed to callers.
func EncodeDescriptor(d Descriptor) ([]byte, error) {
	return Encode(TagDescriptor, d)
}

// DecodeDescriptor parses a blob produced by EncodeDescriptor.
func DecodeDescriptor(buf []byte) (Descriptor, error) {
	var d Descriptor
	if err := Decode(TagDescriptor, buf, &d); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
