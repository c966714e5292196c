package msg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ID is a message identifier used for routing
type ID uint32

// InvalidID is never routable
const InvalidID ID = 0

// MaxID bounds the valid message id range
const MaxID ID = 0x1FFF

// IsValid reports whether the id is routable
func (id ID) IsValid() bool { return id != InvalidID && id <= MaxID }

func (id ID) String() string { return fmt.Sprintf("0x%04x", uint32(id)) }

// Verdict is the outcome of an origination or verification hook
type Verdict int

const (
	Accepted Verdict = iota
	Rejected
)

// Codec reads and stamps the header fields the bus needs.
// Implementations are mission specific; the bus only calls these methods.
type Codec interface {
	// MsgID returns the routing id embedded in the payload
	MsgID(payload []byte) (ID, error)
	// Size returns the total message length declared in the payload
	Size(payload []byte) (int, error)
	// SetSequence stamps the route sequence counter
	SetSequence(payload []byte, seq uint32)
	// Originate finalizes an outgoing message in place (e.g. checksum).
	// capacity is the size of the buffer that holds the payload.
	Originate(payload []byte, capacity int) Verdict
	// Verify checks an incoming message. It must not modify payload.
	Verify(payload []byte, capacity int) Verdict
}

var (
	ErrShortHeader = errors.New("msg: payload shorter than header")
	ErrSizeField   = errors.New("msg: size field disagrees with payload")
)

// ============================================================================
// Header Codec
// ============================================================================

// Header layout, big endian:
//
//	0  MsgID    uint32
//	4  Size     uint32  total length including header and checksum
//	8  Sequence uint16  14-bit route sequence counter
//	10 Flags    uint16
//	12 user data ...
//	   checksum uint64  xxhash64 of bytes [0, Size-8) when FlagChecksum is set
const (
	HeaderSize   = 12
	ChecksumSize = 8

	FlagChecksum uint16 = 1 << 0

	seqMask = 0x3FFF
)

// HeaderCodec is the default Codec
type HeaderCodec struct{}

var _ Codec = HeaderCodec{}

// MsgID implements Codec
func (HeaderCodec) MsgID(payload []byte) (ID, error) {
	if len(payload) < HeaderSize {
		return InvalidID, ErrShortHeader
	}
	return ID(binary.BigEndian.Uint32(payload[0:4])), nil
}

// Size implements Codec
func (HeaderCodec) Size(payload []byte) (int, error) {
	if len(payload) < HeaderSize {
		return 0, ErrShortHeader
	}
	size := int(binary.BigEndian.Uint32(payload[4:8]))
	if size < HeaderSize {
		return 0, fmt.Errorf("%w: %d", ErrSizeField, size)
	}
	return size, nil
}

// SetSequence implements Codec
func (HeaderCodec) SetSequence(payload []byte, seq uint32) {
	if len(payload) < HeaderSize {
		return
	}
	binary.BigEndian.PutUint16(payload[8:10], uint16(seq&seqMask))
}

// Originate writes the checksum trailer when the message asks for one
func (HeaderCodec) Originate(payload []byte, capacity int) Verdict {
	size, ok := checksumSpan(payload, capacity)
	if !ok {
		return Rejected
	}
	if size < 0 {
		return Accepted
	}
	sum := xxhash.Sum64(payload[:size-ChecksumSize])
	binary.BigEndian.PutUint64(payload[size-ChecksumSize:size], sum)
	return Accepted
}

// Verify checks the checksum trailer when present
func (HeaderCodec) Verify(payload []byte, capacity int) Verdict {
	size, ok := checksumSpan(payload, capacity)
	if !ok {
		return Rejected
	}
	if size < 0 {
		return Accepted
	}
	want := binary.BigEndian.Uint64(payload[size-ChecksumSize : size])
	if xxhash.Sum64(payload[:size-ChecksumSize]) != want {
		return Rejected
	}
	return Accepted
}

// checksumSpan validates the header against the buffer and returns the
// message size, or -1 when no checksum is carried.
func checksumSpan(payload []byte, capacity int) (int, bool) {
	if len(payload) < HeaderSize {
		return 0, false
	}
	size := int(binary.BigEndian.Uint32(payload[4:8]))
	if size < HeaderSize || size > len(payload) || size > capacity {
		return 0, false
	}
	if binary.BigEndian.Uint16(payload[10:12])&FlagChecksum == 0 {
		return -1, true
	}
	if size < HeaderSize+ChecksumSize {
		return 0, false
	}
	return size, true
}

// ============================================================================
// Message Construction
// ============================================================================

// Options for NewMessage
type Options struct {
	Checksum bool
}

// NewMessage frames data behind a header for id
func NewMessage(id ID, data []byte, opts ...Options) []byte {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}

	size := HeaderSize + len(data)
	var flags uint16
	if o.Checksum {
		size += ChecksumSize
		flags |= FlagChecksum
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(id))
	binary.BigEndian.PutUint32(buf[4:8], uint32(size))
	binary.BigEndian.PutUint16(buf[10:12], flags)
	copy(buf[HeaderSize:], data)
	return buf
}

// Sequence returns the sequence counter stamped in a message
func Sequence(payload []byte) uint16 {
	if len(payload) < HeaderSize {
		return 0
	}
	return binary.BigEndian.Uint16(payload[8:10]) & seqMask
}

// UserData returns the bytes between the header and the optional checksum
func UserData(payload []byte) []byte {
	if len(payload) < HeaderSize {
		return nil
	}
	size := int(binary.BigEndian.Uint32(payload[4:8]))
	if size > len(payload) || size < HeaderSize {
		size = len(payload)
	}
	end := size
	if binary.BigEndian.Uint16(payload[10:12])&FlagChecksum != 0 && end-ChecksumSize >= HeaderSize {
		end -= ChecksumSize
	}
	return payload[HeaderSize:end]
}
