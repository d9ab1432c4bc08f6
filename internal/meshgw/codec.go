package meshgw

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
)

// Framing constants.
const (
	// lengthPrefixSize is the size of the big-endian length prefix.
	lengthPrefixSize = 4

	// DefaultMaxFrameSize bounds one encoded message.
	DefaultMaxFrameSize = 64 * 1024

	// protocolVersion is announced in the hello exchange.
	protocolVersion = 1
)

// Message types on the gateway socket.
const (
	msgHello   uint8 = 1 // handshake, both directions
	msgFrame   uint8 = 2 // client → gateway, needs ack
	msgAck     uint8 = 3 // gateway → client
	msgNak     uint8 = 4 // gateway → client
	msgInbound uint8 = 5 // gateway → client, radio traffic
)

// message is the CBOR envelope exchanged with the gateway. Integer keys
// keep the encoding compact.
type message struct {
	Type    uint8  `cbor:"1,keyasint"`
	Seq     uint32 `cbor:"2,keyasint,omitempty"`
	NodeID  uint16 `cbor:"3,keyasint,omitempty"`
	Class   uint16 `cbor:"4,keyasint,omitempty"`
	Payload []byte `cbor:"5,keyasint,omitempty"`
	Version uint8  `cbor:"6,keyasint,omitempty"`
	Reason  string `cbor:"7,keyasint,omitempty"`
}

func (m message) frame() mesh.Frame {
	return mesh.Frame{
		NodeID:       mesh.NodeID(m.NodeID),
		CommandClass: mesh.CommandClass(m.Class),
		Payload:      m.Payload,
	}
}

func frameMessage(seq uint32, f mesh.Frame) message {
	return message{
		Type:    msgFrame,
		Seq:     seq,
		NodeID:  uint16(f.NodeID),
		Class:   uint16(f.CommandClass),
		Payload: f.Payload,
	}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Unknown keys are ignored so newer gateways can add fields.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// writeMessage encodes m and writes it with its length prefix in a single
// write so concurrent writers never interleave.
func writeMessage(w io.Writer, m message, maxSize int) error {
	body, err := encMode.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if len(body) > maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), maxSize)
	}

	buf := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[lengthPrefixSize:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed message. An oversized or empty
// length returns ErrProtocolDesync because the rest of the stream cannot be
// trusted. A body that does not decode is reported as a plain error and
// the stream stays usable.
func readMessage(r io.Reader, maxSize int) (message, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return message{}, err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 || n > uint32(maxSize) {
		return message{}, fmt.Errorf("%w: length %d", ErrProtocolDesync, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return message{}, err
	}

	var m message
	if err := decMode.Unmarshal(body, &m); err != nil {
		return message{}, &decodeError{err: err}
	}
	return m, nil
}

// decodeError marks a well-framed message whose body was unreadable.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return "meshgw: decode message: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }
