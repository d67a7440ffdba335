package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/haggle-project/haggled/internal/dataobject"
	"github.com/haggle-project/haggled/internal/metadata"
)

// ControlType is the single byte identifying a control message (spec
// §4.7/§6: "fixed-size records containing type ∈ {accept, reject, ack,
// terminate} and a 20-byte object id reference").
type ControlType byte

const (
	ControlAccept ControlType = iota + 1
	ControlReject
	ControlAck
	ControlTerminate
)

func (c ControlType) String() string {
	switch c {
	case ControlAccept:
		return "accept"
	case ControlReject:
		return "reject"
	case ControlAck:
		return "ack"
	case ControlTerminate:
		return "terminate"
	default:
		return "undefined"
	}
}

// controlMessageLen is 1 type byte + a 20-byte object id.
const controlMessageLen = 1 + dataobject.IDLen

// ControlMessage is exchanged peer→sender between metadata and payload,
// and peer→sender after payload, to drive the connection state machine.
type ControlMessage struct {
	Type     ControlType
	ObjectID dataobject.ID
}

// WriteControlMessage writes a fixed-size control message.
func WriteControlMessage(w io.Writer, msg ControlMessage) error {
	var buf [controlMessageLen]byte
	buf[0] = byte(msg.Type)
	copy(buf[1:], msg.ObjectID[:])
	_, err := w.Write(buf[:])
	return err
}

// ReadControlMessage reads a fixed-size control message.
func ReadControlMessage(r io.Reader) (ControlMessage, error) {
	var buf [controlMessageLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ControlMessage{}, fmt.Errorf("protocol: read control message: %w", err)
	}
	msg := ControlMessage{Type: ControlType(buf[0])}
	copy(msg.ObjectID[:], buf[1:])
	return msg, nil
}

// WriteMetadataFrame writes m as a 4-byte big-endian length prefix
// followed by its XML encoding.
func WriteMetadataFrame(w io.Writer, m *metadata.Metadata) error {
	encoded, err := metadata.EncodeXML(m)
	if err != nil {
		return fmt.Errorf("protocol: encode metadata: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(encoded)
	return err
}

// maxMetadataFrame bounds an incoming metadata frame's declared length,
// guarding against a malformed or hostile peer forcing an unbounded
// allocation.
const maxMetadataFrame = 16 << 20 // 16 MiB

// ReadMetadataFrame reads a frame written by WriteMetadataFrame.
func ReadMetadataFrame(r io.Reader) (*metadata.Metadata, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("protocol: read metadata length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxMetadataFrame {
		return nil, fmt.Errorf("protocol: metadata frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("protocol: read metadata body: %w", err)
	}
	m, err := metadata.DecodeXML(buf)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode metadata: %w", err)
	}
	return m, nil
}

// WritePayload streams exactly length bytes from r to w, the object's
// optional file payload.
func WritePayload(w io.Writer, r io.Reader, length int64) error {
	n, err := io.CopyN(w, r, length)
	if err != nil {
		return fmt.Errorf("protocol: write payload (%d/%d bytes): %w", n, length, err)
	}
	return nil
}

// ReadPayload reads exactly length bytes from r into w.
func ReadPayload(w io.Writer, r io.Reader, length int64) error {
	n, err := io.CopyN(w, r, length)
	if err != nil {
		return fmt.Errorf("protocol: read payload (%d/%d bytes): %w", n, length, err)
	}
	return nil
}
