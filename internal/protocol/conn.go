package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/haggle-project/haggled/internal/dataobject"
)

// Sentinel errors returned by Conn.Send/Conn.Receive (spec §4.7's
// accept/reject/terminate control messages).
var (
	ErrRejected   = errors.New("protocol: peer rejected data object")
	ErrTerminated = errors.New("protocol: peer terminated connection")
	ErrDuplicate  = errors.New("protocol: data object already known locally")
	ErrBlocked    = errors.New("protocol: write blocked past retry budget")
)

// payloadChunk bounds a single write/read attempt while streaming a
// payload, so that a stalled peer surfaces as repeated would-block
// retries rather than one unbounded blocking call.
const payloadChunk = 32 * 1024

// Conn is one established connection to a peer, driving the
// idle→connecting→connected→(sending|receiving)→idle/done state
// machine described in spec §4.7 over an underlying net.Conn.
type Conn struct {
	raw       net.Conn
	Transport Transport
	Direction Direction
	State     State
}

// NewConn wraps an already-dialed or accepted net.Conn.
func NewConn(raw net.Conn, transport Transport, direction Direction) *Conn {
	return &Conn{raw: raw, Transport: transport, Direction: direction, State: StateConnected}
}

// Close releases the underlying connection.
func (c *Conn) Close() error {
	c.State = StateGarbage
	return c.raw.Close()
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Send pushes obj to the peer: it writes the metadata frame, waits for
// a control message, and on accept streams payload (if any) before
// optionally waiting for a trailing ack (spec §4.7 "sender" sequence).
func (c *Conn) Send(obj *dataobject.DataObject, payload io.Reader) error {
	c.State = StateSending
	defer func() { c.State = StateIdle }()

	if err := c.raw.SetWriteDeadline(time.Now().Add(SendTimeout)); err != nil {
		return fmt.Errorf("protocol: set write deadline: %w", err)
	}
	if err := WriteMetadataFrame(c.raw, EncodeDataObject(obj)); err != nil {
		return err
	}

	if err := c.raw.SetReadDeadline(time.Now().Add(ReceiveTimeout)); err != nil {
		return fmt.Errorf("protocol: set read deadline: %w", err)
	}
	ctrl, err := ReadControlMessage(c.raw)
	if err != nil {
		return err
	}
	switch ctrl.Type {
	case ControlReject:
		return ErrRejected
	case ControlTerminate:
		return ErrTerminated
	case ControlAccept:
		// fall through
	default:
		return fmt.Errorf("protocol: unexpected control message %v", ctrl.Type)
	}

	if obj.Payload == nil || payload == nil {
		return nil
	}
	if err := writePayload(c.raw, payload, obj.Payload.Length); err != nil {
		return err
	}

	// The trailing ack is informational; a peer that closes the
	// connection instead of acking has still received the payload.
	if err := c.raw.SetReadDeadline(time.Now().Add(ReceiveTimeout)); err == nil {
		_, _ = ReadControlMessage(c.raw)
	}
	return nil
}

// AcceptFunc decides whether an incoming data object should be accepted,
// e.g. by checking it against a duplicate-suppression Bloom filter.
type AcceptFunc func(*dataobject.DataObject) bool

// PayloadSink supplies the writer an accepted object's payload bytes
// should be streamed into (a temp file, the data store's blob area).
type PayloadSink func(*dataobject.DataObject) (io.WriteCloser, error)

// Receive waits for an incoming data object: it reads the metadata
// frame, asks accept whether to keep it, replies accept/reject, and on
// accept streams any payload through sink (spec §4.7 "receiver"
// sequence).
func (c *Conn) Receive(accept AcceptFunc, sink PayloadSink) (*dataobject.DataObject, error) {
	c.State = StateReceiving
	defer func() { c.State = StateIdle }()

	if err := c.raw.SetReadDeadline(time.Now().Add(ReceiveTimeout)); err != nil {
		return nil, fmt.Errorf("protocol: set read deadline: %w", err)
	}
	m, err := ReadMetadataFrame(c.raw)
	if err != nil {
		return nil, err
	}
	obj, err := DecodeDataObject(m)
	if err != nil {
		return nil, err
	}

	if accept != nil && !accept(obj) {
		_ = c.writeControl(ControlReject, obj.ID())
		return nil, ErrDuplicate
	}
	if err := c.writeControl(ControlAccept, obj.ID()); err != nil {
		return nil, err
	}

	if obj.Payload != nil && sink != nil {
		w, err := sink(obj)
		if err != nil {
			return nil, fmt.Errorf("protocol: open payload sink: %w", err)
		}
		readErr := readPayload(w, c.raw, obj.Payload.Length)
		closeErr := w.Close()
		if readErr != nil {
			return nil, readErr
		}
		if closeErr != nil {
			return nil, fmt.Errorf("protocol: close payload sink: %w", closeErr)
		}
		_ = c.writeControl(ControlAck, obj.ID())
	}

	return obj, nil
}

func (c *Conn) writeControl(t ControlType, id dataobject.ID) error {
	if err := c.raw.SetWriteDeadline(time.Now().Add(SendTimeout)); err != nil {
		return fmt.Errorf("protocol: set write deadline: %w", err)
	}
	return WriteControlMessage(c.raw, ControlMessage{Type: t, ObjectID: id})
}

// writePayload streams length bytes from r to w in chunks, waiting out
// would-block writes up to BlockTryMax times (spec §4.7/§5).
func writePayload(w net.Conn, r io.Reader, length int64) error {
	buf := make([]byte, payloadChunk)
	remaining := length
	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		nr, err := io.ReadFull(r, buf[:n])
		if err != nil {
			return fmt.Errorf("protocol: read payload source: %w", err)
		}

		off := 0
		for tries := 0; off < nr; {
			if err := w.SetWriteDeadline(time.Now().Add(BlockSleep)); err != nil {
				return fmt.Errorf("protocol: set write deadline: %w", err)
			}
			nw, werr := w.Write(buf[off:nr])
			off += nw
			if werr == nil {
				continue
			}
			if !isTimeout(werr) {
				return fmt.Errorf("protocol: write payload: %w", werr)
			}
			tries++
			if tries >= BlockTryMax {
				return ErrBlocked
			}
		}
		remaining -= int64(nr)
	}
	return w.SetWriteDeadline(time.Time{})
}

// readPayload reads exactly length bytes from r into w, retrying
// would-block reads up to BlockTryMax times per chunk.
func readPayload(w io.Writer, r net.Conn, length int64) error {
	buf := make([]byte, payloadChunk)
	remaining := length
	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}

		var nr int
		var err error
		for tries := 0; ; tries++ {
			if err := r.SetReadDeadline(time.Now().Add(BlockSleep)); err != nil {
				return fmt.Errorf("protocol: set read deadline: %w", err)
			}
			nr, err = io.ReadFull(r, buf[:n])
			if err == nil {
				break
			}
			if !isTimeout(err) {
				return fmt.Errorf("protocol: read payload: %w", err)
			}
			if tries >= BlockTryMax {
				return ErrBlocked
			}
		}

		if _, err := w.Write(buf[:nr]); err != nil {
			return fmt.Errorf("protocol: write payload sink: %w", err)
		}
		remaining -= int64(nr)
	}
	return r.SetReadDeadline(time.Time{})
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
