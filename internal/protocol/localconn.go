package protocol

import (
	"fmt"
	"net"

	"github.com/haggle-project/haggled/internal/dataobject"
	"github.com/haggle-project/haggled/internal/metadata"
)

// maxLocalDatagram bounds a single application-port message: a local
// application always ships its payload out-of-band (e.g. as a file the
// daemon mmaps), so the datagram only ever needs to carry metadata.
const maxLocalDatagram = 1 << 20 // 1 MiB

// SendLocal writes obj's metadata as a single self-contained datagram to
// the application port: no control-message handshake, no retries,
// matching the original "local" transport's best-effort IPC semantics
// (spec §9).
func SendLocal(conn net.PacketConn, addr net.Addr, obj *dataobject.DataObject) error {
	encoded, err := metadata.EncodeXML(EncodeDataObject(obj))
	if err != nil {
		return fmt.Errorf("protocol: encode local datagram: %w", err)
	}
	if len(encoded) > maxLocalDatagram {
		return fmt.Errorf("protocol: local datagram too large (%d bytes)", len(encoded))
	}
	_, err = conn.WriteTo(encoded, addr)
	return err
}

// ReceiveLocal reads and decodes a single datagram written by SendLocal.
func ReceiveLocal(conn net.PacketConn) (*dataobject.DataObject, net.Addr, error) {
	buf := make([]byte, maxLocalDatagram)
	n, addr, err := conn.ReadFrom(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("protocol: read local datagram: %w", err)
	}
	m, err := metadata.DecodeXML(buf[:n])
	if err != nil {
		return nil, addr, fmt.Errorf("protocol: decode local datagram: %w", err)
	}
	obj, err := DecodeDataObject(m)
	if err != nil {
		return nil, addr, err
	}
	return obj, addr, nil
}
