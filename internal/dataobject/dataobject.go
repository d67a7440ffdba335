// Package dataobject implements Haggle's content-addressed artifact: a
// data object identity is a pure function of its attribute set, computed
// with SHA-1 for backward compatibility with the original wire format.
package dataobject

import (
	"crypto/sha1" //nolint:gosec // wire-format compatible identity hash, not used for authentication
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/metadata"
)

// IDLen is the length in bytes of a data object id.
const IDLen = 20

// ID is a content-addressed 20-byte data object identifier.
type ID [IDLen]byte

func (id ID) String() string {
	return fmt.Sprintf("%x", [IDLen]byte(id))
}

// IsZero reports whether the id has never been computed.
func (id ID) IsZero() bool {
	return id == ID{}
}

// ParseID parses the hex form produced by String(), used wherever an id
// travels as a string (e.g. PRoPHET routing-information targets).
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("dataobject: malformed id %q: %w", s, err)
	}
	if len(b) != IDLen {
		return id, fmt.Errorf("dataobject: malformed id %q: want %d bytes, got %d", s, IDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// SignatureState tracks whether a data object's embedded signature has
// been checked, and with what result.
type SignatureState int

const (
	SignatureMissing SignatureState = iota
	SignatureUnverified
	SignatureValid
	SignatureInvalid
)

// DataState tracks payload verification, set by the data manager's
// off-thread hashing helper.
type DataState int

const (
	DataNotVerified DataState = iota
	DataVerifiedOK
	DataVerifiedBad
	DataNoData
)

// Payload describes an optional external file carried alongside a data
// object's attributes.
type Payload struct {
	FilePath   string
	FileName   string
	Length     int64
	DynamicLen bool   // sender defers length determination to send time
	FileHash   []byte // optional cryptographic hash of the file content
}

// DataObject is a content-addressed unit of dissemination.
type DataObject struct {
	id       ID
	idKnown  bool
	Attrs    *attribute.Set
	Payload  *Payload
	Metadata *metadata.Metadata

	CreateTime time.Time
	Persistent bool

	SignatureState SignatureState
	Signature      []byte
	Certificate    []byte // embedded Security.Certificate, DER-encoded

	DataState DataState

	// Bookkeeping (spec §3 "Data Object" invariants).
	ReceiveTime          time.Time
	LocalInterfaceID     string
	RemoteInterfaceID    string
	IsNodeDescription    bool
	IsThisNodeDescr      bool
	ForLocalApplication  bool // carries FilePath on wire so app can mmap it
	Duplicate            bool
}

// New creates a data object with a fresh, empty attribute set.
func New() *DataObject {
	return &DataObject{
		Attrs:      attribute.NewSet(),
		CreateTime: time.Now(),
		Persistent: true,
	}
}

// SetAttributes replaces the attribute set and invalidates any
// previously computed id, per the spec's invariant that id is a pure
// function of attributes.
func (d *DataObject) SetAttributes(attrs *attribute.Set) {
	d.Attrs = attrs
	d.idKnown = false
}

// AddAttribute adds a single attribute and invalidates the cached id.
func (d *DataObject) AddAttribute(a attribute.Attribute) {
	d.Attrs.Add(a)
	d.idKnown = false
}

// ID returns the content-addressed id, computing it if necessary.
func (d *DataObject) ID() ID {
	if !d.idKnown {
		d.id = computeID(d.Attrs)
		d.idKnown = true
	}
	return d.id
}

// canonicalForm renders the attribute set into a deterministic byte
// sequence: attributes sorted by (name, value), each contributing its
// name and value (never its weight, which spec §3 excludes from the
// identity) separated by a NUL so that e.g. "ab"+"c" and "a"+"bc" never
// collide.
func canonicalForm(attrs *attribute.Set) []byte {
	all := append([]attribute.Attribute(nil), attrs.All()...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Less(all[j]) })

	var buf []byte
	for _, a := range all {
		buf = append(buf, a.Name...)
		buf = append(buf, 0)
		buf = append(buf, a.Value...)
		buf = append(buf, 0)
	}
	return buf
}

func computeID(attrs *attribute.Set) ID {
	sum := sha1.Sum(canonicalForm(attrs)) //nolint:gosec
	return ID(sum)
}

// Clone returns a deep-enough copy for passing between managers/threads
// without aliasing the mutable attribute set or metadata tree.
func (d *DataObject) Clone() *DataObject {
	cp := *d
	if d.Attrs != nil {
		cp.Attrs = attribute.NewSet(d.Attrs.All()...)
	}
	return &cp
}
