// Package bloom implements the plain and counting Bloom filters haggled
// uses for duplicate suppression: a node's filter summarises the data
// object ids it already holds so peers avoid resending them.
package bloom

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
)

// Kind distinguishes the two bin representations that share one header.
type Kind uint8

const (
	// Plain bins are single bits; insert-only, OR-mergeable.
	Plain Kind = iota
	// Counting bins are small counters supporting Remove.
	Counting
)

const maxCounterValue = 0xFFFF

// Filter is a Bloom filter over 20-byte data object ids.
//
// Parameters (k salts, m bins) are derived once at construction time from
// the target error rate and capacity via the classical optimisation and
// travel with the filter on the wire, so a receiver never needs to know
// the sender's configured defaults.
type Filter struct {
	kind  Kind
	k     uint32
	m     uint32
	n     uint32 // number of items inserted, for countDataObjects/debugging
	salts []uint32

	bits    []uint64 // used when kind == Plain, m bits packed into 64-bit words
	counts  []uint16 // used when kind == Counting, one counter per bin
}

// New creates a Bloom filter sized for capacity items at the given target
// false-positive error rate. errorRate and capacity must both be positive;
// per REDESIGN FLAGS §9, a filter that cannot be sized validly is rejected
// at construction instead of silently producing a half-built value.
func New(kind Kind, errorRate float64, capacity uint32) (*Filter, error) {
	if errorRate <= 0 || errorRate >= 1 {
		return nil, fmt.Errorf("bloom: error rate must be in (0,1), got %v", errorRate)
	}
	if capacity == 0 {
		return nil, fmt.Errorf("bloom: capacity must be positive")
	}

	m := optimalM(errorRate, capacity)
	k := optimalK(m, capacity)
	if k < 1 {
		k = 1
	}

	f := &Filter{
		kind:  kind,
		k:     k,
		m:     m,
		salts: newSalts(k),
	}
	f.allocBins()
	return f, nil
}

func optimalM(errorRate float64, capacity uint32) uint32 {
	m := -1 * float64(capacity) * math.Log(errorRate) / (math.Ln2 * math.Ln2)
	if m < 8 {
		m = 8
	}
	return uint32(math.Ceil(m))
}

func optimalK(m, capacity uint32) uint32 {
	k := (float64(m) / float64(capacity)) * math.Ln2
	return uint32(math.Round(k))
}

// newSalts picks k deterministic-looking but distinguishing salts; any
// fixed sequence works as long as sender and receiver both transport the
// actual values used, which the wire format does.
func newSalts(k uint32) []uint32 {
	salts := make([]uint32, k)
	// A fixed, well-mixed sequence: avoids importing a PRNG dependency for
	// something whose only requirement is "k distinct hash seeds".
	seed := uint32(0x9e3779b9)
	for i := range salts {
		seed = seed*1103515245 + 12345
		salts[i] = seed ^ uint32(i)*2654435761
	}
	return salts
}

func (f *Filter) allocBins() {
	switch f.kind {
	case Plain:
		f.bits = make([]uint64, (f.m+63)/64)
	case Counting:
		f.counts = make([]uint16, f.m)
	}
}

// Kind reports whether this is a plain or counting filter.
func (f *Filter) Kind() Kind { return f.kind }

// K returns the number of hash functions (salts).
func (f *Filter) K() uint32 { return f.k }

// M returns the number of bins.
func (f *Filter) M() uint32 { return f.m }

// Count returns the number of items Add has been called with (not
// adjusted for false-positive collisions).
func (f *Filter) Count() uint32 { return f.n }

func (f *Filter) indices(id []byte) []uint32 {
	idx := make([]uint32, f.k)
	for i, salt := range f.salts {
		h := fnv.New32a()
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], salt)
		h.Write(buf[:])
		h.Write(id)
		idx[i] = h.Sum32() % f.m
	}
	return idx
}

// Add inserts an id into the filter.
func (f *Filter) Add(id []byte) {
	for _, i := range f.indices(id) {
		switch f.kind {
		case Plain:
			f.bits[i/64] |= 1 << (i % 64)
		case Counting:
			if f.counts[i] < maxCounterValue {
				f.counts[i]++
			}
		}
	}
	f.n++
}

// Remove removes an id from a counting filter. It is a no-op on plain
// filters, matching the original semantics where only counting filters
// support removal.
func (f *Filter) Remove(id []byte) {
	if f.kind != Counting {
		return
	}
	for _, i := range f.indices(id) {
		if f.counts[i] > 0 {
			f.counts[i]--
		}
	}
	if f.n > 0 {
		f.n--
	}
}

// Has reports whether id may be in the set. False negatives never occur
// for inserted items; false positives occur at approximately the
// configured error rate.
func (f *Filter) Has(id []byte) bool {
	for _, i := range f.indices(id) {
		switch f.kind {
		case Plain:
			if f.bits[i/64]&(1<<(i%64)) == 0 {
				return false
			}
		case Counting:
			if f.counts[i] == 0 {
				return false
			}
		}
	}
	return true
}

// Reset clears the filter in place.
func (f *Filter) Reset() {
	f.n = 0
	f.allocBins()
}

// Clone returns a deep copy.
func (f *Filter) Clone() *Filter {
	cp := &Filter{kind: f.kind, k: f.k, m: f.m, n: f.n, salts: append([]uint32(nil), f.salts...)}
	if f.bits != nil {
		cp.bits = append([]uint64(nil), f.bits...)
	}
	if f.counts != nil {
		cp.counts = append([]uint16(nil), f.counts...)
	}
	return cp
}

// Merge performs a bitwise OR of other into f. Both filters must share
// the same shape (k, m, salts); counting filters are projected to plain
// bins for the purpose of the merge, matching the "plain-view" semantics
// used when third-party node descriptions are combined (§4.4).
func (f *Filter) Merge(other *Filter) error {
	if f.m != other.m || f.k != other.k {
		return fmt.Errorf("bloom: cannot merge filters of different shape (m=%d/%d k=%d/%d)", f.m, other.m, f.k, other.k)
	}
	for i := range f.salts {
		if f.salts[i] != other.salts[i] {
			return fmt.Errorf("bloom: cannot merge filters with different salts")
		}
	}

	switch f.kind {
	case Plain:
		ob := other.plainBits()
		for i := range f.bits {
			f.bits[i] |= ob[i]
		}
	case Counting:
		// Project other onto plain semantics: any non-zero bin becomes set.
		if other.kind == Plain {
			for i := uint32(0); i < f.m; i++ {
				if other.bits[i/64]&(1<<(i%64)) != 0 && f.counts[i] == 0 {
					f.counts[i] = 1
				}
			}
		} else {
			for i := range f.counts {
				if other.counts[i] != 0 && f.counts[i] == 0 {
					f.counts[i] = 1
				}
			}
		}
	}
	return nil
}

// plainBits returns a plain bit-projection of the filter regardless of kind.
func (f *Filter) plainBits() []uint64 {
	if f.kind == Plain {
		return f.bits
	}
	bits := make([]uint64, (f.m+63)/64)
	for i := uint32(0); i < f.m; i++ {
		if f.counts[i] > 0 {
			bits[i/64] |= 1 << (i % 64)
		}
	}
	return bits
}

// ToPlain returns a new Plain filter with the same shape, projecting
// counting bins via bin > 0 => 1.
func (f *Filter) ToPlain() *Filter {
	p := &Filter{kind: Plain, k: f.k, m: f.m, n: f.n, salts: append([]uint32(nil), f.salts...)}
	p.bits = f.plainBits()
	return p
}

// Marshal serialises the filter to its wire form: k, m, n as 32-bit
// big-endian integers, then the k salts (32-bit big-endian), then the
// bins (bit-packed for Plain, 16-bit big-endian counters for Counting).
func (f *Filter) Marshal() []byte {
	buf := make([]byte, 0, 13+len(f.salts)*4+int(f.m)*2)
	var hdr [13]byte
	hdr[0] = byte(f.kind)
	binary.BigEndian.PutUint32(hdr[1:5], f.k)
	binary.BigEndian.PutUint32(hdr[5:9], f.m)
	binary.BigEndian.PutUint32(hdr[9:13], f.n)
	buf = append(buf, hdr[:]...)

	var saltBuf [4]byte
	for _, s := range f.salts {
		binary.BigEndian.PutUint32(saltBuf[:], s)
		buf = append(buf, saltBuf[:]...)
	}

	switch f.kind {
	case Plain:
		for _, w := range f.bits {
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], w)
			buf = append(buf, b[:]...)
		}
	case Counting:
		for _, c := range f.counts {
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], c)
			buf = append(buf, b[:]...)
		}
	}
	return buf
}

// Unmarshal parses the wire form produced by Marshal.
func Unmarshal(data []byte) (*Filter, error) {
	if len(data) < 13 {
		return nil, fmt.Errorf("bloom: short header (%d bytes)", len(data))
	}
	f := &Filter{
		kind: Kind(data[0]),
		k:    binary.BigEndian.Uint32(data[1:5]),
		m:    binary.BigEndian.Uint32(data[5:9]),
		n:    binary.BigEndian.Uint32(data[9:13]),
	}
	off := 13
	if f.k == 0 || f.m == 0 {
		return nil, fmt.Errorf("bloom: invalid shape k=%d m=%d", f.k, f.m)
	}
	if len(data) < off+int(f.k)*4 {
		return nil, fmt.Errorf("bloom: truncated salts")
	}
	f.salts = make([]uint32, f.k)
	for i := range f.salts {
		f.salts[i] = binary.BigEndian.Uint32(data[off : off+4])
		off += 4
	}

	switch f.kind {
	case Plain:
		words := int((f.m + 63) / 64)
		if len(data) < off+words*8 {
			return nil, fmt.Errorf("bloom: truncated plain bins")
		}
		f.bits = make([]uint64, words)
		for i := range f.bits {
			f.bits[i] = binary.BigEndian.Uint64(data[off : off+8])
			off += 8
		}
	case Counting:
		if len(data) < off+int(f.m)*2 {
			return nil, fmt.Errorf("bloom: truncated counting bins")
		}
		f.counts = make([]uint16, f.m)
		for i := range f.counts {
			f.counts[i] = binary.BigEndian.Uint16(data[off : off+2])
			off += 2
		}
	default:
		return nil, fmt.Errorf("bloom: unknown kind %d", f.kind)
	}
	return f, nil
}

// ToBase64 returns the base64 encoding of Marshal, suitable for embedding
// in a metadata document.
func (f *Filter) ToBase64() string {
	return base64.StdEncoding.EncodeToString(f.Marshal())
}

// FromBase64 parses the base64 encoding produced by ToBase64.
func FromBase64(s string) (*Filter, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bloom: invalid base64: %w", err)
	}
	return Unmarshal(data)
}
