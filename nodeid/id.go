// Package nodeid implements the 160-bit NodeID identifier and the
// bit-prefix NodeIDRange algebra of spec §3/§4.2 (component C2), grounded
// on original_source/include/libhdht/node_id.hpp.
package nodeid

import (
	"encoding/hex"

	"github.com/gcampax/hDHT/errs"
)

// Size is the width of a NodeID in bytes (160 bits).
const Size = 20

// Bits is the width of a NodeID in bits.
const Bits = Size * 8

// ID is a 160-bit big-endian identifier. The zero value is the "unset"
// sentinel; a constructed ID always has its lowest bit forced to 1 as a
// validity flag (spec §3), which distinguishes it from the sentinel.
type ID [Size]byte

// Zero is the unset sentinel NodeID.
var Zero ID

// IsZero reports whether id is the unset sentinel.
func (id ID) IsZero() bool {
	return id == Zero
}

// IsValid reports whether id carries the validity flag in its lowest bit.
// A zero ID is never valid.
func (id ID) IsValid() bool {
	if id.IsZero() {
		return false
	}
	return id[Size-1]&1 == 1
}

// Bytes returns the raw 20-byte big-endian representation.
func (id ID) Bytes() [Size]byte { return id }

// FromBytes constructs an ID from exactly Size raw bytes.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, errs.New(errs.InvalidArgument, "nodeid: expected %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String renders the NodeID as lowercase hex (spec R2: "NodeID hex
// encoding round-trips").
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Parse is the inverse of String.
func Parse(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, errs.Wrap(errs.InvalidArgument, err, "nodeid: invalid hex")
	}
	return FromBytes(b)
}

// bitAt reports the value (0 or 1) of the bit at position pos (0 = most
// significant bit of the first byte), counting from the most significant
// end, matching the "high R bits" convention used throughout spec §3/§4.
func bitAt(id ID, pos int) int {
	byteIdx := pos / 8
	bitIdx := 7 - (pos % 8)
	return int((id[byteIdx] >> bitIdx) & 1)
}

// setBit sets the bit at position pos to the given value (0 or 1).
func setBit(id *ID, pos int, value int) {
	byteIdx := pos / 8
	bitIdx := uint(7 - (pos % 8))
	if value != 0 {
		id[byteIdx] |= 1 << bitIdx
	} else {
		id[byteIdx] &^= 1 << bitIdx
	}
}

// withValidityFlag returns id with its lowest bit forced to 1, as spec §3
// mandates for any constructed (non-sentinel) NodeID.
func withValidityFlag(id ID) ID {
	id[Size-1] |= 1
	return id
}

// FromHighBits places the given value (interpreted as an unsigned integer
// of `bits` significant bits) into the high `bits` bits of a new NodeID,
// zeroing the rest, then sets the validity flag. Used by nodeid_from_hilbert.
func FromHighBits(value uint64, bits int) ID {
	var id ID
	for i := 0; i < bits; i++ {
		// value's MSB (bit bits-1) goes into position 0 of the NodeID.
		shift := bits - 1 - i
		bit := int((value >> uint(shift)) & 1)
		setBit(&id, i, bit)
	}
	return withValidityFlag(id)
}

// HighBits extracts the high `bits` bits of id as an unsigned integer,
// the inverse of FromHighBits (ignoring the validity flag, which always
// lives below any sane resolution's bit range since R <= 64 < 160).
func HighBits(id ID, bits int) uint64 {
	var value uint64
	for i := 0; i < bits; i++ {
		value = (value << 1) | uint64(bitAt(id, i))
	}
	return value
}

// CommonPrefixLen returns the number of leading bits a and b share.
func CommonPrefixLen(a, b ID) int {
	n := 0
	for i := 0; i < Bits; i++ {
		if bitAt(a, i) != bitAt(b, i) {
			break
		}
		n++
	}
	return n
}

// Compare provides a total order on NodeIDs by unsigned big-endian byte
// comparison (which is exactly bit-prefix comparison).
func Compare(a, b ID) int {
	for i := 0; i < Size; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether a sorts before b.
func Less(a, b ID) bool { return Compare(a, b) < 0 }
