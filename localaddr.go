package kvik

import "encoding/hex"

// LocalAddr is an opaque, variable-length link-layer address. Equality is
// byte-equality. An empty LocalAddr means broadcast or unknown.
type LocalAddr []byte

// String renders the address as lowercase hex, e.g. "02a1ff".
func (a LocalAddr) String() string {
	return hex.EncodeToString(a)
}

// Empty reports whether the address is the broadcast/unknown sentinel.
func (a LocalAddr) Empty() bool {
	return len(a) == 0
}

// Equal reports byte-equality with other.
func (a LocalAddr) Equal(other LocalAddr) bool {
	if len(a) != len(other) {
		return false
	}
	for i := range a {
		if a[i] != other[i] {
			return false
		}
	}
	return true
}

// key returns a value suitable for use as a map key (LocalAddr itself is a
// slice and cannot be compared or hashed directly).
func (a LocalAddr) key() string {
	return string(a)
}

// Clone returns an independent copy of the address.
func (a LocalAddr) Clone() LocalAddr {
	if a == nil {
		return nil
	}
	out := make(LocalAddr, len(a))
	copy(out, a)
	return out
}
