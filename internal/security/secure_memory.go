package security

import (
	"crypto/subtle"
	"runtime"
)

// ZeroBytes overwrites a byte slice holding key material.
//
// IMPORTANT: Sensitive data (keys, secrets) MUST be stored as []byte, never string.
// Go strings are immutable and cannot be securely erased from memory.
//
// Example:
//
//	dek := make([]byte, 32)
//	defer security.ZeroBytes(dek)
func ZeroBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	for i := range data {
		data[i] = 0
	}
	// Compiler barrier to prevent the stores being optimized away
	runtime.KeepAlive(data)
}

// SecureCopy returns an independent copy of src, or nil for an empty slice.
// The caller owns the copy and must zero it when done.
func SecureCopy(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// ConstantTimeEq reports whether a and b are equal without leaking, through
// timing, where they first differ. Slices of different length are unequal.
func ConstantTimeEq(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
