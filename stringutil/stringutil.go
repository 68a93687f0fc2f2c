// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

// Package stringutil carries allocation-free string helpers for the hot
// procfs parsing paths.
package stringutil // import "github.com/probekit/probed/stringutil"

import "unsafe"

var asciiSpace = [256]uint8{'\t': 1, '\n': 1, '\v': 1, '\f': 1, '\r': 1, ' ': 1}

// FieldsN splits s around runs of white space, filling f with the
// substrings. If s holds more fields than fit into f, the last element of f
// receives the unparsed remainder starting at its first non-space
// character. The return value is the number of elements of f that were
// filled. Unlike strings.Fields, no slice is allocated.
func FieldsN(s string, f []string) int {
	n := len(f)
	si := 0
	for i := 0; i < n-1; i++ {
		for si < len(s) && asciiSpace[s[si]] != 0 {
			si++
		}
		fieldStart := si

		for si < len(s) && asciiSpace[s[si]] == 0 {
			si++
		}
		if fieldStart >= si {
			return i
		}

		f[i] = s[fieldStart:si]
	}

	for si < len(s) && asciiSpace[s[si]] != 0 {
		si++
	}

	if si < len(s) {
		f[n-1] = s[si:]
		return n
	}

	return n - 1
}

// ByteSlice2String converts b to a string without copying. The caller must
// guarantee that b is not mutated while the returned string is in use.
func ByteSlice2String(b []byte) string {
	return unsafe.String(unsafe.SliceData(b), len(b))
}
