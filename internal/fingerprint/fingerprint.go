// Package fingerprint derives stable message digests used for one-shot
// coalescing keys and result cache keys.
package fingerprint

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// Digest is a blake3-256 digest of message content.
type Digest [Size]byte

// Sum fingerprints a message body.
func Sum(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// SumParts fingerprints an ordered sequence of byte slices, length-prefixed
// so distinct splits of the same bytes yield distinct digests.
func SumParts(parts ...[]byte) Digest {
	h := blake3.New()
	var lenBuf [8]byte
	for _, p := range parts {
		n := len(p)
		for i := 0; i < 8; i++ {
			lenBuf[i] = byte(n >> (8 * i))
		}
		_, _ = h.Write(lenBuf[:])
		_, _ = h.Write(p)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// String returns the lowercase hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}
