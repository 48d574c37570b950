package ota

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"strings"
)

// Digest accumulates an MD5 over a streamed image.
type Digest struct {
	h hash.Hash
	n uint64
}

func NewDigest() *Digest {
	return &Digest{h: md5.New()}
}

func (d *Digest) Write(p []byte) (int, error) {
	d.n += uint64(len(p))
	return d.h.Write(p)
}

// Len returns the number of bytes fed so far.
func (d *Digest) Len() uint64 {
	return d.n
}

// Sum returns the lower-case hex digest.
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Matches compares the digest against an expected hex string, ignoring case
// and surrounding whitespace.
func (d *Digest) Matches(expected string) bool {
	return DigestEqual(d.Sum(), expected)
}

// DigestEqual compares two hex digests case-insensitively.
func DigestEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
