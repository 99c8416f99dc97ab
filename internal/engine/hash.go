package engine

import (
	"crypto/sha256"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
)

// DigestSize is the length in bytes of every supported block digest.
const DigestSize = 32

// newHasher returns a constructor for the digest named by alg.
func newHasher(alg HashAlgorithm) (func() hash.Hash, error) {
	switch alg {
	case HashBlake3:
		return func() hash.Hash { return blake3.New() }, nil
	case HashSHA256:
		return sha256.New, nil
	default:
		return nil, fmt.Errorf("unknown hash %q", alg)
	}
}

// digester computes block digests. Each hasher goroutine owns one.
type digester struct {
	h    hash.Hash
	zero map[int64][]byte // digest of an all-zero block, by length
}

func newDigester(mk func() hash.Hash) *digester {
	return &digester{h: mk(), zero: make(map[int64][]byte)}
}

func (d *digester) sum(p []byte) []byte {
	d.h.Reset()
	d.h.Write(p)
	return d.h.Sum(make([]byte, 0, DigestSize))
}

// zeroSum returns the digest of length zero bytes without needing the bytes
// in memory.
func (d *digester) zeroSum(length int64) []byte {
	if s, ok := d.zero[length]; ok {
		return s
	}
	d.h.Reset()
	var chunk [32 * 1024]byte
	for rem := length; rem > 0; {
		n := min(rem, int64(len(chunk)))
		d.h.Write(chunk[:n])
		rem -= n
	}
	s := d.h.Sum(make([]byte, 0, DigestSize))
	d.zero[length] = s
	return s
}

// isZero reports whether p is entirely zero bytes.
func isZero(p []byte) bool {
	for len(p) >= 8 {
		if p[0]|p[1]|p[2]|p[3]|p[4]|p[5]|p[6]|p[7] != 0 {
			return false
		}
		p = p[8:]
	}
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}
