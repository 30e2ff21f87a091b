// Package crypto provides the cryptographic primitives the security schemes
// are built from. Each primitive is a thin, fixed-parameter wrapper so that
// schemes never pick key sizes, tag sizes or hash functions themselves.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"hash"
)

// SHA256LenBytes is the SHA-256 output length in bytes.
const SHA256LenBytes = sha256.Size

// SHA256 computes the SHA-256 digest of message.
func SHA256(message []byte) [SHA256LenBytes]byte {
	return sha256.Sum256(message)
}

// SHA256Slice is SHA256 returning a slice.
func SHA256Slice(message []byte) []byte {
	h := sha256.Sum256(message)
	return h[:]
}

// NewSHA256 returns a streaming SHA-256 hash for handshake transcripts.
func NewSHA256() hash.Hash {
	return sha256.New()
}

// HMACSHA256 computes HMAC-SHA256 over the concatenation of parts.
func HMACSHA256(key []byte, parts ...[]byte) []byte {
	m := hmac.New(sha256.New, key)
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}

// HMACEqual compares two MACs in constant time.
func HMACEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
