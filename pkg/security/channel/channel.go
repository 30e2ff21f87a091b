// Package channel implements the explicit-nonce AEAD framing shared by the
// keyed schemes:
//
//	nonce | ciphertext | tag
//
// The nonce is the sender's role byte followed by a big-endian message
// counter, left-padded with zeros to the AEAD's nonce size. Both ends of a
// session share one key, so the role byte keeps their nonce spaces disjoint.
//
// Every end keeps a reception window per sender role and opens each
// (role, counter) pair at most once. A captured message cannot be replayed
// to an end that has already read it, and a counter that has fallen behind
// the window is refused.
package channel

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/awnumar/memguard"
	"github.com/backkem/protocomm/pkg/crypto"
	"github.com/backkem/protocomm/pkg/security"
)

// Role selects the nonce space of a channel end.
type Role uint8

const (
	// RoleDevice is the end that answers handshakes.
	RoleDevice Role = 0x01
	// RoleClient is the end that initiates handshakes.
	RoleClient Role = 0x02
)

const counterSize = 8

var (
	// ErrCounterExhausted is returned when the message counter would wrap.
	// The session must be re-established.
	ErrCounterExhausted = errors.New("channel: message counter exhausted")

	// ErrReplayDetected is returned by Open for a counter that was already
	// opened or lies behind the reception window. It matches
	// security.ErrDecryptFailed.
	ErrReplayDetected = fmt.Errorf("channel: replay detected: %w", security.ErrDecryptFailed)
)

// AEADFunc builds the cipher for a session key.
type AEADFunc func(key []byte) (cipher.AEAD, error)

// Channel seals and opens payloads under one session key.
// It is not safe for concurrent use.
type Channel struct {
	newAEAD   AEADFunc
	key       *memguard.LockedBuffer
	role      Role
	nonceSize int
	tagSize   int

	counter uint64
	recv    map[Role]*window
}

// New takes ownership of key: it is moved into locked memory and the
// caller's slice is wiped, on success and on failure.
func New(newAEAD AEADFunc, key []byte, role Role) (*Channel, error) {
	aead, err := newAEAD(key)
	if err != nil {
		crypto.Zeroize(key)
		return nil, err
	}
	if aead.NonceSize() < 1+counterSize {
		crypto.Zeroize(key)
		return nil, fmt.Errorf("channel: nonce size %d too small", aead.NonceSize())
	}
	return &Channel{
		newAEAD:   newAEAD,
		key:       memguard.NewBufferFromBytes(key),
		role:      role,
		nonceSize: aead.NonceSize(),
		tagSize:   aead.Overhead(),
		recv: map[Role]*window{
			RoleDevice: {},
			RoleClient: {},
		},
	}, nil
}

// Overhead returns the number of bytes Seal adds.
func (c *Channel) Overhead() int {
	return c.nonceSize + c.tagSize
}

func (c *Channel) aead() (cipher.AEAD, error) {
	if c.key == nil {
		return nil, security.ErrNotSecured
	}
	return c.newAEAD(c.key.Bytes())
}

// Seal encrypts in. The counter only advances on success.
func (c *Channel) Seal(in []byte) ([]byte, error) {
	aead, err := c.aead()
	if err != nil {
		return nil, err
	}
	if c.counter == math.MaxUint64 {
		return nil, ErrCounterExhausted
	}

	nonce := make([]byte, c.nonceSize)
	nonce[0] = byte(c.role)
	binary.BigEndian.PutUint64(nonce[c.nonceSize-counterSize:], c.counter)

	out := make([]byte, 0, c.nonceSize+len(in)+c.tagSize)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, in, nil)
	c.counter++
	return out, nil
}

// Open decrypts in. The reception window only moves on success.
func (c *Channel) Open(in []byte) ([]byte, error) {
	aead, err := c.aead()
	if err != nil {
		return nil, err
	}
	if len(in) < c.Overhead() {
		return nil, fmt.Errorf("ciphertext of %d bytes shorter than overhead %d: %w", len(in), c.Overhead(), security.ErrInvalidMessage)
	}

	nonce := in[:c.nonceSize]
	w, ok := c.recv[Role(nonce[0])]
	if !ok {
		return nil, fmt.Errorf("unknown sender role %#x: %w", nonce[0], security.ErrInvalidMessage)
	}
	counter := binary.BigEndian.Uint64(nonce[c.nonceSize-counterSize:])
	if w.seen(counter) {
		return nil, ErrReplayDetected
	}

	out, err := aead.Open(nil, nonce, in[c.nonceSize:], nil)
	if err != nil {
		return nil, security.ErrDecryptFailed
	}
	w.accept(counter)
	return out, nil
}

// Zeroize destroys the locked key buffer and disables the channel. Seal and
// Open rebuild the cipher from that buffer on every call, so the only other
// copy of the key is the cipher state of a call in flight, which is
// unreachable once the call returns.
func (c *Channel) Zeroize() {
	if c.key != nil {
		c.key.Destroy()
		c.key = nil
	}
}
