package crypto

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
)

// X25519 sizes.
const (
	// X25519KeySize is the size of X25519 scalars, points and shared secrets.
	X25519KeySize = curve25519.ScalarSize
)

// ErrX25519InvalidPublicKey is returned for peer keys of the wrong size or
// low-order points that yield an all-zero shared secret.
var ErrX25519InvalidPublicKey = errors.New("x25519: invalid public key")

// X25519KeyPair is an ephemeral X25519 key pair.
type X25519KeyPair struct {
	private [X25519KeySize]byte
	public  [X25519KeySize]byte
}

// GenerateX25519 creates a new ephemeral key pair from r.
// A nil r uses crypto/rand.
func GenerateX25519(r io.Reader) (*X25519KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}

	kp := &X25519KeyPair{}
	if _, err := io.ReadFull(r, kp.private[:]); err != nil {
		return nil, err
	}

	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.public[:], pub)
	return kp, nil
}

// PublicKey returns a copy of the public key.
func (kp *X25519KeyPair) PublicKey() []byte {
	out := make([]byte, X25519KeySize)
	copy(out, kp.public[:])
	return out
}

// SharedSecret computes the X25519 shared secret with peerPublic.
func (kp *X25519KeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != X25519KeySize {
		return nil, ErrX25519InvalidPublicKey
	}
	secret, err := curve25519.X25519(kp.private[:], peerPublic)
	if err != nil {
		// curve25519 rejects low-order points with an all-zero output.
		return nil, ErrX25519InvalidPublicKey
	}
	return secret, nil
}

// Zeroize clears the private scalar.
func (kp *X25519KeyPair) Zeroize() {
	Zeroize(kp.private[:])
}
