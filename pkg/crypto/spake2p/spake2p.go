// Package spake2p implements the SPAKE2+ augmented PAKE (RFC 9383) with the
// P256-SHA256-HKDF-HMAC ciphersuite.
//
// The prover knows the password-derived scalars (w0, w1). The verifier only
// holds the registration record (w0, L = w1*P), so a device that stores the
// record does not store the password itself.
//
//	Prover                             Verifier
//	------                             --------
//	X = Share()       -----X----->     Y = Share(); Process(X)
//	Process(Y)        <---Y, cV---     cV = Confirmation()
//	Verify(cV)
//	cP = Confirmation() ---cP---->     Verify(cP)
//	Ke = SharedSecret()                Ke = SharedSecret()
package spake2p

import (
	"crypto/elliptic"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"math/big"

	"github.com/backkem/protocomm/pkg/crypto"
)

// Sizes for the P-256 ciphersuite.
const (
	// GroupSizeBytes is the size of a P-256 scalar.
	GroupSizeBytes = 32

	// PointSizeBytes is the size of an uncompressed P-256 point.
	PointSizeBytes = 65

	// WsSizeBytes is the size of each PBKDF2 output half before reduction mod n.
	WsSizeBytes = 40

	// KeySizeBytes is the size of Ke, KcA and KcB.
	KeySizeBytes = 16
)

// Role is the SPAKE2+ participant role.
type Role int

const (
	// RoleProver knows the password.
	RoleProver Role = iota
	// RoleVerifier holds the registration record.
	RoleVerifier
)

type state int

const (
	stateInit state = iota
	stateShared
	stateKeyed
	stateConfirmed
)

var (
	ErrInvalidScalar      = errors.New("spake2p: scalar must be 32 bytes")
	ErrInvalidPoint       = errors.New("spake2p: invalid point encoding or point not on curve")
	ErrInvalidState       = errors.New("spake2p: operation not valid in current state")
	ErrConfirmationFailed = errors.New("spake2p: key confirmation failed")
)

var p256 = elliptic.P256()

// Fixed generator points M and N for P-256 (RFC 9383 Section 4).
var (
	pointMBytes = []byte{
		0x04, 0x88, 0x6e, 0x2f, 0x97, 0xac, 0xe4, 0x6e, 0x55, 0xba, 0x9d, 0xd7, 0x24, 0x25, 0x79, 0xf2, 0x99,
		0x3b, 0x64, 0xe1, 0x6e, 0xf3, 0xdc, 0xab, 0x95, 0xaf, 0xd4, 0x97, 0x33, 0x3d, 0x8f, 0xa1, 0x2f, 0x5f,
		0xf3, 0x55, 0x16, 0x3e, 0x43, 0xce, 0x22, 0x4e, 0x0b, 0x0e, 0x65, 0xff, 0x02, 0xac, 0x8e, 0x5c, 0x7b,
		0xe0, 0x94, 0x19, 0xc7, 0x85, 0xe0, 0xca, 0x54, 0x7d, 0x55, 0xa1, 0x2e, 0x2d, 0x20,
	}
	pointNBytes = []byte{
		0x04, 0xd8, 0xbb, 0xd6, 0xc6, 0x39, 0xc6, 0x29, 0x37, 0xb0, 0x4d, 0x99, 0x7f, 0x38, 0xc3, 0x77, 0x07,
		0x19, 0xc6, 0x29, 0xd7, 0x01, 0x4d, 0x49, 0xa2, 0x4b, 0x4f, 0x98, 0xba, 0xa1, 0x29, 0x2b, 0x49, 0x07,
		0xd6, 0x0a, 0xa6, 0xbf, 0xad, 0xe4, 0x50, 0x08, 0xa6, 0x36, 0x33, 0x7f, 0x51, 0x68, 0xc6, 0x4d, 0x9b,
		0xd3, 0x60, 0x34, 0x80, 0x8c, 0xd5, 0x64, 0x49, 0x0b, 0x1e, 0x65, 0x6e, 0xdb, 0xe7,
	}

	pointM = mustDecodePoint(pointMBytes)
	pointN = mustDecodePoint(pointNBytes)
)

type point struct {
	x, y *big.Int
}

// Party is one side of a SPAKE2+ exchange. It is not safe for concurrent use.
type Party struct {
	role       Role
	context    []byte
	idProver   []byte
	idVerifier []byte

	w0 *big.Int
	w1 *big.Int // prover only
	l  *point   // verifier only

	random    *big.Int
	myShare   []byte
	peerShare []byte

	ke  []byte
	kcA []byte
	kcB []byte

	state state
	rand  io.Reader
}

// NewProver creates the password-holding side.
func NewProver(context, idProver, idVerifier, w0, w1 []byte) (*Party, error) {
	if len(w0) != GroupSizeBytes || len(w1) != GroupSizeBytes {
		return nil, ErrInvalidScalar
	}
	return &Party{
		role:       RoleProver,
		context:    clone(context),
		idProver:   clone(idProver),
		idVerifier: clone(idVerifier),
		w0:         new(big.Int).SetBytes(w0),
		w1:         new(big.Int).SetBytes(w1),
		rand:       rand.Reader,
	}, nil
}

// NewVerifier creates the record-holding side. L is an uncompressed point.
func NewVerifier(context, idProver, idVerifier, w0, L []byte) (*Party, error) {
	if len(w0) != GroupSizeBytes {
		return nil, ErrInvalidScalar
	}
	l, err := decodePoint(L)
	if err != nil {
		return nil, err
	}
	return &Party{
		role:       RoleVerifier,
		context:    clone(context),
		idProver:   clone(idProver),
		idVerifier: clone(idVerifier),
		w0:         new(big.Int).SetBytes(w0),
		l:          l,
		rand:       rand.Reader,
	}, nil
}

// SetRandom replaces the entropy source. Tests only.
func (p *Party) SetRandom(r io.Reader) {
	p.rand = r
}

// Share generates and returns this party's public share:
// X = x*P + w0*M for the prover, Y = y*P + w0*N for the verifier.
func (p *Party) Share() ([]byte, error) {
	if p.state != stateInit {
		return nil, ErrInvalidState
	}

	r, err := randomScalar(p.rand)
	if err != nil {
		return nil, err
	}
	p.random = r

	gen := pointM
	if p.role == RoleVerifier {
		gen = pointN
	}
	bx, by := p256.ScalarBaseMult(pad32(r))
	share := add(&point{bx, by}, mul(gen, p.w0))

	p.myShare = encodePoint(share)
	p.state = stateShared
	return clone(p.myShare), nil
}

// Process consumes the peer's share and derives the key schedule.
func (p *Party) Process(peerShare []byte) error {
	if p.state != stateShared {
		return ErrInvalidState
	}
	peer, err := decodePoint(peerShare)
	if err != nil {
		return err
	}
	p.peerShare = clone(peerShare)

	var z, v *point
	if p.role == RoleProver {
		// Z = x*(Y - w0*N), V = w1*(Y - w0*N)
		t := sub(peer, mul(pointN, p.w0))
		z = mul(t, p.random)
		v = mul(t, p.w1)
	} else {
		// Z = y*(X - w0*M), V = y*L
		t := sub(peer, mul(pointM, p.w0))
		z = mul(t, p.random)
		v = mul(p.l, p.random)
	}
	if isInfinity(z) || isInfinity(v) {
		return ErrInvalidPoint
	}

	if err := p.deriveKeys(encodePoint(z), encodePoint(v)); err != nil {
		return err
	}
	p.state = stateKeyed
	return nil
}

// Confirmation returns this party's key confirmation MAC over the peer share.
func (p *Party) Confirmation() ([]byte, error) {
	if p.state != stateKeyed && p.state != stateConfirmed {
		return nil, ErrInvalidState
	}
	if p.role == RoleProver {
		return crypto.HMACSHA256(p.kcA, p.peerShare), nil
	}
	return crypto.HMACSHA256(p.kcB, p.peerShare), nil
}

// Verify checks the peer's confirmation MAC over this party's share.
func (p *Party) Verify(peerConfirmation []byte) error {
	if p.state != stateKeyed && p.state != stateConfirmed {
		return ErrInvalidState
	}
	key := p.kcA
	if p.role == RoleProver {
		key = p.kcB
	}
	if !crypto.HMACEqual(crypto.HMACSHA256(key, p.myShare), peerConfirmation) {
		return ErrConfirmationFailed
	}
	p.state = stateConfirmed
	return nil
}

// SharedSecret returns Ke. Only meaningful after Verify succeeded.
func (p *Party) SharedSecret() ([]byte, error) {
	if p.state != stateConfirmed {
		return nil, ErrInvalidState
	}
	return clone(p.ke), nil
}

// Zeroize clears every secret held by the party.
func (p *Party) Zeroize() {
	crypto.Zeroize(p.ke, p.kcA, p.kcB)
	for _, n := range []*big.Int{p.w0, p.w1, p.random} {
		if n != nil {
			n.SetInt64(0)
		}
	}
}

// deriveKeys computes Ke, KcA and KcB from the transcript:
// Ka || Ke = SHA256(TT), KcA || KcB = HKDF(Ka, nil, "ConfirmationKeys").
func (p *Party) deriveKeys(z, v []byte) error {
	x, y := p.myShare, p.peerShare
	if p.role == RoleVerifier {
		x, y = y, x
	}

	w0 := make([]byte, GroupSizeBytes)
	p.w0.FillBytes(w0)

	h := crypto.NewSHA256()
	for _, part := range [][]byte{p.context, p.idProver, p.idVerifier, pointMBytes, pointNBytes, x, y, z, v, w0} {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write(part)
	}
	kae := h.Sum(nil)

	kc, err := crypto.HKDFSHA256(kae[:KeySizeBytes], nil, []byte("ConfirmationKeys"), 2*KeySizeBytes)
	if err != nil {
		return err
	}

	p.ke = clone(kae[KeySizeBytes:])
	p.kcA = kc[:KeySizeBytes]
	p.kcB = kc[KeySizeBytes:]
	crypto.Zeroize(kae[:KeySizeBytes], w0)
	return nil
}

func mustDecodePoint(b []byte) *point {
	pt, err := decodePoint(b)
	if err != nil {
		panic(err)
	}
	return pt
}

func decodePoint(b []byte) (*point, error) {
	if len(b) != PointSizeBytes || b[0] != 0x04 {
		return nil, ErrInvalidPoint
	}
	x := new(big.Int).SetBytes(b[1:33])
	y := new(big.Int).SetBytes(b[33:])
	if !p256.IsOnCurve(x, y) {
		return nil, ErrInvalidPoint
	}
	return &point{x, y}, nil
}

func encodePoint(pt *point) []byte {
	out := make([]byte, PointSizeBytes)
	out[0] = 0x04
	pt.x.FillBytes(out[1:33])
	pt.y.FillBytes(out[33:])
	return out
}

func isInfinity(pt *point) bool {
	return pt.x.Sign() == 0 && pt.y.Sign() == 0
}

func mul(pt *point, k *big.Int) *point {
	x, y := p256.ScalarMult(pt.x, pt.y, pad32(k))
	return &point{x, y}
}

func add(a, b *point) *point {
	x, y := p256.Add(a.x, a.y, b.x, b.y)
	return &point{x, y}
}

func sub(a, b *point) *point {
	negY := new(big.Int).Sub(p256.Params().P, b.y)
	negY.Mod(negY, p256.Params().P)
	return add(a, &point{b.x, negY})
}

func pad32(k *big.Int) []byte {
	out := make([]byte, GroupSizeBytes)
	k.FillBytes(out)
	return out
}

func randomScalar(r io.Reader) (*big.Int, error) {
	n := p256.Params().N
	buf := make([]byte, GroupSizeBytes)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		k := new(big.Int).SetBytes(buf)
		if k.Sign() > 0 && k.Cmp(n) < 0 {
			return k, nil
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
