package spake2p

import (
	"math/big"

	"github.com/backkem/protocomm/pkg/crypto"
)

// DeriveScalars stretches a password into the prover scalars (w0, w1):
//
//	ws = PBKDF2-SHA256(password, salt, iterations, 80)
//	w0 = ws[0:40] mod n, w1 = ws[40:80] mod n
func DeriveScalars(password, salt []byte, iterations int) (w0, w1 []byte) {
	ws := crypto.PBKDF2SHA256(password, salt, iterations, 2*WsSizeBytes)
	defer crypto.Zeroize(ws)
	return reduce(ws[:WsSizeBytes]), reduce(ws[WsSizeBytes:])
}

// Record is the verifier's registration record.
type Record struct {
	W0 []byte // 32 bytes
	L  []byte // 65 bytes, L = w1*P
}

// NewRecord derives the registration record for a password.
func NewRecord(password, salt []byte, iterations int) *Record {
	w0, w1 := DeriveScalars(password, salt, iterations)
	defer crypto.Zeroize(w1)

	x, y := p256.ScalarBaseMult(w1)
	return &Record{W0: w0, L: encodePoint(&point{x, y})}
}

// Zeroize clears w0. L is public.
func (r *Record) Zeroize() {
	crypto.Zeroize(r.W0)
}

func reduce(ws []byte) []byte {
	n := new(big.Int).SetBytes(ws)
	n.Mod(n, p256.Params().N)
	return pad32(n)
}
