// Package sec1 implements security scheme version 1: an ephemeral X25519
// exchange bound to the proof of possession, completed in one round trip,
// with ChaCha20-Poly1305 on the data path.
//
//	Client                                     Device
//	------                                     ------
//	SessionCommand0{pub_c, rand_c, proof} ---->  check proof against own PoP
//	                                    <----  SessionResponse0{pub_d, rand_d, confirm}
//	check confirm
//
//	proof   = HMAC(HKDF(PoP, "sec1 pop proof"), pub_c || rand_c)
//	ikm     = X25519(priv, peer_pub)
//	key||kc = HKDF(ikm, SHA256(PoP), "sec1 session key" || rand_c || rand_d)
//	confirm = HMAC(kc, pub_c || pub_d || rand_c || rand_d)
//
// The PoP is optional: with an empty PoP the exchange is unauthenticated but
// still encrypted.
package sec1

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/backkem/protocomm/pkg/crypto"
	"github.com/backkem/protocomm/pkg/security"
	"github.com/backkem/protocomm/pkg/security/channel"
	"github.com/backkem/protocomm/pkg/security/handshake"
	"github.com/pion/logging"
)

// Sizes.
const (
	RandomSize = 16
	ProofSize  = crypto.SHA256LenBytes

	// Overhead is the explicit nonce plus the Poly1305 tag.
	Overhead = crypto.ChaChaNonceSize + crypto.ChaChaTagSize
)

// Field tags for SessionCommand0 / SessionResponse0.
const (
	tagPublicKey = 1
	tagRandom    = 2
	tagProof     = 3
)

var (
	infoProof   = []byte("sec1 pop proof")
	infoSession = []byte("sec1 session key")
)

// Scheme is the version 1 descriptor.
type Scheme struct{}

var _ security.Scheme = Scheme{}

// Version returns security.Version1.
func (Scheme) Version() security.Version { return security.Version1 }

// Overhead returns the ciphertext expansion.
func (Scheme) Overhead() int { return Overhead }

// RequiresPoP is false: an empty PoP is accepted as "no secret".
func (Scheme) RequiresPoP() bool { return false }

// Init captures the entropy source and logger shared by all sessions.
func (Scheme) Init(env security.Env) (security.Shared, error) {
	sh := &shared{rand: env.Rand}
	if sh.rand == nil {
		sh.rand = rand.Reader
	}
	if env.LoggerFactory != nil {
		sh.log = env.LoggerFactory.NewLogger("sec1")
	}
	return sh, nil
}

// NewSession creates the device-side state.
func (Scheme) NewSession(s security.Shared, id uint32) (security.Session, error) {
	sh, ok := s.(*shared)
	if !ok {
		return nil, fmt.Errorf("sec1: foreign shared state %T", s)
	}
	return &session{shared: sh, id: id}, nil
}

// NewInitiator creates the client side.
func (Scheme) NewInitiator(pop security.PoP, env security.Env) (security.Initiator, error) {
	r := env.Rand
	if r == nil {
		r = rand.Reader
	}
	return &initiator{pop: clone(pop), rand: r}, nil
}

type shared struct {
	rand io.Reader
	log  logging.LeveledLogger
}

func (*shared) Release() {}

type session struct {
	shared *shared
	id     uint32
	ch     *channel.Channel
}

func (s *session) Handshake(pop security.PoP, in []byte) (security.Step, error) {
	if s.ch != nil {
		return security.Step{}, security.ErrAlreadyAuthenticated
	}

	req, err := handshake.DecodeType(in, handshake.TypeSessionCommand0)
	if err != nil {
		return security.Step{}, fmt.Errorf("sec1: %w", err)
	}
	clientPub, err := req.Bytes(tagPublicKey, crypto.X25519KeySize)
	if err != nil {
		return security.Step{}, fmt.Errorf("sec1: %w", err)
	}
	clientRandom, err := req.Bytes(tagRandom, RandomSize)
	if err != nil {
		return security.Step{}, fmt.Errorf("sec1: %w", err)
	}
	proof, err := req.Bytes(tagProof, ProofSize)
	if err != nil {
		return security.Step{}, fmt.Errorf("sec1: %w", err)
	}

	want, err := popProof(pop, clientPub, clientRandom)
	if err != nil {
		return security.Step{}, err
	}
	if !crypto.HMACEqual(want, proof) {
		return security.Step{}, fmt.Errorf("sec1: session %d: proof of possession mismatch: %w", s.id, security.ErrAuthenticationFailed)
	}

	kp, err := crypto.GenerateX25519(s.shared.rand)
	if err != nil {
		return security.Step{}, fmt.Errorf("sec1: key generation: %w", err)
	}
	defer kp.Zeroize()

	deviceRandom := make([]byte, RandomSize)
	if _, err := io.ReadFull(s.shared.rand, deviceRandom); err != nil {
		return security.Step{}, fmt.Errorf("sec1: random: %w", err)
	}

	secret, err := kp.SharedSecret(clientPub)
	if err != nil {
		return security.Step{}, fmt.Errorf("sec1: %v: %w", err, security.ErrInvalidMessage)
	}
	keys, err := deriveKeys(secret, pop, clientPub, kp.PublicKey(), clientRandom, deviceRandom)
	crypto.Zeroize(secret)
	if err != nil {
		return security.Step{}, err
	}

	out, err := handshake.New(handshake.TypeSessionResponse0).
		Put(tagPublicKey, kp.PublicKey()).
		Put(tagRandom, deviceRandom).
		Put(tagProof, keys.confirm).
		Encode()
	crypto.Zeroize(keys.confirm)
	if err != nil {
		keys.zeroize()
		return security.Step{}, err
	}

	ch, err := keys.channel(channel.RoleDevice)
	if err != nil {
		return security.Step{}, err
	}
	s.ch = ch

	if s.shared.log != nil {
		s.shared.log.Tracef("session %d: key exchange complete", s.id)
	}
	return security.Step{Out: out, Done: true}, nil
}

func (s *session) Encrypt(in []byte) ([]byte, error) {
	if s.ch == nil {
		return nil, security.ErrNotSecured
	}
	return s.ch.Seal(in)
}

func (s *session) Decrypt(in []byte) ([]byte, error) {
	if s.ch == nil {
		return nil, security.ErrNotSecured
	}
	return s.ch.Open(in)
}

func (s *session) Zeroize() {
	if s.ch != nil {
		s.ch.Zeroize()
		s.ch = nil
	}
}

type initiator struct {
	pop    []byte
	rand   io.Reader
	kp     *crypto.X25519KeyPair
	random []byte
	ch     *channel.Channel
}

func (i *initiator) Start() ([]byte, error) {
	if i.kp != nil {
		return nil, fmt.Errorf("sec1: handshake already started: %w", security.ErrInvalidMessage)
	}

	kp, err := crypto.GenerateX25519(i.rand)
	if err != nil {
		return nil, err
	}
	random := make([]byte, RandomSize)
	if _, err := io.ReadFull(i.rand, random); err != nil {
		return nil, err
	}
	proof, err := popProof(i.pop, kp.PublicKey(), random)
	if err != nil {
		return nil, err
	}

	i.kp, i.random = kp, random
	return handshake.New(handshake.TypeSessionCommand0).
		Put(tagPublicKey, kp.PublicKey()).
		Put(tagRandom, random).
		Put(tagProof, proof).
		Encode()
}

func (i *initiator) Next(resp []byte) ([]byte, bool, error) {
	if i.kp == nil || i.ch != nil {
		return nil, false, fmt.Errorf("sec1: unexpected response: %w", security.ErrInvalidMessage)
	}

	f, err := handshake.DecodeType(resp, handshake.TypeSessionResponse0)
	if err != nil {
		return nil, false, fmt.Errorf("sec1: %w", err)
	}
	devicePub, err := f.Bytes(tagPublicKey, crypto.X25519KeySize)
	if err != nil {
		return nil, false, fmt.Errorf("sec1: %w", err)
	}
	deviceRandom, err := f.Bytes(tagRandom, RandomSize)
	if err != nil {
		return nil, false, fmt.Errorf("sec1: %w", err)
	}
	confirm, err := f.Bytes(tagProof, ProofSize)
	if err != nil {
		return nil, false, fmt.Errorf("sec1: %w", err)
	}

	secret, err := i.kp.SharedSecret(devicePub)
	if err != nil {
		return nil, false, fmt.Errorf("sec1: %v: %w", err, security.ErrInvalidMessage)
	}
	keys, err := deriveKeys(secret, i.pop, i.kp.PublicKey(), devicePub, i.random, deviceRandom)
	crypto.Zeroize(secret)
	if err != nil {
		return nil, false, err
	}
	if !crypto.HMACEqual(keys.confirm, confirm) {
		keys.zeroize()
		return nil, false, fmt.Errorf("sec1: device confirmation mismatch: %w", security.ErrAuthenticationFailed)
	}

	crypto.Zeroize(keys.confirm)
	ch, err := keys.channel(channel.RoleClient)
	if err != nil {
		return nil, false, err
	}
	i.ch = ch
	i.kp.Zeroize()
	crypto.Zeroize(i.pop)
	return nil, true, nil
}

func (i *initiator) Codec() (security.Codec, error) {
	if i.ch == nil {
		return nil, security.ErrHandshakeIncomplete
	}
	return codec{i.ch}, nil
}

type codec struct {
	ch *channel.Channel
}

func (c codec) Encrypt(in []byte) ([]byte, error) { return c.ch.Seal(in) }
func (c codec) Decrypt(in []byte) ([]byte, error) { return c.ch.Open(in) }
func (c codec) Overhead() int                     { return c.ch.Overhead() }

type sessionKeys struct {
	key     []byte
	confirm []byte
}

// channel moves the session key into a channel, wiping k.key.
func (k *sessionKeys) channel(role channel.Role) (*channel.Channel, error) {
	return channel.New(crypto.NewChaCha20Poly1305, k.key, role)
}

func (k *sessionKeys) zeroize() {
	crypto.Zeroize(k.key, k.confirm)
}

func popProof(pop, pub, random []byte) ([]byte, error) {
	proofKey, err := crypto.HKDFSHA256(pop, nil, infoProof, crypto.SHA256LenBytes)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(proofKey)
	return crypto.HMACSHA256(proofKey, pub, random), nil
}

func deriveKeys(secret, pop, clientPub, devicePub, clientRandom, deviceRandom []byte) (*sessionKeys, error) {
	salt := crypto.SHA256Slice(pop)
	defer crypto.Zeroize(salt)

	info := make([]byte, 0, len(infoSession)+2*RandomSize)
	info = append(info, infoSession...)
	info = append(info, clientRandom...)
	info = append(info, deviceRandom...)

	okm, err := crypto.HKDFSHA256(secret, salt, info, crypto.ChaChaKeySize+crypto.SHA256LenBytes)
	if err != nil {
		return nil, err
	}

	keys := &sessionKeys{
		key: okm[:crypto.ChaChaKeySize],
	}
	kc := okm[crypto.ChaChaKeySize:]
	keys.confirm = crypto.HMACSHA256(kc, clientPub, devicePub, clientRandom, deviceRandom)
	crypto.Zeroize(kc)
	return keys, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
