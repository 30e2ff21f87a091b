// Package sec2 implements security scheme version 2: a SPAKE2+ exchange
// over a mandatory proof of possession, completed in three round trips, with
// AES-128-CCM on the data path.
//
//	Client                                       Device
//	------                                       ------
//	SessionCommand0{rand_c}            ---->
//	                                   <----  SessionResponse0{rand_c, rand_d, salt, iterations}
//	SessionCommand1{X}                 ---->
//	                                   <----  SessionResponse1{Y, cB}
//	SessionCommand2{cA}                ---->  verify cA
//	                                   <----  SessionResponse2{status}
//
// The SPAKE2+ context is SHA256("protocomm sec2" || Command0 || Response0),
// which binds the key schedule to the negotiated salt and iteration count.
// The device only keeps the verifier record (w0, L) for a PoP, never the
// scalar w1.
package sec2

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/backkem/protocomm/pkg/crypto"
	"github.com/backkem/protocomm/pkg/crypto/spake2p"
	"github.com/backkem/protocomm/pkg/security"
	"github.com/backkem/protocomm/pkg/security/channel"
	"github.com/backkem/protocomm/pkg/security/handshake"
	"github.com/pion/logging"
)

// Sizes and limits.
const (
	RandomSize = 32

	SaltSizeMin = 16
	SaltSizeMax = 32

	// DefaultIterations is used when Env.PBKDFIterations is zero.
	DefaultIterations = crypto.PBKDF2IterationsMin

	// Overhead is the explicit nonce plus the CCM tag.
	Overhead = crypto.AESCCMNonceSize + crypto.AESCCMTagSize

	saltSize = SaltSizeMin
)

// Field tags.
const (
	tagClientRandom = 1
	tagDeviceRandom = 2
	tagSalt         = 3
	tagIterations   = 4

	tagShare        = 1
	tagConfirmation = 2
)

var (
	contextPrefix = []byte("protocomm sec2")
	infoSession   = []byte("sec2 session key")

	idProver   = []byte("protocomm client")
	idVerifier = []byte("protocomm device")
)

// Scheme is the version 2 descriptor.
type Scheme struct{}

var _ security.Scheme = Scheme{}

// Version returns security.Version2.
func (Scheme) Version() security.Version { return security.Version2 }

// Overhead returns the ciphertext expansion.
func (Scheme) Overhead() int { return Overhead }

// RequiresPoP is true.
func (Scheme) RequiresPoP() bool { return true }

// Init draws the device salt and prepares the verifier record cache.
func (Scheme) Init(env security.Env) (security.Shared, error) {
	iterations := env.PBKDFIterations
	if iterations == 0 {
		iterations = DefaultIterations
	}
	if iterations < crypto.PBKDF2IterationsMin || iterations > crypto.PBKDF2IterationsMax {
		return nil, fmt.Errorf("sec2: iteration count %d outside [%d, %d]",
			iterations, crypto.PBKDF2IterationsMin, crypto.PBKDF2IterationsMax)
	}

	r := env.Rand
	if r == nil {
		r = rand.Reader
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, fmt.Errorf("sec2: salt: %w", err)
	}

	sh := &shared{
		rand:       r,
		salt:       salt,
		iterations: iterations,
		records:    make(map[[crypto.SHA256LenBytes]byte]*spake2p.Record),
	}
	if env.LoggerFactory != nil {
		sh.log = env.LoggerFactory.NewLogger("sec2")
	}
	return sh, nil
}

// NewSession creates the device-side state.
func (Scheme) NewSession(s security.Shared, id uint32) (security.Session, error) {
	sh, ok := s.(*shared)
	if !ok {
		return nil, fmt.Errorf("sec2: foreign shared state %T", s)
	}
	return &session{shared: sh, id: id}, nil
}

// NewInitiator creates the client side. The PoP must not be empty.
func (Scheme) NewInitiator(pop security.PoP, env security.Env) (security.Initiator, error) {
	if pop.IsEmpty() {
		return nil, security.ErrMissingPoP
	}
	r := env.Rand
	if r == nil {
		r = rand.Reader
	}
	return &initiator{pop: append([]byte(nil), pop...), rand: r}, nil
}

// shared holds the salt, iteration count and a cache of verifier records
// keyed by the PoP hash, so PBKDF2 runs once per distinct PoP.
type shared struct {
	rand       io.Reader
	salt       []byte
	iterations int
	log        logging.LeveledLogger

	mu      sync.RWMutex
	records map[[crypto.SHA256LenBytes]byte]*spake2p.Record
}

func (sh *shared) record(pop security.PoP) *spake2p.Record {
	key := crypto.SHA256(pop)

	sh.mu.RLock()
	rec, ok := sh.records[key]
	sh.mu.RUnlock()
	if ok {
		return rec
	}

	rec = spake2p.NewRecord(pop, sh.salt, sh.iterations)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if existing, ok := sh.records[key]; ok {
		rec.Zeroize()
		return existing
	}
	sh.records[key] = rec
	if sh.log != nil {
		sh.log.Tracef("derived verifier record (%d cached)", len(sh.records))
	}
	return rec
}

func (sh *shared) Release() {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for k, rec := range sh.records {
		rec.Zeroize()
		delete(sh.records, k)
	}
	crypto.Zeroize(sh.salt)
}

type step int

const (
	awaitCommand0 step = iota
	awaitCommand1
	awaitCommand2
	done
)

type session struct {
	shared *shared
	id     uint32
	step   step

	context  []byte
	verifier *spake2p.Party
	ch       *channel.Channel
}

func (s *session) Handshake(pop security.PoP, in []byte) (security.Step, error) {
	if pop.IsEmpty() {
		return security.Step{}, security.ErrMissingPoP
	}

	switch s.step {
	case awaitCommand0:
		return s.handleCommand0(pop, in)
	case awaitCommand1:
		return s.handleCommand1(in)
	case awaitCommand2:
		return s.handleCommand2(in)
	default:
		return security.Step{}, security.ErrAlreadyAuthenticated
	}
}

func (s *session) handleCommand0(pop security.PoP, in []byte) (security.Step, error) {
	req, err := handshake.DecodeType(in, handshake.TypeSessionCommand0)
	if err != nil {
		return security.Step{}, fmt.Errorf("sec2: %w", err)
	}
	clientRandom, err := req.Bytes(tagClientRandom, RandomSize)
	if err != nil {
		return security.Step{}, fmt.Errorf("sec2: %w", err)
	}

	deviceRandom := make([]byte, RandomSize)
	if _, err := io.ReadFull(s.shared.rand, deviceRandom); err != nil {
		return security.Step{}, fmt.Errorf("sec2: random: %w", err)
	}

	out, err := handshake.New(handshake.TypeSessionResponse0).
		Put(tagClientRandom, clientRandom).
		Put(tagDeviceRandom, deviceRandom).
		Put(tagSalt, s.shared.salt).
		PutUint32(tagIterations, uint32(s.shared.iterations)).
		Encode()
	if err != nil {
		return security.Step{}, err
	}

	rec := s.shared.record(pop)
	s.context = transcriptContext(in, out)
	v, err := spake2p.NewVerifier(s.context, idProver, idVerifier, rec.W0, rec.L)
	if err != nil {
		return security.Step{}, fmt.Errorf("sec2: %w", err)
	}
	v.SetRandom(s.shared.rand)
	s.verifier = v
	s.step = awaitCommand1
	return security.Step{Out: out}, nil
}

func (s *session) handleCommand1(in []byte) (security.Step, error) {
	req, err := handshake.DecodeType(in, handshake.TypeSessionCommand1)
	if err != nil {
		return security.Step{}, fmt.Errorf("sec2: %w", err)
	}
	x, err := req.Bytes(tagShare, spake2p.PointSizeBytes)
	if err != nil {
		return security.Step{}, fmt.Errorf("sec2: %w", err)
	}

	y, err := s.verifier.Share()
	if err != nil {
		return security.Step{}, fmt.Errorf("sec2: %w", err)
	}
	if err := s.verifier.Process(x); err != nil {
		return security.Step{}, fmt.Errorf("sec2: %v: %w", err, security.ErrInvalidMessage)
	}
	cB, err := s.verifier.Confirmation()
	if err != nil {
		return security.Step{}, fmt.Errorf("sec2: %w", err)
	}

	out, err := handshake.New(handshake.TypeSessionResponse1).
		Put(tagShare, y).
		Put(tagConfirmation, cB).
		Encode()
	if err != nil {
		return security.Step{}, err
	}
	s.step = awaitCommand2
	return security.Step{Out: out}, nil
}

func (s *session) handleCommand2(in []byte) (security.Step, error) {
	req, err := handshake.DecodeType(in, handshake.TypeSessionCommand2)
	if err != nil {
		return security.Step{}, fmt.Errorf("sec2: %w", err)
	}
	cA, err := req.Bytes(tagConfirmation, crypto.SHA256LenBytes)
	if err != nil {
		return security.Step{}, fmt.Errorf("sec2: %w", err)
	}

	if err := s.verifier.Verify(cA); err != nil {
		return security.Step{}, fmt.Errorf("sec2: session %d: %v: %w", s.id, err, security.ErrAuthenticationFailed)
	}

	ch, err := sessionChannel(s.verifier, s.context, channel.RoleDevice)
	if err != nil {
		return security.Step{}, err
	}

	out, err := handshake.Status(handshake.TypeSessionResponse2, handshake.StatusOK)
	if err != nil {
		ch.Zeroize()
		return security.Step{}, err
	}

	s.verifier.Zeroize()
	s.verifier = nil
	s.ch = ch
	s.step = done
	if s.shared.log != nil {
		s.shared.log.Tracef("session %d: key confirmation complete", s.id)
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
	if s.verifier != nil {
		s.verifier.Zeroize()
		s.verifier = nil
	}
	if s.ch != nil {
		s.ch.Zeroize()
		s.ch = nil
	}
	crypto.Zeroize(s.context)
}

type initiator struct {
	pop    []byte
	rand   io.Reader
	step   step
	cmd0   []byte
	random []byte

	context []byte
	prover  *spake2p.Party
	ch      *channel.Channel
}

func (i *initiator) Start() ([]byte, error) {
	if i.step != awaitCommand0 || i.cmd0 != nil {
		return nil, fmt.Errorf("sec2: handshake already started: %w", security.ErrInvalidMessage)
	}

	i.random = make([]byte, RandomSize)
	if _, err := io.ReadFull(i.rand, i.random); err != nil {
		return nil, err
	}
	cmd0, err := handshake.New(handshake.TypeSessionCommand0).
		Put(tagClientRandom, i.random).
		Encode()
	if err != nil {
		return nil, err
	}
	i.cmd0 = cmd0
	return cmd0, nil
}

func (i *initiator) Next(resp []byte) ([]byte, bool, error) {
	switch {
	case i.cmd0 == nil:
		return nil, false, fmt.Errorf("sec2: response before Start: %w", security.ErrInvalidMessage)
	case i.step == awaitCommand0:
		req, err := i.handleResponse0(resp)
		return req, false, err
	case i.step == awaitCommand1:
		req, err := i.handleResponse1(resp)
		return req, false, err
	case i.step == awaitCommand2:
		if err := i.handleResponse2(resp); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("sec2: unexpected response: %w", security.ErrInvalidMessage)
	}
}

func (i *initiator) handleResponse0(resp []byte) ([]byte, error) {
	f, err := handshake.DecodeType(resp, handshake.TypeSessionResponse0)
	if err != nil {
		return nil, fmt.Errorf("sec2: %w", err)
	}
	echo, err := f.Bytes(tagClientRandom, RandomSize)
	if err != nil {
		return nil, fmt.Errorf("sec2: %w", err)
	}
	if !crypto.HMACEqual(echo, i.random) {
		return nil, fmt.Errorf("sec2: client random not echoed: %w", security.ErrInvalidMessage)
	}
	if _, err := f.Bytes(tagDeviceRandom, RandomSize); err != nil {
		return nil, fmt.Errorf("sec2: %w", err)
	}
	salt, err := f.Bytes(tagSalt, -1)
	if err != nil {
		return nil, fmt.Errorf("sec2: %w", err)
	}
	if len(salt) < SaltSizeMin || len(salt) > SaltSizeMax {
		return nil, fmt.Errorf("sec2: salt of %d bytes: %w", len(salt), security.ErrInvalidMessage)
	}
	iterations, err := f.Uint32(tagIterations)
	if err != nil {
		return nil, fmt.Errorf("sec2: %w", err)
	}
	if iterations < crypto.PBKDF2IterationsMin || iterations > crypto.PBKDF2IterationsMax {
		return nil, fmt.Errorf("sec2: iteration count %d: %w", iterations, security.ErrInvalidMessage)
	}

	w0, w1 := spake2p.DeriveScalars(i.pop, salt, int(iterations))
	defer crypto.Zeroize(w0, w1)
	crypto.Zeroize(i.pop)

	i.context = transcriptContext(i.cmd0, resp)
	p, err := spake2p.NewProver(i.context, idProver, idVerifier, w0, w1)
	if err != nil {
		return nil, fmt.Errorf("sec2: %w", err)
	}
	p.SetRandom(i.rand)
	x, err := p.Share()
	if err != nil {
		return nil, fmt.Errorf("sec2: %w", err)
	}
	i.prover = p
	i.step = awaitCommand1

	return handshake.New(handshake.TypeSessionCommand1).
		Put(tagShare, x).
		Encode()
}

func (i *initiator) handleResponse1(resp []byte) ([]byte, error) {
	f, err := handshake.DecodeType(resp, handshake.TypeSessionResponse1)
	if err != nil {
		return nil, fmt.Errorf("sec2: %w", err)
	}
	y, err := f.Bytes(tagShare, spake2p.PointSizeBytes)
	if err != nil {
		return nil, fmt.Errorf("sec2: %w", err)
	}
	cB, err := f.Bytes(tagConfirmation, crypto.SHA256LenBytes)
	if err != nil {
		return nil, fmt.Errorf("sec2: %w", err)
	}

	if err := i.prover.Process(y); err != nil {
		return nil, fmt.Errorf("sec2: %v: %w", err, security.ErrInvalidMessage)
	}
	if err := i.prover.Verify(cB); err != nil {
		return nil, fmt.Errorf("sec2: device %v: %w", err, security.ErrAuthenticationFailed)
	}
	cA, err := i.prover.Confirmation()
	if err != nil {
		return nil, fmt.Errorf("sec2: %w", err)
	}
	i.step = awaitCommand2

	return handshake.New(handshake.TypeSessionCommand2).
		Put(tagConfirmation, cA).
		Encode()
}

func (i *initiator) handleResponse2(resp []byte) error {
	f, err := handshake.DecodeType(resp, handshake.TypeSessionResponse2)
	if err != nil {
		return fmt.Errorf("sec2: %w", err)
	}
	status, err := f.Uint8(handshake.TagStatus)
	if err != nil {
		return fmt.Errorf("sec2: %w", err)
	}
	if status != handshake.StatusOK {
		return fmt.Errorf("sec2: device status %d: %w", status, security.ErrAuthenticationFailed)
	}

	ch, err := sessionChannel(i.prover, i.context, channel.RoleClient)
	if err != nil {
		return err
	}
	i.prover.Zeroize()
	i.prover = nil
	i.ch = ch
	i.step = done
	return nil
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

func transcriptContext(cmd0, resp0 []byte) []byte {
	h := crypto.NewSHA256()
	h.Write(contextPrefix)
	h.Write(cmd0)
	h.Write(resp0)
	return h.Sum(nil)
}

// sessionChannel expands Ke into the AES-CCM session key.
func sessionChannel(p *spake2p.Party, context []byte, role channel.Role) (*channel.Channel, error) {
	ke, err := p.SharedSecret()
	if err != nil {
		return nil, fmt.Errorf("sec2: %w", err)
	}
	defer crypto.Zeroize(ke)

	key, err := crypto.HKDFSHA256(ke, context, infoSession, crypto.AESCCMKeySize)
	if err != nil {
		return nil, err
	}
	return channel.New(crypto.NewAESCCM, key, role)
}
