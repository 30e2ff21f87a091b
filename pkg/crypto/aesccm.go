package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"

	"github.com/pion/dtls/v3/pkg/crypto/ccm"
	"golang.org/x/crypto/chacha20poly1305"
)

// AES-CCM parameters: AES-128, 13-byte nonce, 128-bit tag.
const (
	AESCCMKeySize   = 16
	AESCCMTagSize   = 16
	AESCCMNonceSize = 13
)

// ChaCha20-Poly1305 parameters.
const (
	ChaChaKeySize   = chacha20poly1305.KeySize
	ChaChaNonceSize = chacha20poly1305.NonceSize
	ChaChaTagSize   = chacha20poly1305.Overhead
)

var (
	ErrAESCCMInvalidKeySize = errors.New("aesccm: invalid key size, must be 16 bytes")
	ErrChaChaInvalidKeySize = errors.New("chacha20poly1305: invalid key size, must be 32 bytes")
)

// NewAESCCM returns an AES-128-CCM AEAD with a 13-byte nonce and 16-byte tag.
func NewAESCCM(key []byte) (cipher.AEAD, error) {
	if len(key) != AESCCMKeySize {
		return nil, ErrAESCCMInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return ccm.NewCCM(block, AESCCMTagSize, AESCCMNonceSize)
}

// NewChaCha20Poly1305 returns a ChaCha20-Poly1305 AEAD with a 12-byte nonce.
func NewChaCha20Poly1305(key []byte) (cipher.AEAD, error) {
	if len(key) != ChaChaKeySize {
		return nil, ErrChaChaInvalidKeySize
	}
	return chacha20poly1305.New(key)
}
