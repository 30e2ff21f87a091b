package crypto

import (
	"bytes"
	"testing"
)

func TestX25519Agreement(t *testing.T) {
	alice, err := GenerateX25519(nil)
	if err != nil {
		t.Fatalf("GenerateX25519() error = %v", err)
	}
	bob, err := GenerateX25519(nil)
	if err != nil {
		t.Fatalf("GenerateX25519() error = %v", err)
	}

	s1, err := alice.SharedSecret(bob.PublicKey())
	if err != nil {
		t.Fatalf("SharedSecret() error = %v", err)
	}
	s2, err := bob.SharedSecret(alice.PublicKey())
	if err != nil {
		t.Fatalf("SharedSecret() error = %v", err)
	}
	if !bytes.Equal(s1, s2) {
		t.Errorf("shared secrets differ: %x vs %x", s1, s2)
	}
}

func TestX25519InvalidPeer(t *testing.T) {
	kp, err := GenerateX25519(nil)
	if err != nil {
		t.Fatalf("GenerateX25519() error = %v", err)
	}

	if _, err := kp.SharedSecret(make([]byte, 31)); err != ErrX25519InvalidPublicKey {
		t.Errorf("SharedSecret(short) error = %v, want ErrX25519InvalidPublicKey", err)
	}
	// The zero point has low order.
	if _, err := kp.SharedSecret(make([]byte, X25519KeySize)); err != ErrX25519InvalidPublicKey {
		t.Errorf("SharedSecret(zero) error = %v, want ErrX25519InvalidPublicKey", err)
	}
}
