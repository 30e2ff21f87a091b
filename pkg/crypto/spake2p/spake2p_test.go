package spake2p

import (
	"bytes"
	"testing"
)

var testSalt = []byte("SPAKE2P Key Salt")

func runExchange(t *testing.T, proverPassword, verifierPassword []byte) (*Party, *Party, error) {
	t.Helper()

	w0, w1 := DeriveScalars(proverPassword, testSalt, 1000)
	rec := NewRecord(verifierPassword, testSalt, 1000)

	prover, err := NewProver([]byte("ctx"), nil, nil, w0, w1)
	if err != nil {
		t.Fatalf("NewProver() error = %v", err)
	}
	verifier, err := NewVerifier([]byte("ctx"), nil, nil, rec.W0, rec.L)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	x, err := prover.Share()
	if err != nil {
		t.Fatalf("prover.Share() error = %v", err)
	}
	y, err := verifier.Share()
	if err != nil {
		t.Fatalf("verifier.Share() error = %v", err)
	}
	if err := verifier.Process(x); err != nil {
		t.Fatalf("verifier.Process() error = %v", err)
	}
	if err := prover.Process(y); err != nil {
		t.Fatalf("prover.Process() error = %v", err)
	}

	cV, err := verifier.Confirmation()
	if err != nil {
		t.Fatalf("verifier.Confirmation() error = %v", err)
	}
	if err := prover.Verify(cV); err != nil {
		return prover, verifier, err
	}
	cP, err := prover.Confirmation()
	if err != nil {
		t.Fatalf("prover.Confirmation() error = %v", err)
	}
	return prover, verifier, verifier.Verify(cP)
}

func TestExchange_MatchingPassword(t *testing.T) {
	prover, verifier, err := runExchange(t, []byte("abcd1234"), []byte("abcd1234"))
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	kp, err := prover.SharedSecret()
	if err != nil {
		t.Fatalf("prover.SharedSecret() error = %v", err)
	}
	kv, err := verifier.SharedSecret()
	if err != nil {
		t.Fatalf("verifier.SharedSecret() error = %v", err)
	}
	if !bytes.Equal(kp, kv) {
		t.Errorf("shared secrets differ: %x vs %x", kp, kv)
	}
	if len(kp) != KeySizeBytes {
		t.Errorf("len(SharedSecret()) = %d, want %d", len(kp), KeySizeBytes)
	}
}

func TestExchange_WrongPassword(t *testing.T) {
	_, _, err := runExchange(t, []byte("abcd1234"), []byte("abcd1235"))
	if err != ErrConfirmationFailed {
		t.Errorf("exchange error = %v, want ErrConfirmationFailed", err)
	}
}

func TestParty_StateOrdering(t *testing.T) {
	w0, w1 := DeriveScalars([]byte("pw"), testSalt, 1000)
	p, err := NewProver(nil, nil, nil, w0, w1)
	if err != nil {
		t.Fatalf("NewProver() error = %v", err)
	}

	if _, err := p.Confirmation(); err != ErrInvalidState {
		t.Errorf("Confirmation() before Process error = %v, want ErrInvalidState", err)
	}
	if err := p.Process(pointNBytes); err != ErrInvalidState {
		t.Errorf("Process() before Share error = %v, want ErrInvalidState", err)
	}
	if _, err := p.SharedSecret(); err != ErrInvalidState {
		t.Errorf("SharedSecret() before Verify error = %v, want ErrInvalidState", err)
	}
	if _, err := p.Share(); err != nil {
		t.Fatalf("Share() error = %v", err)
	}
	if _, err := p.Share(); err != ErrInvalidState {
		t.Errorf("second Share() error = %v, want ErrInvalidState", err)
	}
}

func TestProcess_RejectsInvalidPoint(t *testing.T) {
	w0, w1 := DeriveScalars([]byte("pw"), testSalt, 1000)
	p, _ := NewProver(nil, nil, nil, w0, w1)
	if _, err := p.Share(); err != nil {
		t.Fatalf("Share() error = %v", err)
	}

	bad := make([]byte, PointSizeBytes)
	bad[0] = 0x04
	bad[1] = 0x01
	if err := p.Process(bad); err != ErrInvalidPoint {
		t.Errorf("Process(off-curve) error = %v, want ErrInvalidPoint", err)
	}
}

func TestNewRecord_Deterministic(t *testing.T) {
	a := NewRecord([]byte("pw"), testSalt, 1000)
	b := NewRecord([]byte("pw"), testSalt, 1000)
	if !bytes.Equal(a.W0, b.W0) || !bytes.Equal(a.L, b.L) {
		t.Error("NewRecord() is not deterministic")
	}
	if len(a.W0) != GroupSizeBytes || len(a.L) != PointSizeBytes {
		t.Errorf("record sizes = %d/%d, want %d/%d", len(a.W0), len(a.L), GroupSizeBytes, PointSizeBytes)
	}
}
