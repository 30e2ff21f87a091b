package channel

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/backkem/protocomm/pkg/crypto"
	"github.com/backkem/protocomm/pkg/security"
)

func newTestChannels(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, crypto.AESCCMKeySize)

	dev, err := New(crypto.NewAESCCM, append([]byte(nil), key...), RoleDevice)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	cli, err := New(crypto.NewAESCCM, key, RoleClient)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		dev.Zeroize()
		cli.Zeroize()
	})
	return dev, cli
}

func TestChannel_RoundTrip(t *testing.T) {
	dev, cli := newTestChannels(t)

	for _, msg := range [][]byte{nil, []byte("ping"), bytes.Repeat([]byte{7}, 1024)} {
		sealed, err := dev.Seal(msg)
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		if len(sealed) != len(msg)+dev.Overhead() {
			t.Errorf("len(Seal()) = %d, want %d", len(sealed), len(msg)+dev.Overhead())
		}

		// The peer and the sender can each open it once.
		for name, c := range map[string]*Channel{"peer": cli, "self": dev} {
			opened, err := c.Open(sealed)
			if err != nil {
				t.Fatalf("%s Open() error = %v", name, err)
			}
			if !bytes.Equal(opened, msg) {
				t.Errorf("%s Open() = %x, want %x", name, opened, msg)
			}
		}
	}
}

func TestChannel_NonceSpaces(t *testing.T) {
	dev, cli := newTestChannels(t)

	d, _ := dev.Seal([]byte("x"))
	c, _ := cli.Seal([]byte("x"))
	if d[0] != byte(RoleDevice) || c[0] != byte(RoleClient) {
		t.Errorf("role bytes = %#x/%#x", d[0], c[0])
	}
	if bytes.Equal(d, c) {
		t.Error("device and client produced identical ciphertexts for counter 0")
	}

	d2, _ := dev.Seal([]byte("x"))
	if bytes.Equal(d, d2) {
		t.Error("counter did not advance between seals")
	}
}

func TestChannel_OpenFailuresKeepState(t *testing.T) {
	dev, cli := newTestChannels(t)

	if _, err := dev.Open([]byte{1, 2, 3}); !errors.Is(err, security.ErrInvalidMessage) {
		t.Errorf("Open(short) error = %v, want ErrInvalidMessage", err)
	}

	sealed, _ := cli.Seal([]byte("ping"))
	sealed[len(sealed)-1] ^= 0xFF
	if _, err := dev.Open(sealed); !errors.Is(err, security.ErrDecryptFailed) {
		t.Errorf("Open(tampered) error = %v, want ErrDecryptFailed", err)
	}

	// A forged message must not burn the counter of the genuine one.
	sealed[len(sealed)-1] ^= 0xFF
	if got, err := dev.Open(sealed); err != nil || string(got) != "ping" {
		t.Errorf("Open() after failures = %q, %v", got, err)
	}

	unknown := append([]byte(nil), sealed...)
	unknown[0] = 0x7F
	if _, err := dev.Open(unknown); !errors.Is(err, security.ErrInvalidMessage) {
		t.Errorf("Open(unknown role) error = %v, want ErrInvalidMessage", err)
	}
}

func TestChannel_Replay(t *testing.T) {
	dev, cli := newTestChannels(t)

	cmd, _ := cli.Seal([]byte("cmd"))
	if got, err := dev.Open(cmd); err != nil || string(got) != "cmd" {
		t.Fatalf("Open() = %q, %v", got, err)
	}
	for i := 0; i < 3; i++ {
		if _, err := dev.Open(cmd); !errors.Is(err, ErrReplayDetected) {
			t.Errorf("replay %d error = %v, want ErrReplayDetected", i, err)
		}
	}

	// Late but unseen messages inside the window still open.
	late, _ := cli.Seal([]byte("late"))
	next, _ := cli.Seal([]byte("next"))
	if _, err := dev.Open(next); err != nil {
		t.Fatalf("Open(next) error = %v", err)
	}
	if got, err := dev.Open(late); err != nil || string(got) != "late" {
		t.Errorf("Open(late) = %q, %v", got, err)
	}
	if _, err := dev.Open(late); !errors.Is(err, ErrReplayDetected) {
		t.Errorf("Open(late) again error = %v, want ErrReplayDetected", err)
	}

	// A device reply reflected back opens at most once.
	resp, _ := dev.Seal([]byte("resp"))
	if _, err := dev.Open(resp); err != nil {
		t.Fatalf("Open(own) error = %v", err)
	}
	if _, err := dev.Open(resp); !errors.Is(err, ErrReplayDetected) {
		t.Errorf("Open(own) again error = %v, want ErrReplayDetected", err)
	}
}

func TestChannel_StaleCounter(t *testing.T) {
	dev, cli := newTestChannels(t)

	stale, _ := cli.Seal([]byte("old"))
	var last []byte
	for i := 0; i < windowSize+1; i++ {
		last, _ = cli.Seal([]byte("x"))
	}
	if _, err := dev.Open(last); err != nil {
		t.Fatalf("Open(last) error = %v", err)
	}

	_, err := dev.Open(stale)
	if !errors.Is(err, ErrReplayDetected) || !errors.Is(err, security.ErrDecryptFailed) {
		t.Errorf("Open(stale) error = %v, want ErrReplayDetected", err)
	}
}

func TestWindow(t *testing.T) {
	var w window
	if w.seen(5) {
		t.Fatal("empty window has seen 5")
	}
	w.accept(5)
	if !w.seen(5) {
		t.Error("seen(5) = false after accept")
	}
	for _, c := range []uint64{0, 4, 6} {
		if w.seen(c) {
			t.Errorf("seen(%d) = true before accept", c)
		}
	}

	w.accept(5 + windowSize)
	if !w.seen(5) {
		t.Error("old max not marked after a full-window shift")
	}
	if w.seen(6) {
		t.Error("seen(6) = true")
	}
	w.accept(6)
	if !w.seen(6) {
		t.Error("seen(6) = false after accept")
	}

	w.accept(1000)
	if !w.seen(1000-windowSize-1) || w.seen(999) {
		t.Error("window after a large jump is wrong")
	}
}

// reachable reports whether any byte slice or array reachable from v holds
// pattern.
func reachable(v reflect.Value, pattern []byte) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		return !v.IsNil() && reachable(v.Elem(), pattern)
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if reachable(v.Field(i), pattern) {
				return true
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if reachable(iter.Value(), pattern) {
				return true
			}
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			for i := range b {
				b[i] = byte(v.Index(i).Uint())
			}
			return bytes.Contains(b, pattern)
		}
		for i := 0; i < v.Len(); i++ {
			if reachable(v.Index(i), pattern) {
				return true
			}
		}
	}
	return false
}

func TestChannel_Zeroize(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, crypto.ChaChaKeySize)
	ch, err := New(crypto.NewChaCha20Poly1305, key, RoleDevice)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !bytes.Equal(key, make([]byte, len(key))) {
		t.Error("New() did not wipe the caller's key")
	}

	sealed, err := ch.Seal([]byte("x"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := ch.Open(sealed); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	locked := ch.key
	ch.Zeroize()
	if locked.IsAlive() {
		t.Error("Zeroize() left the locked key buffer alive")
	}
	if reachable(reflect.ValueOf(ch), bytes.Repeat([]byte{0xAB}, 8)) {
		t.Error("key bytes reachable from the channel after Zeroize()")
	}
	if _, err := ch.Seal([]byte("x")); !errors.Is(err, security.ErrNotSecured) {
		t.Errorf("Seal() after Zeroize error = %v, want ErrNotSecured", err)
	}
	if _, err := ch.Open(sealed); !errors.Is(err, security.ErrNotSecured) {
		t.Errorf("Open() after Zeroize error = %v, want ErrNotSecured", err)
	}
	ch.Zeroize()
}

func TestNew_BadAEAD(t *testing.T) {
	key := bytes.Repeat([]byte{1}, 7)
	if _, err := New(crypto.NewAESCCM, key, RoleClient); err == nil {
		t.Fatal("New() with a short key succeeded")
	}
	if !bytes.Equal(key, make([]byte, len(key))) {
		t.Error("New() failure did not wipe the key")
	}
}
