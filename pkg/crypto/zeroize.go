package crypto

import "github.com/awnumar/memguard"

// Zeroize overwrites every given buffer with zeros.
// Nil buffers are skipped.
func Zeroize(bufs ...[]byte) {
	for _, b := range bufs {
		if len(b) > 0 {
			memguard.WipeBytes(b)
		}
	}
}
