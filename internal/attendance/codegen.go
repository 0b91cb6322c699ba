package attendance

import (
	"crypto/rand"
	"math/big"
)

// codeAlphabet omits easily confused characters (0/O, 1/I/L) so students can
// type the short code from a projector without mistakes.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	// codeLen is the full credential length. The short code shown to the
	// room is only the last shortCodeLen characters, so the full code has
	// to stay unguessable on its own.
	codeLen      = 24
	shortCodeLen = 8
)

// NewCode generates a fresh check-in credential from crypto/rand.
func NewCode() (string, error) {
	b := make([]byte, codeLen)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = codeAlphabet[idx.Int64()]
	}
	return string(b), nil
}
