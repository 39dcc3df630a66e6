package relay

import (
	"crypto/rand"
	"fmt"
)

// pairAlphabet omits the ambiguous glyphs I, O, 0 and 1.
const (
	pairAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	pairCodeLen  = 8
)

// NewPairCode returns an 8-character pairing code drawn from pairAlphabet
// with crypto/rand. The 32-symbol alphabet lets each byte map to a symbol
// without modulo bias.
func NewPairCode() (string, error) {
	buf := make([]byte, pairCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("relay: pair code entropy: %w", err)
	}
	code := make([]byte, pairCodeLen)
	for i, b := range buf {
		code[i] = pairAlphabet[int(b)%len(pairAlphabet)]
	}
	return string(code), nil
}
