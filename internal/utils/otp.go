package utils

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
)

// NewNumericCode draws a fixed-length numeric code from crypto/rand.
// Each digit is sampled independently (rand.Int resamples internally
// until the draw is unbiased), so "000000" is as likely as any other.
func NewNumericCode(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", errors.New("invalid code length")
	}

	var b strings.Builder
	b.Grow(digits)

	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
