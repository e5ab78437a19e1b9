package license

import (
	"crypto/rand"
	"errors"
	"math/big"
	"regexp"
)

const (
	// KeyLength is the number of characters of a license key.
	KeyLength = 32
	// maxKeyAttempts bounds the draws before issuance gives up.
	maxKeyAttempts = 10

	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var keyFormat = regexp.MustCompile(`^[A-Z0-9]{32}$`)

// ErrKeyAllocation is returned when every draw collided with an existing key.
var ErrKeyAllocation = errors.New("could not allocate a unique license key")

// KeyGenerator draws one candidate key.
type KeyGenerator func() (string, error)

// ValidKeyFormat reports whether key is exactly 32 upper-case letters and
// digits.
func ValidKeyFormat(key string) bool {
	return keyFormat.MatchString(key)
}

// RandomKey draws every character independently from crypto/rand.
func RandomKey() (string, error) {
	alphabetSize := big.NewInt(int64(len(keyAlphabet)))
	buf := make([]byte, KeyLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		buf[i] = keyAlphabet[n.Int64()]
	}
	return string(buf), nil
}
