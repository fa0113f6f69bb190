package util

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
)

const (
	idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	IDLength   = 8
)

// GenID returns a random URL-safe paste id.
func GenID() (string, error) {
	id, err := gonanoid.Generate(idAlphabet, IDLength)
	if err != nil {
		return "", errors.Wrap(err, "generate id")
	}
	return id, nil
}

// ValidID reports whether s could have been produced by GenID. Lookups for
// anything else can be rejected without a store round trip.
func ValidID(s string) bool {
	if len(s) != IDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
