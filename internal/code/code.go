package code

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Length is the boundary contract with the UI: room codes are always
// exactly four characters.
const Length = 4

// Alphabet omits characters that are easy to misread when copied by hand
// (I, O, 0 and 1).
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var (
	ErrBadLength    = fmt.Errorf("room code must be exactly %d characters", Length)
	ErrBadCharacter = errors.New("room code contains an invalid character")
)

// Code is a short human-typable room code. Values are always stored in
// canonical (uppercase) form; use Parse to construct one from user input.
type Code string

// Generate draws a fresh random code. Uniqueness against the live room set
// is the caller's job (collision retry in the registry).
func Generate() (Code, error) {
	max := big.NewInt(int64(len(Alphabet)))
	b := make([]byte, Length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = Alphabet[n.Int64()]
	}
	return Code(b), nil
}

// Parse canonicalizes user input into a Code. Matching is case-insensitive.
func Parse(s string) (Code, error) {
	if len(s) != Length {
		return "", ErrBadLength
	}
	up := strings.ToUpper(s)
	for _, c := range up {
		if !strings.ContainsRune(Alphabet, c) {
			return "", fmt.Errorf("%w: %q", ErrBadCharacter, c)
		}
	}
	return Code(up), nil
}

func (c Code) String() string { return string(c) }
