// Package names derives readable node names.
package names

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tyler-smith/go-bip39"
)

// Petname returns a deterministic 3-word name for id using the BIP-39 word
// list, e.g. "leader-monkey-parrot". Ids shorter than 16 bytes yield
// "unknown".
func Petname(id []byte) string {
	if len(id) < 16 {
		return "unknown"
	}
	// Entropy must be 16, 20, 24, 28 or 32 bytes.
	entropy := make([]byte, 32)
	copy(entropy, id)
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "unknown"
	}
	words := strings.Fields(mnemonic)
	if len(words) < 3 {
		return "unknown"
	}
	return words[0] + "-" + words[1] + "-" + words[2]
}

// ForID returns the petname of a participant id in uuid form.
func ForID(id string) string {
	u, err := uuid.Parse(id)
	if err != nil {
		return "unknown"
	}
	return Petname(u[:])
}

// Random returns the petname of a fresh random uuid.
func Random() string {
	u := uuid.New()
	return Petname(u[:])
}
