package crypto

import (
	"bytes"
	"errors"

	"github.com/tyler-smith/go-bip39"
)

// ErrInvalidMnemonic is returned when an invalid BIP-39 mnemonic phrase is provided.
var ErrInvalidMnemonic = errors.New("crypto: invalid mnemonic phrase")

// NewIdentityWithMnemonic generates a new identity with a BIP-39 mnemonic for recovery.
// The mnemonic is 24 words and should be written down by the user.
func NewIdentityWithMnemonic(displayName string) (*Identity, string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, "", err
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", err
	}

	identity, err := IdentityFromMnemonic(displayName, mnemonic)
	if err != nil {
		return nil, "", err
	}

	return identity, mnemonic, nil
}

// IdentityFromMnemonic recovers an identity from a BIP-39 mnemonic.
// The same mnemonic always produces the same key and address.
func IdentityFromMnemonic(displayName, mnemonic string) (*Identity, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	seed := bip39.NewSeed(mnemonic, "")
	return GenerateIdentityFrom(displayName, bytes.NewReader(seed[:32]))
}
