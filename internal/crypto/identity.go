package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"

	"github.com/Mach-34/grapevine/internal/chainerr"
	"github.com/Mach-34/grapevine/pkg/field"
)

// PublicKey is a point on the BN254 twisted-Edwards curve.
type PublicKey = eddsa.PublicKey

// SignatureSize is the encoded size of an EdDSA signature (R compressed + S).
const SignatureSize = 64

// Identity holds a prover's signing key and its public commitments.
type Identity struct {
	// ID is the display identifier derived from the address.
	ID string

	DisplayName string

	key *eddsa.PrivateKey
}

// GenerateIdentity creates a new identity from system randomness.
func GenerateIdentity(displayName string) (*Identity, error) {
	return GenerateIdentityFrom(displayName, rand.Reader)
}

// GenerateIdentityFrom creates an identity whose key seed is read from r.
func GenerateIdentityFrom(displayName string, r io.Reader) (*Identity, error) {
	key, err := eddsa.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("failed to generate EdDSA keypair: %w", err)
	}
	return newIdentity(displayName, key), nil
}

func newIdentity(displayName string, key *eddsa.PrivateKey) *Identity {
	return &Identity{
		ID:          DisplayID(key.PublicKey),
		DisplayName: displayName,
		key:         key,
	}
}

// PublicKey returns the identity's public key.
func (i *Identity) PublicKey() PublicKey {
	return i.key.PublicKey
}

// Address returns the public-key commitment of this identity.
func (i *Identity) Address() field.Element {
	return Address(i.key.PublicKey)
}

// Sign signs a single field element.
func (i *Identity) Sign(msg field.Element) ([]byte, error) {
	b := msg.Bytes()
	sig, err := i.key.Sign(b[:], mimc.NewMiMC())
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	return sig, nil
}

// Address computes MiMC(A.X, A.Y) for a public key.
func Address(pub PublicKey) field.Element {
	return field.Hash(pub.A.X, pub.A.Y)
}

// DisplayID returns the "gv:" prefixed base58 address of a public key.
func DisplayID(pub PublicKey) string {
	return "gv:" + field.Base58(Address(pub))
}

// Verify checks sig over msg against pub.
func Verify(pub PublicKey, sig []byte, msg field.Element) error {
	if len(sig) != SignatureSize {
		return fmt.Errorf("%w: signature has %d bytes, expected %d",
			chainerr.ErrSignatureInvalid, len(sig), SignatureSize)
	}
	b := msg.Bytes()
	ok, err := pub.Verify(sig, b[:], mimc.NewMiMC())
	if err != nil {
		return fmt.Errorf("%w: %v", chainerr.ErrSignatureInvalid, err)
	}
	if !ok {
		return chainerr.ErrSignatureInvalid
	}
	return nil
}

// ParsePublicKey decodes a compressed public key.
func ParsePublicKey(b []byte) (PublicKey, error) {
	var pub PublicKey
	if _, err := pub.SetBytes(b); err != nil {
		return PublicKey{}, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}
