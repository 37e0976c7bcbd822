// Package field provides BN254 scalar-field helpers shared by the witness
// builder, the folding engine and the proof-chain store.
//
// All hashing is MiMC over the BN254 scalar field so that every value computed
// outside the circuit matches what the circuit computes in-constraint.
package field

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/mr-tron/base58"
)

// Element is a BN254 scalar-field element.
type Element = fr.Element

const (
	// Bytes is the canonical encoding size of an Element.
	Bytes = fr.Bytes

	// LimbBytes is the number of phrase bytes packed into one limb. 31 bytes
	// always fit below the field modulus.
	LimbBytes = 31

	// PhraseLimbs is the fixed number of limbs a secret phrase is split into.
	PhraseLimbs = 6

	// MaxPhraseBytes is the longest phrase that fits the limb budget.
	MaxPhraseBytes = LimbBytes * PhraseLimbs
)

var (
	// ErrPhraseTooLong is returned when a phrase exceeds MaxPhraseBytes.
	ErrPhraseTooLong = errors.New("field: phrase exceeds limb budget")

	// ErrInvalidEncoding is returned when a hex element cannot be decoded.
	ErrInvalidEncoding = errors.New("field: invalid element encoding")
)

// Hash computes the MiMC hash of the given elements.
func Hash(elems ...Element) Element {
	h := mimc.NewMiMC()
	for i := range elems {
		b := elems[i].Bytes()
		h.Write(b[:])
	}

	var out Element
	out.SetBytes(h.Sum(nil))
	return out
}

// HashBytes hashes arbitrary bytes by packing them into 31-byte limbs first.
func HashBytes(data []byte) Element {
	limbs := make([]Element, 0, len(data)/LimbBytes+1)
	for start := 0; start < len(data); start += LimbBytes {
		end := start + LimbBytes
		if end > len(data) {
			end = len(data)
		}
		var e Element
		e.SetBytes(data[start:end])
		limbs = append(limbs, e)
	}
	// Length suffix keeps "ab" and "ab\x00" apart.
	var n Element
	n.SetUint64(uint64(len(data)))
	limbs = append(limbs, n)
	return Hash(limbs...)
}

// SplitPhrase packs a secret phrase into PhraseLimbs field elements. Unused
// trailing limbs are zero.
func SplitPhrase(phrase string) ([PhraseLimbs]Element, error) {
	var limbs [PhraseLimbs]Element
	raw := []byte(phrase)
	if len(raw) > MaxPhraseBytes {
		return limbs, fmt.Errorf("%w: %d bytes, max %d", ErrPhraseTooLong, len(raw), MaxPhraseBytes)
	}

	for i := 0; i < PhraseLimbs; i++ {
		start := i * LimbBytes
		if start >= len(raw) {
			break
		}
		end := start + LimbBytes
		if end > len(raw) {
			end = len(raw)
		}
		limbs[i].SetBytes(raw[start:end])
	}
	return limbs, nil
}

// PhraseHash is the public commitment identifying a phrase's chain namespace.
// The byte length is hashed after the limbs, since a limb drops its leading
// zero bytes.
func PhraseHash(phrase string) (Element, error) {
	limbs, err := SplitPhrase(phrase)
	if err != nil {
		return Element{}, err
	}
	var n Element
	n.SetUint64(uint64(len(phrase)))
	return Hash(append(limbs[:], n)...), nil
}

// Random samples a uniformly distributed element from r.
func Random(r io.Reader) (Element, error) {
	// 48 bytes reduced mod p keeps the bias negligible.
	var buf [48]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Element{}, fmt.Errorf("sample element: %w", err)
	}
	var e Element
	e.SetBytes(buf[:])
	return e, nil
}

// Hex returns the canonical big-endian hex encoding of e.
func Hex(e Element) string {
	b := e.Bytes()
	return hex.EncodeToString(b[:])
}

// FromHex decodes a canonical hex encoding produced by Hex.
func FromHex(s string) (Element, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != Bytes {
		return Element{}, fmt.Errorf("%w: %q", ErrInvalidEncoding, s)
	}
	var e Element
	if err := e.SetBytesCanonical(raw); err != nil {
		return Element{}, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return e, nil
}

// Base58 returns a compact display form of e.
func Base58(e Element) string {
	b := e.Bytes()
	return base58.Encode(b[:])
}

// Equal reports whether a and b are the same element.
func Equal(a, b Element) bool {
	return a.Equal(&b)
}
