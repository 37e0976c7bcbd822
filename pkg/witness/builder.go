package witness

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/Mach-34/grapevine/internal/chainerr"
	"github.com/Mach-34/grapevine/internal/crypto"
	"github.com/Mach-34/grapevine/pkg/field"
)

// Pair is the two records of one logical hop, in fold order.
type Pair struct {
	Compute Step
	Chaff   Step
}

// Steps returns the records in the order they are folded.
func (p Pair) Steps() []Step {
	return []Step{p.Compute, p.Chaff}
}

// Builder produces compute/chaff record pairs. It holds no state besides its
// chaff randomness source and is safe for concurrent use.
type Builder struct {
	chaff io.Reader
}

// NewBuilder returns a Builder sampling chaff from source. A nil source uses
// system randomness.
func NewBuilder(source io.Reader) *Builder {
	if source == nil {
		source = rand.Reader
	}
	return &Builder{chaff: source}
}

// IdentityStep builds the records for a chain's root hop. The prover signs
// their own address, which becomes the chain's scope.
func (b *Builder) IdentityStep(phrase string, prover *crypto.Identity) (Pair, error) {
	limbs, err := field.SplitPhrase(phrase)
	if err != nil {
		return Pair{}, fmt.Errorf("%w: %v", chainerr.ErrPhraseTooLong, err)
	}

	scopeSig, err := prover.Sign(prover.Address())
	if err != nil {
		return Pair{}, fmt.Errorf("sign scope: %w", err)
	}

	compute := &IdentityStep{
		Phrase:         limbs,
		ProverPubkey:   prover.PublicKey(),
		ScopeSignature: scopeSig,
	}

	chaff := &IdentityStep{}
	for i := range chaff.Phrase {
		if chaff.Phrase[i], err = field.Random(b.chaff); err != nil {
			return Pair{}, err
		}
	}
	if chaff.ProverPubkey, chaff.ScopeSignature, err = b.randomSigned(); err != nil {
		return Pair{}, err
	}

	return b.pair(compute, chaff)
}

// DegreeStep builds the records for a hop authorized by a neighbor. The
// prover re-signs the chain's scope address; authSig is the neighbor's
// signature vouching for this prover.
func (b *Builder) DegreeStep(
	prover *crypto.Identity,
	neighbor crypto.PublicKey,
	nullifier field.Element,
	scope field.Element,
	authSig []byte,
) (Pair, error) {
	if len(authSig) == 0 {
		return Pair{}, fmt.Errorf("%w: missing authorization signature", chainerr.ErrNoAuthorization)
	}
	if len(authSig) != crypto.SignatureSize {
		return Pair{}, fmt.Errorf("%w: authorization signature has %d bytes, expected %d",
			chainerr.ErrNoAuthorization, len(authSig), crypto.SignatureSize)
	}

	scopeSig, err := prover.Sign(scope)
	if err != nil {
		return Pair{}, fmt.Errorf("sign scope: %w", err)
	}

	compute := &DegreeStep{
		ProverPubkey:      prover.PublicKey(),
		RelationPubkey:    neighbor,
		RelationNullifier: nullifier,
		ScopeSignature:    scopeSig,
		AuthSignature:     append([]byte(nil), authSig...),
	}

	chaff := &DegreeStep{}
	if chaff.ProverPubkey, chaff.ScopeSignature, err = b.randomSigned(); err != nil {
		return Pair{}, err
	}
	if chaff.RelationPubkey, chaff.AuthSignature, err = b.randomSigned(); err != nil {
		return Pair{}, err
	}
	if chaff.RelationNullifier, err = field.Random(b.chaff); err != nil {
		return Pair{}, err
	}

	return b.pair(compute, chaff)
}

func (b *Builder) pair(compute, chaff Step) (Pair, error) {
	if err := Validate(compute); err != nil {
		return Pair{}, fmt.Errorf("compute record: %w", err)
	}
	if err := Validate(chaff); err != nil {
		return Pair{}, fmt.Errorf("chaff record: %w", err)
	}
	return Pair{Compute: compute, Chaff: chaff}, nil
}

// randomSigned samples a throwaway key pair and a signature by it over a
// random message, so chaff points and signatures are well formed.
func (b *Builder) randomSigned() (crypto.PublicKey, []byte, error) {
	key, err := crypto.GenerateIdentityFrom("", b.chaff)
	if err != nil {
		return crypto.PublicKey{}, nil, fmt.Errorf("sample chaff key: %w", err)
	}
	msg, err := field.Random(b.chaff)
	if err != nil {
		return crypto.PublicKey{}, nil, err
	}
	sig, err := key.Sign(msg)
	if err != nil {
		return crypto.PublicKey{}, nil, fmt.Errorf("sample chaff signature: %w", err)
	}
	return key.PublicKey(), sig, nil
}

// seededSource is a deterministic, unbounded byte stream derived from a seed
// by chaining HKDF expansions.
type seededSource struct {
	mu      sync.Mutex
	seed    []byte
	counter uint64
	r       io.Reader
}

// NewSeededSource returns a reproducible chaff source. Two builders with the
// same seed sample identical chaff.
func NewSeededSource(seed []byte) io.Reader {
	return &seededSource{seed: append([]byte(nil), seed...)}
}

func (s *seededSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n < len(p) {
		if s.r == nil {
			info := make([]byte, 0, 24)
			info = append(info, "grapevine-chaff"...)
			info = binary.BigEndian.AppendUint64(info, s.counter)
			s.counter++
			s.r = hkdf.New(sha256.New, s.seed, nil, info)
		}
		// HKDF refuses requests larger than what it has left, so read in
		// hash-sized chunks.
		chunk := p[n:]
		if len(chunk) > sha256.Size {
			chunk = chunk[:sha256.Size]
		}
		m, err := s.r.Read(chunk)
		n += m
		if err != nil {
			s.r = nil
		}
	}
	return n, nil
}
