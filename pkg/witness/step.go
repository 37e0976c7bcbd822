// Package witness builds the private inputs for each folded iteration.
//
// Every logical hop produces exactly two records: a compute record carrying
// real material and a chaff record with the same slot layout populated with
// freshly sampled values. The folding engine consumes both, so each hop costs
// two iterations regardless of its kind.
package witness

import (
	"errors"
	"fmt"
	"slices"

	"github.com/Mach-34/grapevine/internal/crypto"
	"github.com/Mach-34/grapevine/pkg/field"
)

// Kind identifies the slot layout of a step record.
type Kind int

const (
	KindIdentity Kind = iota + 1
	KindDegree
)

func (k Kind) String() string {
	switch k {
	case KindIdentity:
		return "identity"
	case KindDegree:
		return "degree"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// SlotName names one input of the step circuit.
type SlotName string

const (
	SlotPhrase            SlotName = "phrase"
	SlotProverPubkey      SlotName = "prover_pubkey"
	SlotScopeSignature    SlotName = "scope_signature"
	SlotRelationPubkey    SlotName = "relation_pubkey"
	SlotRelationNullifier SlotName = "relation_nullifier"
	SlotAuthSignature     SlotName = "auth_signature"
)

// circuitSlots is the slot layout the step circuit declares for each kind.
var circuitSlots = map[Kind][]SlotName{
	KindIdentity: {SlotPhrase, SlotProverPubkey, SlotScopeSignature},
	KindDegree: {
		SlotProverPubkey, SlotRelationPubkey, SlotRelationNullifier,
		SlotScopeSignature, SlotAuthSignature,
	},
}

// ErrSlotLayout is returned when a record does not match the circuit's
// declared slots or a slot holds a malformed value.
var ErrSlotLayout = errors.New("witness: record does not match circuit slot layout")

// Step is the private input of one folded iteration.
type Step interface {
	Kind() Kind

	// Slots returns the slot names populated by this record, in circuit order.
	Slots() []SlotName

	// Commitment binds every slot value into one element.
	Commitment() field.Element
}

// IdentityStep is the record for a chain's root hop.
type IdentityStep struct {
	Phrase         [field.PhraseLimbs]field.Element
	ProverPubkey   crypto.PublicKey
	ScopeSignature []byte
}

// Kind implements Step.
func (s *IdentityStep) Kind() Kind { return KindIdentity }

// Slots implements Step.
func (s *IdentityStep) Slots() []SlotName {
	return []SlotName{SlotPhrase, SlotProverPubkey, SlotScopeSignature}
}

// Commitment implements Step.
func (s *IdentityStep) Commitment() field.Element {
	elems := make([]field.Element, 0, field.PhraseLimbs+3)
	elems = append(elems, s.Phrase[:]...)
	elems = append(elems, s.ProverPubkey.A.X, s.ProverPubkey.A.Y)
	elems = append(elems, field.HashBytes(s.ScopeSignature))
	return field.Hash(elems...)
}

// DegreeStep is the record for a hop built from a neighbor's authorization.
type DegreeStep struct {
	ProverPubkey      crypto.PublicKey
	RelationPubkey    crypto.PublicKey
	RelationNullifier field.Element
	ScopeSignature    []byte
	AuthSignature     []byte
}

// Kind implements Step.
func (s *DegreeStep) Kind() Kind { return KindDegree }

// Slots implements Step.
func (s *DegreeStep) Slots() []SlotName {
	return []SlotName{
		SlotProverPubkey, SlotRelationPubkey, SlotRelationNullifier,
		SlotScopeSignature, SlotAuthSignature,
	}
}

// Commitment implements Step.
func (s *DegreeStep) Commitment() field.Element {
	return field.Hash(
		s.ProverPubkey.A.X, s.ProverPubkey.A.Y,
		s.RelationPubkey.A.X, s.RelationPubkey.A.Y,
		s.RelationNullifier,
		field.HashBytes(s.ScopeSignature),
		field.HashBytes(s.AuthSignature),
	)
}

// Validate checks a record against the circuit's declared slots and the
// shape of each slot value.
func Validate(s Step) error {
	declared, ok := circuitSlots[s.Kind()]
	if !ok {
		return fmt.Errorf("%w: unknown kind %s", ErrSlotLayout, s.Kind())
	}
	if !slices.Equal(declared, s.Slots()) {
		return fmt.Errorf("%w: %s record slots %v, circuit declares %v",
			ErrSlotLayout, s.Kind(), s.Slots(), declared)
	}

	switch st := s.(type) {
	case *IdentityStep:
		if err := checkPoint(SlotProverPubkey, st.ProverPubkey); err != nil {
			return err
		}
		return checkSignature(SlotScopeSignature, st.ScopeSignature)
	case *DegreeStep:
		if err := checkPoint(SlotProverPubkey, st.ProverPubkey); err != nil {
			return err
		}
		if err := checkPoint(SlotRelationPubkey, st.RelationPubkey); err != nil {
			return err
		}
		if err := checkSignature(SlotScopeSignature, st.ScopeSignature); err != nil {
			return err
		}
		return checkSignature(SlotAuthSignature, st.AuthSignature)
	default:
		return fmt.Errorf("%w: unsupported record type %T", ErrSlotLayout, s)
	}
}

func checkPoint(slot SlotName, pub crypto.PublicKey) error {
	if !pub.A.IsOnCurve() {
		return fmt.Errorf("%w: %s is not a curve point", ErrSlotLayout, slot)
	}
	return nil
}

func checkSignature(slot SlotName, sig []byte) error {
	if len(sig) != crypto.SignatureSize {
		return fmt.Errorf("%w: %s has %d bytes, expected %d",
			ErrSlotLayout, slot, len(sig), crypto.SignatureSize)
	}
	return nil
}
