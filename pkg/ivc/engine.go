// Package ivc defines the recursive proof engine boundary and the public
// output vector every folded iteration carries.
//
// The engine is a black box to the rest of the system: proofs are opaque byte
// strings that are created, continued and verified only through Engine.
package ivc

import (
	"context"
	"errors"

	"github.com/Mach-34/grapevine/pkg/field"
	"github.com/Mach-34/grapevine/pkg/witness"
)

const (
	// NullifierSlots is the number of per-hop nullifiers the outputs carry.
	NullifierSlots = 8

	// OutputsLen is the size of the public output vector.
	OutputsLen = 4 + NullifierSlots

	// StepsPerHop is the number of folded iterations one logical hop costs.
	StepsPerHop = 2

	// MaxDegree is the deepest chain the output vector can describe: one
	// identity hop plus one hop per nullifier slot.
	MaxDegree = 1 + NullifierSlots
)

const (
	idxObfuscate = iota
	idxDegree
	idxScope
	idxRelation
	idxNullifiers
)

// Engine errors.
var (
	ErrNoSteps           = errors.New("ivc: no steps to fold")
	ErrMalformedProof    = errors.New("ivc: malformed proof")
	ErrInvalidProof      = errors.New("ivc: proof does not verify")
	ErrIterationMismatch = errors.New("ivc: iteration count mismatch")
	ErrPriorMismatch     = errors.New("ivc: prior outputs do not match proof")
	ErrStepRejected      = errors.New("ivc: step constraints not satisfied")
)

// Proof is an opaque folded proof.
type Proof []byte

// Engine is the recursive-SNARK / IVC primitive.
type Engine interface {
	// Create folds the first steps starting from the public start state.
	Create(ctx context.Context, steps []witness.Step, start Outputs) (Proof, error)

	// Continue folds more steps onto proof, whose current outputs are prior.
	// The input proof is not modified.
	Continue(ctx context.Context, proof Proof, steps []witness.Step, prior Outputs) (Proof, error)

	// Verify checks proof at the given iteration count and returns its
	// public outputs.
	Verify(ctx context.Context, proof Proof, iterations int, start Outputs) (Outputs, error)
}

// IterationsForDegree returns the number of folded iterations a chain of the
// given degree consists of.
func IterationsForDegree(degree int) int {
	return StepsPerHop * degree
}

// Outputs is the public state vector:
// {obfuscate, degree, scope, relation, nullifiers[8]}.
type Outputs [OutputsLen]field.Element

// ZeroOutputs is the fixed public start state.
func ZeroOutputs() Outputs {
	return Outputs{}
}

// Obfuscate is nonzero between a compute iteration and its chaff iteration.
func (o Outputs) Obfuscate() field.Element { return o[idxObfuscate] }

// Degree returns the degree output. ok is false if it does not fit an int.
func (o Outputs) Degree() (degree int, ok bool) {
	d := o[idxDegree]
	if !d.IsUint64() || d.Uint64() > MaxDegree {
		return 0, false
	}
	return int(d.Uint64()), true
}

// Scope is the address of the chain's originating identity.
func (o Outputs) Scope() field.Element { return o[idxScope] }

// Relation is the address of the most recent prover.
func (o Outputs) Relation() field.Element { return o[idxRelation] }

// Nullifiers returns the accumulated per-hop nullifiers. Unused slots are zero.
func (o Outputs) Nullifiers() [NullifierSlots]field.Element {
	var out [NullifierSlots]field.Element
	copy(out[:], o[idxNullifiers:])
	return out
}

// Equal reports whether two output vectors are identical.
func (o Outputs) Equal(other Outputs) bool {
	for i := range o {
		if !o[i].Equal(&other[i]) {
			return false
		}
	}
	return true
}

// Digest hashes the whole vector into one element.
func (o Outputs) Digest() field.Element {
	return field.Hash(o[:]...)
}
