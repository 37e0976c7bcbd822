package ivc

import (
	"context"
	"fmt"

	"github.com/Mach-34/grapevine/internal/chainerr"
	"github.com/Mach-34/grapevine/internal/crypto"
	"github.com/Mach-34/grapevine/pkg/field"
	"github.com/Mach-34/grapevine/pkg/witness"
)

// HashFold is an in-process reference engine. It executes the step relation
// natively at proving time and binds the resulting fold trace with a MiMC
// accumulator and a tag keyed by a shared engine key.
//
// HashFold is not zero-knowledge and not succinct: anyone holding the engine
// key can mint proofs. It exists so the protocol and the store can be run and
// tested without a SNARK backend.
type HashFold struct {
	key field.Element
}

var _ Engine = (*HashFold)(nil)

// NewHashFold returns an engine keyed by key.
func NewHashFold(key []byte) *HashFold {
	return &HashFold{key: field.HashBytes(key)}
}

// Create implements Engine.
func (e *HashFold) Create(ctx context.Context, steps []witness.Step, start Outputs) (Proof, error) {
	env := &envelope{
		start:       start,
		outputs:     start,
		accumulator: field.Hash(start.Digest()),
	}
	if err := e.fold(ctx, env, steps); err != nil {
		return nil, err
	}
	return env.marshal(), nil
}

// Continue implements Engine.
func (e *HashFold) Continue(ctx context.Context, proof Proof, steps []witness.Step, prior Outputs) (Proof, error) {
	env, err := e.open(proof)
	if err != nil {
		return nil, err
	}
	if !env.outputs.Equal(prior) {
		return nil, ErrPriorMismatch
	}
	if err := e.fold(ctx, env, steps); err != nil {
		return nil, err
	}
	return env.marshal(), nil
}

// Verify implements Engine.
func (e *HashFold) Verify(ctx context.Context, proof Proof, iterations int, start Outputs) (Outputs, error) {
	if err := ctx.Err(); err != nil {
		return Outputs{}, err
	}
	env, err := e.open(proof)
	if err != nil {
		return Outputs{}, err
	}
	if iterations < 0 || env.iterations != uint64(iterations) {
		return Outputs{}, fmt.Errorf("%w: proof folds %d iterations, verifying at %d",
			ErrIterationMismatch, env.iterations, iterations)
	}
	if !env.start.Equal(start) {
		return Outputs{}, fmt.Errorf("%w: start state differs", ErrInvalidProof)
	}
	return env.outputs, nil
}

// open decodes proof and checks its tag.
func (e *HashFold) open(proof Proof) (*envelope, error) {
	env, err := unmarshalEnvelope(proof)
	if err != nil {
		return nil, err
	}
	want := e.tag(env)
	if !env.tag.Equal(&want) {
		return nil, ErrInvalidProof
	}
	return env, nil
}

func (e *HashFold) fold(ctx context.Context, env *envelope, steps []witness.Step) error {
	if len(steps) == 0 {
		return ErrNoSteps
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := e.step(env.outputs, s)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", env.iterations, err)
		}

		var i field.Element
		i.SetUint64(env.iterations)
		env.accumulator = field.Hash(env.accumulator, i, s.Commitment(), next.Digest())
		env.outputs = next
		env.iterations++
	}
	env.tag = e.tag(env)
	return nil
}

// step applies the step relation F(z_i, w_i) -> z_{i+1}. A set obfuscate
// flag marks the iteration after a compute iteration; its record is ignored
// and the flag is cleared.
func (e *HashFold) step(z Outputs, s witness.Step) (Outputs, error) {
	if err := witness.Validate(s); err != nil {
		return Outputs{}, fmt.Errorf("%w: %w", ErrStepRejected, err)
	}

	obfuscate := z.Obfuscate()
	if !obfuscate.IsZero() {
		next := z
		next[idxObfuscate].SetZero()
		return next, nil
	}

	degree, ok := z.Degree()
	if !ok {
		return Outputs{}, fmt.Errorf("%w: degree output out of range", ErrStepRejected)
	}

	var (
		next Outputs
		err  error
	)
	if degree == 0 {
		next, err = identityRelation(z, s)
	} else {
		next, err = degreeRelation(z, s, degree)
	}
	if err != nil {
		return Outputs{}, err
	}
	next[idxObfuscate].SetOne()
	return next, nil
}

func identityRelation(z Outputs, s witness.Step) (Outputs, error) {
	st, ok := s.(*witness.IdentityStep)
	if !ok {
		return Outputs{}, fmt.Errorf("%w: degree 0 requires an identity record, got %s",
			ErrStepRejected, s.Kind())
	}
	addr := crypto.Address(st.ProverPubkey)
	if err := crypto.Verify(st.ProverPubkey, st.ScopeSignature, addr); err != nil {
		return Outputs{}, fmt.Errorf("%w: scope signature: %w", ErrStepRejected, err)
	}

	next := z
	next[idxDegree].SetOne()
	next[idxScope] = addr
	next[idxRelation] = addr
	return next, nil
}

func degreeRelation(z Outputs, s witness.Step, degree int) (Outputs, error) {
	st, ok := s.(*witness.DegreeStep)
	if !ok {
		return Outputs{}, fmt.Errorf("%w: degree %d requires a degree record, got %s",
			ErrStepRejected, degree, s.Kind())
	}
	slot := degree - 1
	if slot >= NullifierSlots {
		return Outputs{}, fmt.Errorf("%w: %w: no nullifier slot left at degree %d",
			ErrStepRejected, chainerr.ErrMaxDegreeExceeded, degree)
	}

	relation := z.Relation()
	if neighbor := crypto.Address(st.RelationPubkey); !neighbor.Equal(&relation) {
		return Outputs{}, fmt.Errorf("%w: %w: relation key is not the previous prover",
			ErrStepRejected, chainerr.ErrNoAuthorization)
	}

	prover := crypto.Address(st.ProverPubkey)
	authMsg := crypto.AuthMessage(st.RelationNullifier, prover)
	if err := crypto.Verify(st.RelationPubkey, st.AuthSignature, authMsg); err != nil {
		return Outputs{}, fmt.Errorf("%w: auth signature: %w", ErrStepRejected, err)
	}
	if err := crypto.Verify(st.ProverPubkey, st.ScopeSignature, z.Scope()); err != nil {
		return Outputs{}, fmt.Errorf("%w: scope signature: %w", ErrStepRejected, err)
	}

	next := z
	next[idxNullifiers+slot] = st.RelationNullifier
	next[idxRelation] = prover
	next[idxDegree].SetUint64(uint64(degree + 1))
	return next, nil
}

func (e *HashFold) tag(env *envelope) field.Element {
	var n field.Element
	n.SetUint64(env.iterations)
	return field.Hash(e.key, env.start.Digest(), env.outputs.Digest(), env.accumulator, n)
}
