// Package service composes the relationship directory, the witness builder,
// the folding session and the proof-chain store into the proving flow: fetch
// an authorization, build the hop's records, fold, verify and append.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mach-34/grapevine/internal/chainerr"
	"github.com/Mach-34/grapevine/internal/crypto"
	"github.com/Mach-34/grapevine/internal/folding"
	"github.com/Mach-34/grapevine/internal/proofchain"
	"github.com/Mach-34/grapevine/internal/relationship"
	"github.com/Mach-34/grapevine/pkg/field"
	"github.com/Mach-34/grapevine/pkg/witness"
)

var (
	// ErrNilSession is returned when the folding session is nil.
	ErrNilSession = errors.New("service: session cannot be nil")

	// ErrNilStore is returned when the store is nil.
	ErrNilStore = errors.New("service: store cannot be nil")

	// ErrNilDirectory is returned when the directory is nil.
	ErrNilDirectory = errors.New("service: directory cannot be nil")
)

// DefaultFoldAttempts is how often a timed-out fold is attempted in total.
const DefaultFoldAttempts = 2

// Service runs proving operations on behalf of identities.
type Service struct {
	session   *folding.Session
	store     *proofchain.Store
	directory relationship.Directory
	builder   *witness.Builder
	logger    *slog.Logger

	foldAttempts int
}

// New creates a Service. A nil builder samples chaff from system randomness.
func New(session *folding.Session, store *proofchain.Store, dir relationship.Directory, builder *witness.Builder) (*Service, error) {
	return NewWithLogger(session, store, dir, builder, slog.Default())
}

// NewWithLogger is New with an explicit logger.
func NewWithLogger(
	session *folding.Session,
	store *proofchain.Store,
	dir relationship.Directory,
	builder *witness.Builder,
	logger *slog.Logger,
) (*Service, error) {
	if session == nil {
		return nil, ErrNilSession
	}
	if store == nil {
		return nil, ErrNilStore
	}
	if dir == nil {
		return nil, ErrNilDirectory
	}
	if builder == nil {
		builder = witness.NewBuilder(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		session:      session,
		store:        store,
		directory:    dir,
		builder:      builder,
		logger:       logger.With("component", "service"),
		foldAttempts: DefaultFoldAttempts,
	}, nil
}

// PhraseHash returns the hex phrase hash the store indexes chains by.
func PhraseHash(phrase string) (string, error) {
	h, err := field.PhraseHash(phrase)
	if err != nil {
		return "", fmt.Errorf("%w: %v", chainerr.ErrPhraseTooLong, err)
	}
	return field.Hex(h), nil
}

// ProveIdentity proves knowledge of phrase at degree 1 and appends the root
// node for prover.
func (s *Service) ProveIdentity(ctx context.Context, prover *crypto.Identity, phrase string) (*proofchain.AppendResult, error) {
	phraseHash, err := PhraseHash(phrase)
	if err != nil {
		return nil, err
	}
	if err := s.store.CheckImprovement(ctx, prover.ID, phraseHash, 1); err != nil {
		return nil, err
	}

	pair, err := s.builder.IdentityStep(phrase, prover)
	if err != nil {
		return nil, err
	}
	folded, err := s.fold(ctx, func() (*folding.FoldedProof, error) {
		return s.session.Start(ctx, pair)
	})
	if err != nil {
		return nil, fmt.Errorf("prove identity: %w", err)
	}

	res, err := s.store.AppendProof(ctx, &proofchain.Node{
		Owner:      prover.ID,
		PhraseHash: phraseHash,
		Degree:     folded.Degree,
		ProofBlob:  folded.Proof,
		Nullifiers: proofchain.NullifiersFromOutputs(folded.Outputs),
	})
	if err != nil {
		return nil, fmt.Errorf("prove identity: %w", err)
	}
	s.logger.Info("identity proven", "owner", prover.ID, "node", res.Node.ID)
	return res, nil
}

// ProveDegree builds prover's next hop from the node precedingID, which must
// be held by sender, using the authorization on the edge sender→prover.
func (s *Service) ProveDegree(
	ctx context.Context,
	prover *crypto.Identity,
	sender crypto.PublicKey,
	precedingID string,
) (*proofchain.AppendResult, error) {
	prev, err := s.store.Backend().GetNode(ctx, precedingID)
	if errors.Is(err, proofchain.ErrNodeNotFound) {
		return nil, fmt.Errorf("prove degree: %w: %s", chainerr.ErrPrecedingNotFound, precedingID)
	}
	if err != nil {
		return nil, fmt.Errorf("prove degree: %w", err)
	}
	if senderID := crypto.DisplayID(sender); prev.Owner != senderID {
		return nil, fmt.Errorf("prove degree: %w: node %s is held by %s, not %s",
			chainerr.ErrNoAuthorization, prev.ID, prev.Owner, senderID)
	}
	if prev.Inactive {
		return nil, fmt.Errorf("prove degree: %w: %s", chainerr.ErrPrecedingInactive, prev.ID)
	}
	if err := s.store.CheckImprovement(ctx, prover.ID, prev.PhraseHash, prev.Degree+1); err != nil {
		return nil, err
	}

	auth, err := s.directory.GetAuthorization(ctx, sender, prover.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("prove degree: %w", err)
	}

	outputs, err := s.session.Verify(ctx, prev.ProofBlob, prev.Degree)
	if err != nil {
		return nil, fmt.Errorf("prove degree: preceding proof: %w", err)
	}
	prior := &folding.FoldedProof{Proof: prev.ProofBlob, Degree: prev.Degree, Outputs: outputs}

	pair, err := s.builder.DegreeStep(prover, sender, auth.Nullifier(), outputs.Scope(), auth.Signature)
	if err != nil {
		return nil, fmt.Errorf("prove degree: %w", err)
	}
	folded, err := s.fold(ctx, func() (*folding.FoldedProof, error) {
		return s.session.Extend(ctx, prior, pair)
	})
	if err != nil {
		return nil, fmt.Errorf("prove degree: %w", err)
	}

	res, err := s.store.AppendProof(ctx, &proofchain.Node{
		Owner:      prover.ID,
		PhraseHash: prev.PhraseHash,
		AuthHash:   field.Hex(auth.AuthHash(prover.PublicKey())),
		Degree:     folded.Degree,
		Preceding:  prev.ID,
		ProofBlob:  folded.Proof,
		Nullifiers: proofchain.NullifiersFromOutputs(folded.Outputs),
	})
	if err != nil {
		return nil, fmt.Errorf("prove degree: %w", err)
	}
	s.logger.Info("degree proven",
		"owner", prover.ID, "node", res.Node.ID, "degree", res.Node.Degree,
		"superseded", res.Superseded, "pruned", len(res.Pruned))
	return res, nil
}

// Adopt builds prover's best available hop for every phrase one of its
// active senders holds a better chain for. Candidates lost to races are
// skipped; other failures are joined into the returned error.
func (s *Service) Adopt(ctx context.Context, prover *crypto.Identity) ([]*proofchain.AppendResult, error) {
	candidates, err := s.store.FindAdoptableProofs(ctx, s.directory, prover.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("adopt: %w", err)
	}

	// candidates are ordered by phrase then degree, so the first per phrase
	// is the best
	seen := make(map[string]bool)
	var (
		results []*proofchain.AppendResult
		errs    []error
	)
	for _, c := range candidates {
		if seen[c.Node.PhraseHash] {
			continue
		}
		res, err := s.ProveDegree(ctx, prover, c.Sender, c.Node.ID)
		switch {
		case err == nil:
			seen[c.Node.PhraseHash] = true
			results = append(results, res)
		case errors.Is(err, chainerr.ErrPrecedingInactive),
			errors.Is(err, chainerr.ErrPrecedingNotFound),
			errors.Is(err, chainerr.ErrThresholdNotMet):
			s.logger.Debug("adoption candidate went stale", "owner", prover.ID, "node", c.Node.ID, "error", err)
		default:
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

// fold runs op, retrying engine timeouts.
func (s *Service) fold(ctx context.Context, op func() (*folding.FoldedProof, error)) (*folding.FoldedProof, error) {
	var err error
	for attempt := 1; attempt <= s.foldAttempts; attempt++ {
		var folded *folding.FoldedProof
		folded, err = op()
		if err == nil {
			return folded, nil
		}
		if !folding.IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}
		s.logger.Warn("fold timed out", "attempt", attempt, "error", err)
	}
	return nil, err
}
