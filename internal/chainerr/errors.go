// Package chainerr defines the error taxonomy shared by the folding session and
// the proof-chain store.
//
// All errors are comparable values and can be matched with errors.Is after
// being wrapped with additional context.
package chainerr

import "errors"

// Error is a categorized failure of a proving or chain operation.
// The string value is stable and safe to log or send to clients; the
// wrapping message carries the node ids and other detail.
type Error string

// Chain error categories. The first four are cryptographic rejections, see
// IsCryptographic; only ErrStorageConflict is retryable.
const (
	// ErrSignatureInvalid indicates a signature did not verify against the
	// claimed public key.
	// This occurs when a scope or authorization signature was made by a
	// different key or over a different message.
	ErrSignatureInvalid Error = "signature_invalid"

	// ErrProofVerificationFailed indicates the recursive proof engine
	// rejected a proof.
	// This occurs when a stored or submitted proof was tampered with, was
	// produced under another engine key, or fails to decode.
	ErrProofVerificationFailed Error = "proof_verification_failed"

	// ErrDegreeMismatch indicates the claimed degree disagrees with the
	// iteration count or with the prior outputs of the chain.
	ErrDegreeMismatch Error = "degree_mismatch"

	// ErrNullifierReuse indicates a nullifier already present in the phrase's
	// nullifier set.
	// This occurs when another owner's node already claims the nullifier,
	// i.e. one authorization is replayed for a second recipient. An owner
	// relinking over its own edge is not a reuse.
	ErrNullifierReuse Error = "nullifier_reuse"

	// ErrNoAuthorization indicates a missing edge or a missing or malformed
	// authorization signature.
	// This occurs when the sender has not vouched for the prover, the edge
	// is still pending, or the sender does not own the preceding node.
	ErrNoAuthorization Error = "no_authorization"

	// ErrChainInconsistency indicates a structural invariant of the chain was
	// found violated. It is never repaired automatically.
	ErrChainInconsistency Error = "chain_inconsistency"

	// ErrStorageConflict indicates a lost race on a per-key transaction. The
	// whole append-and-prune transaction may be retried.
	ErrStorageConflict Error = "storage_conflict"

	// ErrPhraseTooLong indicates the phrase exceeds the limb budget.
	// The limit is field.MaxPhraseBytes bytes of UTF-8.
	ErrPhraseTooLong Error = "phrase_too_long"

	// ErrThresholdNotMet indicates a new proof does not improve on the
	// owner's frontier by the configured threshold.
	ErrThresholdNotMet Error = "threshold_not_met"

	// ErrMaxDegreeExceeded indicates the chain has no nullifier slot left.
	// This occurs when building from a node at the configured max degree,
	// or when a node claims a degree below one.
	ErrMaxDegreeExceeded Error = "max_degree_exceeded"

	// ErrPrecedingNotFound indicates the referenced preceding node does not
	// exist, or has the wrong degree or phrase.
	ErrPrecedingNotFound Error = "preceding_not_found"

	// ErrPrecedingInactive indicates the referenced preceding node has been
	// superseded.
	// The caller should rebuild from the preceding owner's new frontier.
	ErrPrecedingInactive Error = "preceding_inactive"
)

// Error implements the error interface.
func (e Error) Error() string {
	return string(e)
}

// IsCryptographic reports whether err is a cryptographic rejection. These are
// fatal to the triggering operation and never retried.
func IsCryptographic(err error) bool {
	return errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrProofVerificationFailed) ||
		errors.Is(err, ErrDegreeMismatch) ||
		errors.Is(err, ErrNullifierReuse)
}

// IsRetryable reports whether the whole operation may be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageConflict)
}
