package proofchain

import (
	"context"
	"errors"
)

var (
	// ErrNodeNotFound is returned when a node id does not resolve.
	ErrNodeNotFound = errors.New("proofchain: node not found")

	// ErrHasDependents is returned by DeleteLeaf when the node gained or
	// still has dependents.
	ErrHasDependents = errors.New("proofchain: node has dependents")

	// ErrNotDeletable is returned by DeleteLeaf for a node that is still an
	// owner's frontier.
	ErrNotDeletable = errors.New("proofchain: node is still active")
)

// Insert is one atomic append commit.
type Insert struct {
	Node *Node

	// Supersedes is the id of the owner's frontier the caller observed, or
	// empty if it observed none. The commit fails with StorageConflict if the
	// frontier moved.
	Supersedes string
}

// Backend is the persistent store behind a Store. Implementations must make
// InsertNode and DeleteLeaf atomic and must update proceeding sets with
// additive, id-based operations.
type Backend interface {
	// Lock serializes appends for one (owner, phrase) key until unlock is
	// called.
	Lock(ctx context.Context, owner, phraseHash string) (unlock func(), err error)

	// InsertNode atomically claims the node's contributed nullifier, writes
	// the node, adds it to its preceding node's proceeding set, points the
	// owner's frontier at it and marks the superseded frontier inactive.
	//
	// A nullifier already claimed by another node of the same owner moves to
	// the new node: relinking over an edge the owner used before reproduces
	// that edge's nullifier. A claim held by any other owner fails with
	// NullifierReuse. Other failures are PrecedingNotFound, PrecedingInactive
	// and StorageConflict.
	InsertNode(ctx context.Context, ins Insert) error

	// DeleteLeaf atomically deletes an inactive node whose proceeding set is
	// empty, removes it from its preceding node's proceeding set and releases
	// its contributed nullifier unless the claim has moved to a newer node.
	DeleteLeaf(ctx context.Context, id string) error

	// GetNode returns a copy of a node.
	GetNode(ctx context.Context, id string) (*Node, error)

	// Frontier returns the owner's active node for a phrase, or nil.
	Frontier(ctx context.Context, owner, phraseHash string) (*Node, error)

	// Frontiers returns the owner's active node for every phrase.
	Frontiers(ctx context.Context, owner string) ([]*Node, error)

	// PhraseNodes returns every live node of a phrase, in no particular order.
	PhraseNodes(ctx context.Context, phraseHash string) ([]*Node, error)

	// Nullifiers returns the phrase's claimed nullifiers mapped to the node
	// that contributed them.
	Nullifiers(ctx context.Context, phraseHash string) (map[string]string, error)

	// Phrases returns every phrase hash with at least one node ever stored.
	Phrases(ctx context.Context) ([]string, error)

	Close() error
}
