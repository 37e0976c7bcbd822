// Package proofchain owns the persisted DAG of degree proof nodes.
//
// One chain namespace exists per phrase hash. Every node points at the node it
// was built from (preceding) and records the nodes built from it (proceeding).
// The store keeps, at every commit point:
//
//   - at most one active node per (owner, phrase): the owner's frontier
//   - proceeding equal to the inverse of every preceding pointer
//   - physical deletion only of nodes with no dependents
//   - no nullifier contributed by live nodes of two owners in one phrase
//   - preceding pointers reaching a degree 1 node in degree-1 steps
package proofchain

import (
	"slices"
	"time"

	"github.com/Mach-34/grapevine/pkg/field"
	"github.com/Mach-34/grapevine/pkg/ivc"
)

// zeroHex is the hex encoding of the zero element.
var zeroHex = field.Hex(field.Element{})

// Node is one degree proof in a phrase's chain. Field elements are stored as
// canonical hex.
//
// Everything but Proceeding and Inactive is immutable once committed, and
// only those two fields are left out of the encoded record. Nullifiers is the
// chain's cumulative vector: a node of degree d repeats its preceding node's
// first d-2 entries, adds its own at slot d-2 and leaves the rest zero.
//
// A Node returned by a Backend is the caller's copy; mutating it does not
// touch the store.
type Node struct {
	ID         string                     `json:"id"`
	PhraseHash string                     `json:"phrase_hash"`
	AuthHash   string                     `json:"auth_hash,omitempty"`
	Degree     int                        `json:"degree"`
	Owner      string                     `json:"owner"`
	Preceding  string                     `json:"preceding,omitempty"`
	Proceeding []string                   `json:"-"`
	Inactive   bool                       `json:"-"`
	ProofBlob  []byte                     `json:"proof"`
	Nullifiers [ivc.NullifierSlots]string `json:"nullifiers"`
	CreatedAt  time.Time                  `json:"created_at"`
}

// NullifiersFromOutputs converts the outputs' nullifier vector to hex.
func NullifiersFromOutputs(outs ivc.Outputs) [ivc.NullifierSlots]string {
	var out [ivc.NullifierSlots]string
	for i, n := range outs.Nullifiers() {
		out[i] = field.Hex(n)
	}
	return out
}

// Contributed returns the nullifier this node added to the chain. Root nodes
// contribute none.
func (n *Node) Contributed() (string, bool) {
	if n.Degree < 2 || n.Degree-2 >= ivc.NullifierSlots {
		return "", false
	}
	return n.Nullifiers[n.Degree-2], true
}

// IsRoot reports whether n is an identity node.
func (n *Node) IsRoot() bool {
	return n.Degree == 1
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	out := *n
	out.Proceeding = slices.Clone(n.Proceeding)
	out.ProofBlob = slices.Clone(n.ProofBlob)
	return &out
}

func (n *Node) normalize() {
	for i, v := range n.Nullifiers {
		if v == "" {
			n.Nullifiers[i] = zeroHex
		}
	}
	slices.Sort(n.Proceeding)
}
