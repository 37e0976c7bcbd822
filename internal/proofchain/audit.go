package proofchain

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/Mach-34/grapevine/internal/chainerr"
)

// InvariantError lists the structural violations found in one phrase.
// It matches chainerr.ErrChainInconsistency with errors.Is and is returned
// only by audits; the store never repairs what it reports.
type InvariantError struct {
	PhraseHash string
	Violations []string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: phrase %s: %s",
		chainerr.ErrChainInconsistency, e.PhraseHash, strings.Join(e.Violations, "; "))
}

// Unwrap makes the error match chainerr.ErrChainInconsistency.
func (e *InvariantError) Unwrap() error {
	return chainerr.ErrChainInconsistency
}

// CheckInvariants audits a phrase's chain and returns an *InvariantError if
// any structural invariant is violated. Nothing is repaired.
func (s *Store) CheckInvariants(ctx context.Context, phraseHash string) error {
	nodes, err := s.backend.PhraseNodes(ctx, phraseHash)
	if err != nil {
		return err
	}
	claimed, err := s.backend.Nullifiers(ctx, phraseHash)
	if err != nil {
		return err
	}

	byID := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	var v []string
	v = append(v, checkFrontiers(nodes)...)
	v = append(v, checkProceeding(nodes, byID)...)
	v = append(v, checkNullifierIndex(nodes, claimed)...)
	v = append(v, checkPaths(nodes, byID)...)

	for _, n := range nodes {
		if n.Inactive && len(n.Proceeding) == 0 {
			v = append(v, fmt.Sprintf("node %s is an inactive leaf", n.ID))
		}
	}

	for _, n := range nodes {
		if n.Inactive {
			continue
		}
		f, err := s.backend.Frontier(ctx, n.Owner, phraseHash)
		if err != nil {
			v = append(v, fmt.Sprintf("frontier of %s unreadable: %v", n.Owner, err))
			continue
		}
		if f == nil || f.ID != n.ID {
			v = append(v, fmt.Sprintf("active node %s is not the frontier of %s", n.ID, n.Owner))
		}
	}

	if len(v) == 0 {
		return nil
	}
	sort.Strings(v)
	return &InvariantError{PhraseHash: phraseHash, Violations: v}
}

// checkFrontiers: at most one active node per owner.
func checkFrontiers(nodes []*Node) []string {
	active := make(map[string][]string)
	for _, n := range nodes {
		if !n.Inactive {
			active[n.Owner] = append(active[n.Owner], n.ID)
		}
	}
	var v []string
	for owner, ids := range active {
		if len(ids) > 1 {
			slices.Sort(ids)
			v = append(v, fmt.Sprintf("owner %s has %d active nodes %v", owner, len(ids), ids))
		}
	}
	return v
}

// checkProceeding: proceeding is exactly the inverse of preceding.
func checkProceeding(nodes []*Node, byID map[string]*Node) []string {
	want := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		if n.Preceding != "" {
			want[n.Preceding] = append(want[n.Preceding], n.ID)
		}
	}

	var v []string
	for _, n := range nodes {
		expected := want[n.ID]
		slices.Sort(expected)
		if !slices.Equal(expected, n.Proceeding) {
			v = append(v, fmt.Sprintf("node %s proceeding %v, expected %v", n.ID, n.Proceeding, expected))
		}
	}
	for parent := range want {
		if _, ok := byID[parent]; !ok {
			v = append(v, fmt.Sprintf("deleted node %s still has dependents", parent))
		}
	}
	return v
}

// checkNullifierIndex: each contributed nullifier belongs to one owner's
// live nodes, and the claim index points at one of them.
func checkNullifierIndex(nodes []*Node, claimed map[string]string) []string {
	holders := make(map[string][]string)
	owners := make(map[string]map[string]struct{})
	for _, n := range nodes {
		if c, ok := n.Contributed(); ok {
			holders[c] = append(holders[c], n.ID)
			if owners[c] == nil {
				owners[c] = make(map[string]struct{})
			}
			owners[c][n.Owner] = struct{}{}
		}
	}

	var v []string
	for nullifier, ids := range holders {
		slices.Sort(ids)
		if len(owners[nullifier]) > 1 {
			v = append(v, fmt.Sprintf("nullifier %s contributed by %v", nullifier, ids))
		}
		if claimed[nullifier] == "" {
			v = append(v, fmt.Sprintf("nullifier %s of node %s is not claimed", nullifier, ids[0]))
		}
	}
	for nullifier, id := range claimed {
		if !slices.Contains(holders[nullifier], id) {
			v = append(v, fmt.Sprintf("nullifier %s claimed by missing node %s", nullifier, id))
		}
	}
	return v
}

// checkPaths: following preceding reaches a degree 1 node in degree-1 steps.
func checkPaths(nodes []*Node, byID map[string]*Node) []string {
	var v []string
	for _, n := range nodes {
		cur := n
		for steps := 0; ; steps++ {
			if cur.Preceding == "" {
				if cur.Degree != 1 || steps != n.Degree-1 {
					v = append(v, fmt.Sprintf("node %s reaches root %s of degree %d in %d steps",
						n.ID, cur.ID, cur.Degree, steps))
				}
				break
			}
			parent, ok := byID[cur.Preceding]
			if !ok {
				v = append(v, fmt.Sprintf("node %s points at missing node %s", cur.ID, cur.Preceding))
				break
			}
			if parent.Degree != cur.Degree-1 {
				v = append(v, fmt.Sprintf("node %s of degree %d points at %s of degree %d",
					cur.ID, cur.Degree, parent.ID, parent.Degree))
				break
			}
			cur = parent
		}
	}
	return v
}
