package proofchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mach-34/grapevine/internal/chainerr"
	"github.com/Mach-34/grapevine/internal/crypto"
	"github.com/Mach-34/grapevine/pkg/ivc"
)

// Config contains the chain acceptance policy.
type Config struct {
	// ImprovementThreshold is how many degrees a new proof must beat the
	// owner's frontier by to supersede it.
	ImprovementThreshold int `toml:"improvement_threshold"`

	// MaxDegree is the deepest node the store accepts.
	MaxDegree int `toml:"max_degree"`

	// MaxRetries bounds automatic retries after a StorageConflict.
	MaxRetries int `toml:"max_retries"`
}

// DefaultConfig requires a strict improvement of one degree.
func DefaultConfig() Config {
	return Config{
		ImprovementThreshold: 1,
		MaxDegree:            ivc.MaxDegree,
		MaxRetries:           5,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.ImprovementThreshold < 1 {
		return fmt.Errorf("proofchain: improvement_threshold must be at least 1")
	}
	if c.MaxDegree < 1 || c.MaxDegree > ivc.MaxDegree {
		return fmt.Errorf("proofchain: max_degree must be between 1 and %d", ivc.MaxDegree)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("proofchain: max_retries must not be negative")
	}
	return nil
}

// AppendResult describes an accepted append.
type AppendResult struct {
	// Node is the committed node as stored, with its assigned id and
	// creation time.
	Node *Node

	// Superseded is the id of the owner's previous frontier, if any.
	Superseded string

	// Pruned lists the ids deleted by the prune walk, leaf first.
	Pruned []string

	// PruneErr is set when the node was committed but the prune walk could
	// not finish. The leftovers are inactive leaves an audit reports.
	PruneErr error
}

// Store is the proof-chain store. It validates nodes, enforces the
// improvement policy and prunes superseded branches on top of a Backend.
//
// # Thread Safety
//
// Store is safe for concurrent use from multiple goroutines. Appends for one
// (owner, phrase) are serialized through Backend.Lock; appends for distinct
// keys race only on the backend's atomic commits, which report lost races as
// StorageConflict and are retried.
type Store struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore creates a store over backend. A nil logger uses slog.Default().
func NewStore(backend Backend, cfg Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With("component", "proofchain"),
		now:     time.Now,
	}, nil
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// AppendProof validates and persists node, superseding and pruning the
// owner's previous frontier for the phrase. A StorageConflict retries the
// whole append up to MaxRetries times. The caller's node is not modified.
func (s *Store) AppendProof(ctx context.Context, node *Node) (*AppendResult, error) {
	n := node.Clone()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	n.Proceeding = nil
	n.Inactive = false
	n.normalize()

	for attempt := 0; ; attempt++ {
		res, err := s.appendOnce(ctx, n)
		if err == nil {
			return res, nil
		}
		if !chainerr.IsRetryable(err) || attempt >= s.cfg.MaxRetries {
			s.logger.Warn("append rejected",
				"owner", n.Owner, "degree", n.Degree, "attempts", attempt+1, "error", err)
			return nil, err
		}
		s.logger.Info("retrying append after conflict",
			"owner", n.Owner, "degree", n.Degree, "attempt", attempt+1, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 5 * time.Millisecond):
		}
	}
}

func (s *Store) appendOnce(ctx context.Context, n *Node) (*AppendResult, error) {
	if err := s.checkNode(ctx, n); err != nil {
		return nil, err
	}

	unlock, err := s.backend.Lock(ctx, n.Owner, n.PhraseHash)
	if err != nil {
		return nil, err
	}
	defer unlock()

	frontier, err := s.backend.Frontier(ctx, n.Owner, n.PhraseHash)
	if err != nil {
		return nil, err
	}

	ins := Insert{Node: n}
	if frontier != nil {
		if frontier.Degree-n.Degree < s.cfg.ImprovementThreshold {
			return nil, fmt.Errorf("%w: degree %d does not improve on %d by %d",
				chainerr.ErrThresholdNotMet, n.Degree, frontier.Degree, s.cfg.ImprovementThreshold)
		}
		ins.Supersedes = frontier.ID
	}

	if err := s.backend.InsertNode(ctx, ins); err != nil {
		return nil, err
	}

	res := &AppendResult{Node: n.Clone(), Superseded: ins.Supersedes}
	s.logger.Info("appended proof",
		"node", n.ID, "owner", n.Owner, "degree", n.Degree, "supersedes", ins.Supersedes)

	if frontier != nil {
		res.Pruned, res.PruneErr = s.pruneSupersededChain(ctx, n.Owner, n.PhraseHash, frontier.ID)
		if res.PruneErr != nil {
			s.logger.Error("prune incomplete",
				"owner", n.Owner, "from", frontier.ID, "deleted", res.Pruned, "error", res.PruneErr)
		}
	}
	return res, nil
}

// CheckImprovement reports ThresholdNotMet if a node of the given degree
// could not supersede the owner's current frontier. AppendProof repeats the
// check under the owner's lock; this lets callers skip folding early.
func (s *Store) CheckImprovement(ctx context.Context, owner, phraseHash string, degree int) error {
	frontier, err := s.backend.Frontier(ctx, owner, phraseHash)
	if err != nil {
		return err
	}
	if frontier != nil && frontier.Degree-degree < s.cfg.ImprovementThreshold {
		return fmt.Errorf("%w: degree %d does not improve on %d by %d",
			chainerr.ErrThresholdNotMet, degree, frontier.Degree, s.cfg.ImprovementThreshold)
	}
	return nil
}

// checkNode validates the node's shape and its link to the preceding node.
func (s *Store) checkNode(ctx context.Context, n *Node) error {
	if n.Owner == "" || n.PhraseHash == "" {
		return fmt.Errorf("%w: node needs an owner and a phrase hash", chainerr.ErrChainInconsistency)
	}
	if n.Degree < 1 || n.Degree > s.cfg.MaxDegree {
		return fmt.Errorf("%w: degree %d, max %d", chainerr.ErrMaxDegreeExceeded, n.Degree, s.cfg.MaxDegree)
	}

	if n.IsRoot() {
		if n.Preceding != "" {
			return fmt.Errorf("%w: degree 1 node has a preceding node", chainerr.ErrDegreeMismatch)
		}
		for i, v := range n.Nullifiers {
			if v != zeroHex {
				return fmt.Errorf("%w: degree 1 node carries nullifier %d", chainerr.ErrDegreeMismatch, i)
			}
		}
		return nil
	}

	if n.Preceding == "" {
		return fmt.Errorf("%w: degree %d node has no preceding node", chainerr.ErrPrecedingNotFound, n.Degree)
	}
	parent, err := s.backend.GetNode(ctx, n.Preceding)
	if errors.Is(err, ErrNodeNotFound) {
		return fmt.Errorf("%w: %s", chainerr.ErrPrecedingNotFound, n.Preceding)
	}
	if err != nil {
		return err
	}
	if parent.PhraseHash != n.PhraseHash {
		return fmt.Errorf("%w: %s belongs to another phrase", chainerr.ErrPrecedingNotFound, parent.ID)
	}
	if parent.Degree != n.Degree-1 {
		return fmt.Errorf("%w: preceding node has degree %d, expected %d",
			chainerr.ErrDegreeMismatch, parent.Degree, n.Degree-1)
	}
	if parent.Inactive {
		return fmt.Errorf("%w: %s", chainerr.ErrPrecedingInactive, parent.ID)
	}
	return checkNullifiers(n, parent)
}

// checkNullifiers requires n to carry its parent's nullifiers, one new
// nonzero nullifier at slot degree-2, and zeros after it.
func checkNullifiers(n, parent *Node) error {
	slot := n.Degree - 2
	for i, v := range n.Nullifiers {
		switch {
		case i < slot && v != parent.Nullifiers[i]:
			return fmt.Errorf("%w: nullifier %d differs from the preceding node", chainerr.ErrDegreeMismatch, i)
		case i == slot && v == zeroHex:
			return fmt.Errorf("%w: missing nullifier at slot %d", chainerr.ErrDegreeMismatch, i)
		case i > slot && v != zeroHex:
			return fmt.Errorf("%w: unexpected nullifier at slot %d", chainerr.ErrDegreeMismatch, i)
		}
	}
	return nil
}

// pruneSupersededChain walks back from the owner's superseded frontier,
// deleting inactive nodes that nothing builds on. It stops at the first node
// with dependents or at a node that is still some owner's frontier.
func (s *Store) pruneSupersededChain(ctx context.Context, owner, phraseHash, oldID string) ([]string, error) {
	var deleted []string
	conflicts := 0

	for cur := oldID; cur != ""; {
		n, err := s.backend.GetNode(ctx, cur)
		if errors.Is(err, ErrNodeNotFound) {
			// another walk got here first
			return deleted, nil
		}
		if err != nil {
			return deleted, err
		}
		if len(n.Proceeding) > 0 || !n.Inactive {
			s.logger.Debug("prune stopped",
				"owner", owner, "phrase", phraseHash, "at", n.ID,
				"dependents", len(n.Proceeding), "inactive", n.Inactive)
			break
		}

		err = s.backend.DeleteLeaf(ctx, n.ID)
		switch {
		case err == nil:
			deleted = append(deleted, n.ID)
			cur = n.Preceding
		case errors.Is(err, ErrHasDependents), errors.Is(err, ErrNotDeletable), errors.Is(err, ErrNodeNotFound):
			cur = ""
		case chainerr.IsRetryable(err) && conflicts < s.cfg.MaxRetries:
			conflicts++
		default:
			return deleted, err
		}
	}

	if len(deleted) > 0 {
		s.logger.Info("pruned superseded chain", "owner", owner, "phrase", phraseHash, "deleted", deleted)
	}
	return deleted, nil
}

// EdgeSource lists the identities that vouch for a recipient.
type EdgeSource interface {
	ActiveSenders(ctx context.Context, recipient crypto.PublicKey) ([]crypto.PublicKey, error)
}

// Adoptable is a neighbor's frontier an identity can build its next hop from.
type Adoptable struct {
	Sender crypto.PublicKey
	Node   *Node

	// Degree is the degree the identity would reach by building on Node.
	Degree int

	// Current is the identity's current degree for the phrase, or 0.
	Current int
}

// FindAdoptableProofs returns the frontiers of identity's active senders that
// would improve identity's degree by at least the configured threshold.
func (s *Store) FindAdoptableProofs(ctx context.Context, edges EdgeSource, identity crypto.PublicKey) ([]Adoptable, error) {
	self := crypto.DisplayID(identity)

	own, err := s.backend.Frontiers(ctx, self)
	if err != nil {
		return nil, fmt.Errorf("read own frontiers: %w", err)
	}
	current := make(map[string]int, len(own))
	for _, n := range own {
		current[n.PhraseHash] = n.Degree
	}

	senders, err := edges.ActiveSenders(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("list senders: %w", err)
	}

	var out []Adoptable
	for _, sender := range senders {
		owner := crypto.DisplayID(sender)
		if owner == self {
			continue
		}
		frontiers, err := s.backend.Frontiers(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("read frontiers of %s: %w", owner, err)
		}
		for _, f := range frontiers {
			degree := f.Degree + 1
			if degree > s.cfg.MaxDegree {
				continue
			}
			best, has := current[f.PhraseHash]
			if has && best-degree < s.cfg.ImprovementThreshold {
				continue
			}
			out = append(out, Adoptable{Sender: sender, Node: f, Degree: degree, Current: best})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Node.PhraseHash != out[j].Node.PhraseHash {
			return out[i].Node.PhraseHash < out[j].Node.PhraseHash
		}
		if out[i].Degree != out[j].Degree {
			return out[i].Degree < out[j].Degree
		}
		return out[i].Node.ID < out[j].Node.ID
	})
	return out, nil
}

// ChainSnapshot returns every live node of a phrase ordered root to leaf:
// by degree, then creation time, then id.
func (s *Store) ChainSnapshot(ctx context.Context, phraseHash string) ([]*Node, error) {
	nodes, err := s.backend.PhraseNodes(ctx, phraseHash)
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.Degree != b.Degree {
			return a.Degree < b.Degree
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return nodes, nil
}

// Path returns the nodes from the phrase root down to id.
func (s *Store) Path(ctx context.Context, id string) ([]*Node, error) {
	var path []*Node
	for cur := id; cur != ""; {
		n, err := s.backend.GetNode(ctx, cur)
		if err != nil {
			return nil, err
		}
		path = append(path, n)
		if len(path) > ivc.MaxDegree {
			return nil, fmt.Errorf("%w: path from %s exceeds max degree", chainerr.ErrChainInconsistency, id)
		}
		cur = n.Preceding
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Phrases lists every phrase hash the store has ever held a node for.
// Frontiers are never pruned, so each listed phrase keeps at least one live
// node.
func (s *Store) Phrases(ctx context.Context) ([]string, error) {
	return s.backend.Phrases(ctx)
}

// Frontier returns the owner's active node for a phrase, or nil.
func (s *Store) Frontier(ctx context.Context, owner, phraseHash string) (*Node, error) {
	return s.backend.Frontier(ctx, owner, phraseHash)
}
