package proofchain

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Mach-34/grapevine/internal/chainerr"
)

type ownerPhrase struct {
	owner  string
	phrase string
}

type memNode struct {
	node       *Node
	proceeding map[string]struct{}
}

func (m *memNode) snapshot() *Node {
	out := m.node.Clone()
	out.Proceeding = make([]string, 0, len(m.proceeding))
	for id := range m.proceeding {
		out.Proceeding = append(out.Proceeding, id)
	}
	out.normalize()
	return out
}

// MemoryBackend keeps the DAG in process. Nothing survives a restart, so it
// serves tests, simulations and single-process daemons.
//
// # Thread Safety
//
// MemoryBackend is safe for concurrent use. Commits take one short write
// lock; appends for distinct (owner, phrase) keys otherwise proceed in
// parallel. Returned nodes are copies.
type MemoryBackend struct {
	locks keyedLocks

	mu         sync.RWMutex
	nodes      map[string]*memNode
	frontiers  map[ownerPhrase]string
	nullifiers map[string]map[string]string // phrase -> nullifier -> node id
	phrases    map[string]map[string]struct{}
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		locks:      keyedLocks{locks: make(map[string]*keyLock)},
		nodes:      make(map[string]*memNode),
		frontiers:  make(map[ownerPhrase]string),
		nullifiers: make(map[string]map[string]string),
		phrases:    make(map[string]map[string]struct{}),
	}
}

// Lock implements Backend.
func (b *MemoryBackend) Lock(ctx context.Context, owner, phraseHash string) (func(), error) {
	return b.locks.lock(ctx, owner+"|"+phraseHash)
}

// InsertNode implements Backend.
func (b *MemoryBackend) InsertNode(ctx context.Context, ins Insert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := ins.Node
	key := ownerPhrase{owner: n.Owner, phrase: n.PhraseHash}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frontiers[key] != ins.Supersedes {
		return fmt.Errorf("%w: frontier of %s moved", chainerr.ErrStorageConflict, n.Owner)
	}
	if _, ok := b.nodes[n.ID]; ok {
		return fmt.Errorf("%w: node id %s already exists", chainerr.ErrStorageConflict, n.ID)
	}

	contributed, hasNullifier := n.Contributed()
	if hasNullifier {
		if holder, ok := b.nullifiers[n.PhraseHash][contributed]; ok {
			// the owner's own earlier hop over the same edge hands its claim on
			if h, live := b.nodes[holder]; !live || h.node.Owner != n.Owner {
				return fmt.Errorf("%w: nullifier already used by node %s", chainerr.ErrNullifierReuse, holder)
			}
		}
	}

	var parent *memNode
	if n.Preceding != "" {
		p, ok := b.nodes[n.Preceding]
		if !ok {
			return fmt.Errorf("%w: %s", chainerr.ErrPrecedingNotFound, n.Preceding)
		}
		if p.node.Inactive {
			return fmt.Errorf("%w: %s", chainerr.ErrPrecedingInactive, n.Preceding)
		}
		parent = p
	}

	stored := n.Clone()
	stored.Proceeding = nil
	stored.Inactive = false
	b.nodes[n.ID] = &memNode{node: stored, proceeding: make(map[string]struct{})}

	if hasNullifier {
		if b.nullifiers[n.PhraseHash] == nil {
			b.nullifiers[n.PhraseHash] = make(map[string]string)
		}
		b.nullifiers[n.PhraseHash][contributed] = n.ID
	}
	if parent != nil {
		parent.proceeding[n.ID] = struct{}{}
	}
	if b.phrases[n.PhraseHash] == nil {
		b.phrases[n.PhraseHash] = make(map[string]struct{})
	}
	b.phrases[n.PhraseHash][n.ID] = struct{}{}

	b.frontiers[key] = n.ID
	if old, ok := b.nodes[ins.Supersedes]; ok {
		old.node.Inactive = true
	}
	return nil
}

// DeleteLeaf implements Backend.
func (b *MemoryBackend) DeleteLeaf(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if !m.node.Inactive {
		return fmt.Errorf("%w: %s", ErrNotDeletable, id)
	}
	if len(m.proceeding) > 0 {
		return fmt.Errorf("%w: %s", ErrHasDependents, id)
	}

	n := m.node
	if parent, ok := b.nodes[n.Preceding]; ok {
		delete(parent.proceeding, id)
	}
	if contributed, ok := n.Contributed(); ok && b.nullifiers[n.PhraseHash][contributed] == id {
		delete(b.nullifiers[n.PhraseHash], contributed)
	}
	delete(b.phrases[n.PhraseHash], id)
	delete(b.nodes, id)
	return nil
}

// GetNode implements Backend.
func (b *MemoryBackend) GetNode(ctx context.Context, id string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	m, ok := b.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return m.snapshot(), nil
}

// Frontier implements Backend.
func (b *MemoryBackend) Frontier(ctx context.Context, owner, phraseHash string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	id, ok := b.frontiers[ownerPhrase{owner: owner, phrase: phraseHash}]
	if !ok {
		return nil, nil
	}
	m, ok := b.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: frontier %s of %s is missing", chainerr.ErrChainInconsistency, id, owner)
	}
	return m.snapshot(), nil
}

// Frontiers implements Backend.
func (b *MemoryBackend) Frontiers(ctx context.Context, owner string) ([]*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Node
	for key, id := range b.frontiers {
		if key.owner != owner {
			continue
		}
		if m, ok := b.nodes[id]; ok {
			out = append(out, m.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PhraseHash < out[j].PhraseHash })
	return out, nil
}

// PhraseNodes implements Backend.
func (b *MemoryBackend) PhraseNodes(ctx context.Context, phraseHash string) ([]*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Node, 0, len(b.phrases[phraseHash]))
	for id := range b.phrases[phraseHash] {
		if m, ok := b.nodes[id]; ok {
			out = append(out, m.snapshot())
		}
	}
	return out, nil
}

// Nullifiers implements Backend.
func (b *MemoryBackend) Nullifiers(ctx context.Context, phraseHash string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]string, len(b.nullifiers[phraseHash]))
	for n, id := range b.nullifiers[phraseHash] {
		out[n] = id
	}
	return out, nil
}

// Phrases implements Backend.
func (b *MemoryBackend) Phrases(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.phrases))
	for p := range b.phrases {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Close implements Backend.
func (b *MemoryBackend) Close() error { return nil }

// keyedLocks is a set of context-aware mutexes created on demand and
// discarded once nobody holds or waits on them.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func (k *keyedLocks) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

func (k *keyedLocks) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
