package proofchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mach-34/grapevine/internal/chainerr"
	"github.com/Mach-34/grapevine/internal/crypto"
	"github.com/Mach-34/grapevine/pkg/field"
)

const phrase = "5f2a"

type backendFactory struct {
	name string
	new  func(t *testing.T) Backend
}

// backends returns the in-memory backend and, when GRAPEVINE_TEST_REDIS_URL
// is set, a Redis backend under a fresh key prefix.
func backends(t *testing.T) []backendFactory {
	out := []backendFactory{{
		name: "memory",
		new:  func(*testing.T) Backend { return NewMemoryBackend() },
	}}
	if url := os.Getenv("GRAPEVINE_TEST_REDIS_URL"); url != "" {
		out = append(out, backendFactory{
			name: "redis",
			new: func(t *testing.T) Backend {
				b, err := NewRedisBackend(RedisConfig{
					URL:       url,
					KeyPrefix: "gvtest:" + uuid.NewString(),
					LockTTL:   5 * time.Second,
				})
				require.NoError(t, err)
				require.NoError(t, b.Ping(context.Background()))
				t.Cleanup(func() { b.Close() })
				return b
			},
		})
	}
	return out
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s *Store)) {
	for _, f := range backends(t) {
		t.Run(f.name, func(t *testing.T) {
			s, err := NewStore(f.new(t), DefaultConfig(), nil)
			require.NoError(t, err)
			fn(t, s)
		})
	}
}

var nullifierSeq atomic.Uint64

func freshNullifier() string {
	var e field.Element
	e.SetUint64(1000 + nullifierSeq.Add(1))
	return field.Hex(e)
}

func rootNode(owner string) *Node {
	return &Node{Owner: owner, PhraseHash: phrase, Degree: 1}
}

func childNode(parent *Node, owner string) *Node {
	n := &Node{
		Owner:      owner,
		PhraseHash: parent.PhraseHash,
		Degree:     parent.Degree + 1,
		Preceding:  parent.ID,
		Nullifiers: parent.Nullifiers,
	}
	n.Nullifiers[n.Degree-2] = freshNullifier()
	return n
}

// relinkNode is childNode over an edge the owner already used, so it
// contributes the same nullifier as prev.
func relinkNode(parent, prev *Node) *Node {
	n := childNode(parent, prev.Owner)
	c, _ := prev.Contributed()
	n.Nullifiers[n.Degree-2] = c
	return n
}

func mustAppend(t *testing.T, s *Store, n *Node) *Node {
	t.Helper()
	res, err := s.AppendProof(context.Background(), n)
	require.NoError(t, err)
	require.NoError(t, res.PruneErr)
	return res.Node
}

func mustGet(t *testing.T, s *Store, id string) *Node {
	t.Helper()
	n, err := s.Backend().GetNode(context.Background(), id)
	require.NoError(t, err)
	return n
}

func requireInvariants(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.CheckInvariants(context.Background(), phrase))
}

func TestScenarios(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()

		// A: Alice submits an identity proof
		alice := mustAppend(t, s, rootNode("alice"))
		snap, err := s.ChainSnapshot(ctx, phrase)
		require.NoError(t, err)
		require.Len(t, snap, 1)
		assert.Equal(t, 1, snap[0].Degree)
		assert.False(t, snap[0].Inactive)
		assert.Equal(t, "alice", snap[0].Owner)

		// B: Bob builds from Alice
		bob := mustAppend(t, s, childNode(alice, "bob"))
		assert.Equal(t, []string{bob.ID}, mustGet(t, s, alice.ID).Proceeding)

		// C: Carol builds from Bob
		carol := mustAppend(t, s, childNode(bob, "carol"))
		assert.Equal(t, []string{carol.ID}, mustGet(t, s, bob.ID).Proceeding)
		requireInvariants(t, s)

		// D: another edge to Bob at degree 2 does not improve
		_, err = s.AppendProof(ctx, childNode(alice, "bob"))
		assert.ErrorIs(t, err, chainerr.ErrThresholdNotMet)
		snap, err = s.ChainSnapshot(ctx, phrase)
		require.NoError(t, err)
		assert.Len(t, snap, 3)
		assert.Equal(t, []string{bob.ID}, mustGet(t, s, alice.ID).Proceeding)

		// E: Bob learns the phrase directly; his degree 2 node stays for Carol
		res, err := s.AppendProof(ctx, rootNode("bob"))
		require.NoError(t, err)
		assert.Equal(t, bob.ID, res.Superseded)
		assert.Empty(t, res.Pruned)

		oldBob := mustGet(t, s, bob.ID)
		assert.True(t, oldBob.Inactive)
		assert.Equal(t, []string{carol.ID}, oldBob.Proceeding)
		a := mustGet(t, s, alice.ID)
		assert.False(t, a.Inactive)
		assert.Equal(t, []string{bob.ID}, a.Proceeding)
		requireInvariants(t, s)

		// Carol moves to Bob's new root over the same Bob edge; the stale
		// branch collapses up to Alice
		newBob := res.Node
		res, err = s.AppendProof(ctx, relinkNode(newBob, carol))
		require.NoError(t, err)
		assert.Equal(t, carol.ID, res.Superseded)
		assert.Equal(t, []string{carol.ID, bob.ID}, res.Pruned)
		require.NoError(t, res.PruneErr)
		assert.Equal(t, 2, res.Node.Degree)

		_, err = s.Backend().GetNode(ctx, bob.ID)
		assert.ErrorIs(t, err, ErrNodeNotFound)
		a = mustGet(t, s, alice.ID)
		assert.False(t, a.Inactive, "another owner's frontier is never touched")
		assert.Empty(t, a.Proceeding)

		contributed, _ := res.Node.Contributed()
		claims, err := s.Backend().Nullifiers(ctx, phrase)
		require.NoError(t, err)
		assert.Equal(t, res.Node.ID, claims[contributed], "pruning the old hop keeps the moved claim")
		requireInvariants(t, s)
	})
}

func TestRelinkKeepsClaimWithDependents(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		alice := mustAppend(t, s, rootNode("alice"))
		bob := mustAppend(t, s, childNode(alice, "bob"))
		carol := mustAppend(t, s, childNode(bob, "carol"))
		mustAppend(t, s, childNode(carol, "dave"))
		newBob := mustAppend(t, s, rootNode("bob"))

		res, err := s.AppendProof(ctx, relinkNode(newBob, carol))
		require.NoError(t, err)
		assert.Empty(t, res.Pruned, "dave still builds on carol's old hop")
		assert.True(t, mustGet(t, s, carol.ID).Inactive)

		claims, err := s.Backend().Nullifiers(ctx, phrase)
		require.NoError(t, err)
		contributed, _ := carol.Contributed()
		assert.Equal(t, res.Node.ID, claims[contributed])
		requireInvariants(t, s)

		// the edge still belongs to carol alone
		replay := childNode(newBob, "erin")
		replay.Nullifiers[0] = contributed
		_, err = s.AppendProof(ctx, replay)
		assert.ErrorIs(t, err, chainerr.ErrNullifierReuse)
	})
}

func TestNullifierReuse(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		alice := mustAppend(t, s, rootNode("alice"))
		bob := mustAppend(t, s, childNode(alice, "bob"))

		replay := childNode(alice, "dave")
		replay.Nullifiers = bob.Nullifiers
		_, err := s.AppendProof(ctx, replay)
		assert.ErrorIs(t, err, chainerr.ErrNullifierReuse)
		assert.True(t, chainerr.IsCryptographic(err))

		f, err := s.Frontier(ctx, "dave", phrase)
		require.NoError(t, err)
		assert.Nil(t, f, "rejected append leaves no trace")
		requireInvariants(t, s)
	})
}

func TestPruneReleasesNullifier(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		alice := mustAppend(t, s, rootNode("alice"))
		dave := mustAppend(t, s, childNode(alice, "dave"))

		res, err := s.AppendProof(context.Background(), rootNode("dave"))
		require.NoError(t, err)
		assert.Equal(t, []string{dave.ID}, res.Pruned)

		again := childNode(alice, "erin")
		again.Nullifiers = dave.Nullifiers
		mustAppend(t, s, again)
		requireInvariants(t, s)
	})
}

func TestAppendValidation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		alice := mustAppend(t, s, rootNode("alice"))
		bob := mustAppend(t, s, childNode(alice, "bob"))

		tests := []struct {
			name string
			node func() *Node
			want error
		}{
			{"missing preceding", func() *Node {
				n := childNode(alice, "x")
				n.Preceding = "nope"
				return n
			}, chainerr.ErrPrecedingNotFound},
			{"root with preceding", func() *Node {
				n := rootNode("x")
				n.Preceding = alice.ID
				return n
			}, chainerr.ErrDegreeMismatch},
			{"wrong degree", func() *Node {
				n := childNode(alice, "x")
				n.Degree = 3
				return n
			}, chainerr.ErrDegreeMismatch},
			{"other phrase", func() *Node {
				n := childNode(alice, "x")
				n.PhraseHash = "other"
				return n
			}, chainerr.ErrPrecedingNotFound},
			{"dropped earlier nullifier", func() *Node {
				n := childNode(bob, "x")
				n.Nullifiers[0] = freshNullifier()
				return n
			}, chainerr.ErrDegreeMismatch},
			{"missing nullifier", func() *Node {
				n := childNode(alice, "x")
				n.Nullifiers[0] = ""
				return n
			}, chainerr.ErrDegreeMismatch},
			{"degree zero", func() *Node {
				n := rootNode("x")
				n.Degree = 0
				return n
			}, chainerr.ErrMaxDegreeExceeded},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := s.AppendProof(ctx, tt.node())
				assert.ErrorIs(t, err, tt.want)
			})
		}
		requireInvariants(t, s)
	})
}

func TestAppendOnInactivePreceding(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		alice := mustAppend(t, s, rootNode("alice"))
		bob := mustAppend(t, s, childNode(alice, "bob"))
		mustAppend(t, s, childNode(bob, "carol"))
		mustAppend(t, s, rootNode("bob"))

		_, err := s.AppendProof(context.Background(), childNode(bob, "dave"))
		assert.ErrorIs(t, err, chainerr.ErrPrecedingInactive)
	})
}

func TestMaxDegree(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDegree = 3
	s, err := NewStore(NewMemoryBackend(), cfg, nil)
	require.NoError(t, err)

	n := mustAppend(t, s, rootNode("u0"))
	for i := 1; i < 3; i++ {
		n = mustAppend(t, s, childNode(n, fmt.Sprintf("u%d", i)))
	}
	_, err = s.AppendProof(context.Background(), childNode(n, "u3"))
	assert.ErrorIs(t, err, chainerr.ErrMaxDegreeExceeded)
}

func TestImprovementThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ImprovementThreshold = 2
	s, err := NewStore(NewMemoryBackend(), cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	alice := mustAppend(t, s, rootNode("alice"))
	bob := mustAppend(t, s, childNode(alice, "bob"))
	carol := mustAppend(t, s, childNode(bob, "carol"))
	mustAppend(t, s, childNode(carol, "dave"))

	// dave at 4 -> 3 is only one degree better
	_, err = s.AppendProof(ctx, childNode(bob, "dave"))
	assert.ErrorIs(t, err, chainerr.ErrThresholdNotMet)

	// dave at 4 -> 2 meets the threshold
	res, err := s.AppendProof(ctx, childNode(alice, "dave"))
	require.NoError(t, err)
	assert.Len(t, res.Pruned, 1)
	requireInvariants(t, s)
}

func TestConcurrentFanOut(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		alice := mustAppend(t, s, rootNode("alice"))

		const owners = 16
		var wg sync.WaitGroup
		errs := make(chan error, owners)
		for i := 0; i < owners; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.AppendProof(context.Background(), childNode(alice, fmt.Sprintf("user-%d", i)))
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		assert.Len(t, mustGet(t, s, alice.ID).Proceeding, owners)
		requireInvariants(t, s)
	})
}

func TestConcurrentSameOwner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		chain := []*Node{mustAppend(t, s, rootNode("a"))}
		for _, owner := range []string{"b", "c", "d"} {
			chain = append(chain, mustAppend(t, s, childNode(chain[len(chain)-1], owner)))
		}

		var wg sync.WaitGroup
		for _, parent := range chain {
			wg.Add(1)
			go func(parent *Node) {
				defer wg.Done()
				_, err := s.AppendProof(ctx, childNode(parent, "zed"))
				if err != nil && !errors.Is(err, chainerr.ErrThresholdNotMet) {
					t.Errorf("unexpected error: %v", err)
				}
			}(parent)
		}
		wg.Wait()

		f, err := s.Frontier(ctx, "zed", phrase)
		require.NoError(t, err)
		require.NotNil(t, f)
		assert.Equal(t, 2, f.Degree, "the degree 2 append always wins")

		snap, err := s.ChainSnapshot(ctx, phrase)
		require.NoError(t, err)
		zed := 0
		for _, n := range snap {
			if n.Owner == "zed" {
				zed++
			}
		}
		assert.Equal(t, 1, zed, "superseded leaves are pruned")
		requireInvariants(t, s)
	})
}

type stubEdges map[string][]crypto.PublicKey

func (e stubEdges) ActiveSenders(_ context.Context, recipient crypto.PublicKey) ([]crypto.PublicKey, error) {
	return e[crypto.DisplayID(recipient)], nil
}

func TestFindAdoptableProofs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		ids := make(map[string]*crypto.Identity)
		for _, name := range []string{"alice", "bob", "carol", "dave"} {
			id, err := crypto.GenerateIdentity(name)
			require.NoError(t, err)
			ids[name] = id
		}

		alice := mustAppend(t, s, rootNode(ids["alice"].ID))
		bob := mustAppend(t, s, childNode(alice, ids["bob"].ID))
		carol := mustAppend(t, s, childNode(bob, ids["carol"].ID))
		dave := mustAppend(t, s, childNode(carol, ids["dave"].ID))

		edges := stubEdges{
			ids["dave"].ID: {ids["alice"].PublicKey(), ids["bob"].PublicKey(), ids["carol"].PublicKey()},
		}

		found, err := s.FindAdoptableProofs(ctx, edges, ids["dave"].PublicKey())
		require.NoError(t, err)
		// carol would give degree 4, which is no better than dave's current 4
		require.Len(t, found, 2)
		assert.Equal(t, alice.ID, found[0].Node.ID)
		assert.Equal(t, 2, found[0].Degree)
		assert.Equal(t, dave.Degree, found[0].Current)
		assert.Equal(t, bob.ID, found[1].Node.ID)
		assert.Equal(t, 3, found[1].Degree)

		// an identity with no node for the phrase can adopt anything
		newcomer, err := crypto.GenerateIdentity("newcomer")
		require.NoError(t, err)
		edges[newcomer.ID] = []crypto.PublicKey{ids["carol"].PublicKey()}
		found, err = s.FindAdoptableProofs(ctx, edges, newcomer.PublicKey())
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, 4, found[0].Degree)
		assert.Equal(t, 0, found[0].Current)
	})
}

func TestChainSnapshotAndPath(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		alice := mustAppend(t, s, rootNode("alice"))
		bob := mustAppend(t, s, childNode(alice, "bob"))
		carol := mustAppend(t, s, childNode(bob, "carol"))
		erin := mustAppend(t, s, childNode(alice, "erin"))

		snap, err := s.ChainSnapshot(ctx, phrase)
		require.NoError(t, err)
		require.Len(t, snap, 4)
		assert.Equal(t, alice.ID, snap[0].ID)
		assert.Equal(t, 2, snap[1].Degree)
		assert.Equal(t, 2, snap[2].Degree)
		assert.Equal(t, carol.ID, snap[3].ID)
		assert.ElementsMatch(t, []string{bob.ID, erin.ID}, snap[0].Proceeding)

		path, err := s.Path(ctx, carol.ID)
		require.NoError(t, err)
		require.Len(t, path, 3)
		assert.Equal(t, []string{alice.ID, bob.ID, carol.ID}, []string{path[0].ID, path[1].ID, path[2].ID})
	})
}

func TestCheckInvariantsDetectsCorruption(t *testing.T) {
	b := NewMemoryBackend()
	s, err := NewStore(b, DefaultConfig(), nil)
	require.NoError(t, err)

	alice := mustAppend(t, s, rootNode("alice"))
	bob := mustAppend(t, s, childNode(alice, "bob"))
	requireInvariants(t, s)

	// dangling dependent and a second active node for bob
	b.mu.Lock()
	b.nodes[alice.ID].proceeding["ghost"] = struct{}{}
	extra := childNode(alice, "bob")
	extra.ID = "extra"
	b.nodes[extra.ID] = &memNode{node: extra, proceeding: map[string]struct{}{}}
	b.phrases[phrase][extra.ID] = struct{}{}
	b.mu.Unlock()

	err = s.CheckInvariants(context.Background(), phrase)
	require.Error(t, err)
	assert.ErrorIs(t, err, chainerr.ErrChainInconsistency)
	assert.False(t, chainerr.IsRetryable(err))

	var inv *InvariantError
	require.True(t, errors.As(err, &inv))
	assert.NotEmpty(t, inv.Violations)
	assert.Contains(t, err.Error(), "owner bob has 2 active nodes")
	assert.Contains(t, err.Error(), bob.ID)
}

func TestKeyedLockHonorsContext(t *testing.T) {
	b := NewMemoryBackend()
	unlock, err := b.Lock(context.Background(), "alice", phrase)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Lock(ctx, "alice", phrase)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// other keys are independent
	other, err := b.Lock(context.Background(), "bob", phrase)
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := b.Lock(context.Background(), "alice", phrase)
	require.NoError(t, err)
	again()

	b.locks.mu.Lock()
	assert.Empty(t, b.locks.locks)
	b.locks.mu.Unlock()
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"zero threshold", func(c *Config) { c.ImprovementThreshold = 0 }, false},
		{"degree too deep", func(c *Config) { c.MaxDegree = 10 }, false},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

func TestPhrasesSurvivePruning(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		alice := mustAppend(t, s, rootNode("alice"))
		mustAppend(t, s, childNode(alice, "dave"))
		res, err := s.AppendProof(ctx, rootNode("dave"))
		require.NoError(t, err)
		require.Len(t, res.Pruned, 1)

		phrases, err := s.Phrases(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{phrase}, phrases)

		snap, err := s.ChainSnapshot(ctx, phrase)
		require.NoError(t, err)
		assert.Len(t, snap, 2, "both roots stay live")
	})
}

func TestCheckNullifierIndexOwners(t *testing.T) {
	shared := freshNullifier()
	hop := func(id, owner string) *Node {
		n := &Node{ID: id, Owner: owner, PhraseHash: phrase, Degree: 2}
		n.Nullifiers[0] = shared
		return n
	}

	same := []*Node{hop("old", "carol"), hop("new", "carol")}
	assert.Empty(t, checkNullifierIndex(same, map[string]string{shared: "new"}))

	mixed := []*Node{hop("carol", "carol"), hop("erin", "erin")}
	v := checkNullifierIndex(mixed, map[string]string{shared: "carol"})
	require.Len(t, v, 1)
	assert.Contains(t, v[0], "contributed by [carol erin]")

	assert.Len(t, checkNullifierIndex(same, map[string]string{}), 1, "unclaimed")
}
