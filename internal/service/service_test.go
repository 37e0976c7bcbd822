package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mach-34/grapevine/internal/chainerr"
	"github.com/Mach-34/grapevine/internal/crypto"
	"github.com/Mach-34/grapevine/internal/folding"
	"github.com/Mach-34/grapevine/internal/proofchain"
	"github.com/Mach-34/grapevine/internal/relationship"
	"github.com/Mach-34/grapevine/pkg/field"
	"github.com/Mach-34/grapevine/pkg/ivc"
)

const testPhrase = "the owls are not what they seem"

type harness struct {
	svc     *Service
	store   *proofchain.Store
	dir     *relationship.MemoryDirectory
	session *folding.Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	session, err := folding.NewSession(ivc.NewHashFold([]byte("test")), folding.DefaultConfig(), nil)
	require.NoError(t, err)
	store, err := proofchain.NewStore(proofchain.NewMemoryBackend(), proofchain.DefaultConfig(), nil)
	require.NoError(t, err)
	dir := relationship.NewMemoryDirectory()
	svc, err := New(session, store, dir, nil)
	require.NoError(t, err)
	return &harness{svc: svc, store: store, dir: dir, session: session}
}

func (h *harness) identity(t *testing.T, name string) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity(name)
	require.NoError(t, err)
	return id
}

func (h *harness) relate(t *testing.T, a, b *crypto.Identity) {
	t.Helper()
	ctx := context.Background()
	_, err := h.dir.Add(ctx, a, b.PublicKey())
	require.NoError(t, err)
	_, err = h.dir.Add(ctx, b, a.PublicKey())
	require.NoError(t, err)
}

func TestNewRejectsNil(t *testing.T) {
	_, err := New(nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNilSession)
}

func TestEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob, carol := h.identity(t, "alice"), h.identity(t, "bob"), h.identity(t, "carol")
	h.relate(t, alice, bob)
	h.relate(t, bob, carol)

	root, err := h.svc.ProveIdentity(ctx, alice, testPhrase)
	require.NoError(t, err)
	assert.Equal(t, 1, root.Node.Degree)

	hop, err := h.svc.ProveDegree(ctx, bob, alice.PublicKey(), root.Node.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, hop.Node.Degree)
	assert.Equal(t, root.Node.ID, hop.Node.Preceding)

	hop3, err := h.svc.ProveDegree(ctx, carol, bob.PublicKey(), hop.Node.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, hop3.Node.Degree)

	// the stored proof verifies at its degree and names the root as scope
	outs, err := h.session.Verify(ctx, hop3.Node.ProofBlob, 3)
	require.NoError(t, err)
	assert.True(t, field.Equal(alice.Address(), outs.Scope()))
	assert.True(t, field.Equal(carol.Address(), outs.Relation()))

	// the node's auth hash identifies the edge bob -> carol
	auth, err := h.dir.GetAuthorization(ctx, bob.PublicKey(), carol.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, field.Hex(auth.AuthHash(carol.PublicKey())), hop3.Node.AuthHash)

	phraseHash, err := PhraseHash(testPhrase)
	require.NoError(t, err)
	require.NoError(t, h.store.CheckInvariants(ctx, phraseHash))
}

func TestProveDegreeRequiresEdge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob, mallory := h.identity(t, "alice"), h.identity(t, "bob"), h.identity(t, "mallory")

	root, err := h.svc.ProveIdentity(ctx, alice, testPhrase)
	require.NoError(t, err)

	t.Run("no edge", func(t *testing.T) {
		_, err := h.svc.ProveDegree(ctx, bob, alice.PublicKey(), root.Node.ID)
		assert.ErrorIs(t, err, chainerr.ErrNoAuthorization)
	})

	t.Run("pending edge", func(t *testing.T) {
		_, err := h.dir.Add(ctx, alice, bob.PublicKey())
		require.NoError(t, err)
		_, err = h.svc.ProveDegree(ctx, bob, alice.PublicKey(), root.Node.ID)
		assert.ErrorIs(t, err, chainerr.ErrNoAuthorization)
	})

	t.Run("sender does not hold the node", func(t *testing.T) {
		h.relate(t, mallory, bob)
		_, err := h.svc.ProveDegree(ctx, bob, mallory.PublicKey(), root.Node.ID)
		assert.ErrorIs(t, err, chainerr.ErrNoAuthorization)
	})

	t.Run("unknown node", func(t *testing.T) {
		_, err := h.svc.ProveDegree(ctx, bob, alice.PublicKey(), "missing")
		assert.ErrorIs(t, err, chainerr.ErrPrecedingNotFound)
	})
}

func TestProveDegreeRejectsTamperedPrecedingProof(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob := h.identity(t, "alice"), h.identity(t, "bob")
	h.relate(t, alice, bob)

	// a node whose proof was minted under a different engine key
	other, err := folding.NewSession(ivc.NewHashFold([]byte("other")), folding.DefaultConfig(), nil)
	require.NoError(t, err)
	otherSvc, err := New(other, h.store, h.dir, nil)
	require.NoError(t, err)
	root, err := otherSvc.ProveIdentity(ctx, alice, testPhrase)
	require.NoError(t, err)

	_, err = h.svc.ProveDegree(ctx, bob, alice.PublicKey(), root.Node.ID)
	assert.ErrorIs(t, err, chainerr.ErrProofVerificationFailed)
	assert.True(t, chainerr.IsCryptographic(err))

	f, err := h.store.Frontier(ctx, bob.ID, root.Node.PhraseHash)
	require.NoError(t, err)
	assert.Nil(t, f, "no node is stored for a rejected proof")
}

func TestProveIdentityPhraseTooLong(t *testing.T) {
	h := newHarness(t)
	alice := h.identity(t, "alice")
	long := make([]byte, field.MaxPhraseBytes+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := h.svc.ProveIdentity(context.Background(), alice, string(long))
	assert.ErrorIs(t, err, chainerr.ErrPhraseTooLong)
}

func TestProveIdentityTwiceIsNoImprovement(t *testing.T) {
	h := newHarness(t)
	alice := h.identity(t, "alice")
	_, err := h.svc.ProveIdentity(context.Background(), alice, testPhrase)
	require.NoError(t, err)
	_, err = h.svc.ProveIdentity(context.Background(), alice, testPhrase)
	assert.ErrorIs(t, err, chainerr.ErrThresholdNotMet)
}

func TestAdopt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob, carol := h.identity(t, "alice"), h.identity(t, "bob"), h.identity(t, "carol")
	h.relate(t, alice, bob)
	h.relate(t, bob, carol)
	h.relate(t, alice, carol)

	root, err := h.svc.ProveIdentity(ctx, alice, testPhrase)
	require.NoError(t, err)

	// bob adopts from alice
	results, err := h.svc.Adopt(ctx, bob)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Node.Degree)

	// carol could build from bob at 3 or from alice at 2 and takes alice
	results, err = h.svc.Adopt(ctx, carol)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Node.Degree)
	assert.Equal(t, root.Node.ID, results[0].Node.Preceding)

	// nothing left to improve
	results, err = h.svc.Adopt(ctx, carol)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestAdoptSupersedesLongerChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob, carol := h.identity(t, "alice"), h.identity(t, "bob"), h.identity(t, "carol")
	h.relate(t, alice, bob)
	h.relate(t, bob, carol)

	root, err := h.svc.ProveIdentity(ctx, alice, testPhrase)
	require.NoError(t, err)
	hop, err := h.svc.ProveDegree(ctx, bob, alice.PublicKey(), root.Node.ID)
	require.NoError(t, err)
	long, err := h.svc.ProveDegree(ctx, carol, bob.PublicKey(), hop.Node.ID)
	require.NoError(t, err)

	// carol meets alice
	h.relate(t, alice, carol)
	results, err := h.svc.Adopt(ctx, carol)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, long.Node.ID, results[0].Superseded)
	assert.Equal(t, []string{long.Node.ID}, results[0].Pruned)

	require.NoError(t, h.store.CheckInvariants(ctx, root.Node.PhraseHash))
}

// relinkSetup builds alice -> bob -> carol, then has bob learn the phrase
// himself. It returns carol's stale hop and bob's new root.
func relinkSetup(t *testing.T, h *harness) (carol, bob *crypto.Identity, stale, newRoot *proofchain.AppendResult) {
	t.Helper()
	ctx := context.Background()
	alice := h.identity(t, "alice")
	bob, carol = h.identity(t, "bob"), h.identity(t, "carol")
	h.relate(t, alice, bob)
	h.relate(t, bob, carol)

	root, err := h.svc.ProveIdentity(ctx, alice, testPhrase)
	require.NoError(t, err)
	hop, err := h.svc.ProveDegree(ctx, bob, alice.PublicKey(), root.Node.ID)
	require.NoError(t, err)
	stale, err = h.svc.ProveDegree(ctx, carol, bob.PublicKey(), hop.Node.ID)
	require.NoError(t, err)
	newRoot, err = h.svc.ProveIdentity(ctx, bob, testPhrase)
	require.NoError(t, err)
	require.Equal(t, hop.Node.ID, newRoot.Superseded)
	return carol, bob, stale, newRoot
}

func TestRelinkAfterSenderSupersedes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	carol, bob, stale, newRoot := relinkSetup(t, h)

	// the bob -> carol edge yields the same nullifier on the new chain
	res, err := h.svc.ProveDegree(ctx, carol, bob.PublicKey(), newRoot.Node.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Node.Degree)
	assert.Equal(t, stale.Node.ID, res.Superseded)
	assert.Equal(t, []string{stale.Node.ID, newRoot.Superseded}, res.Pruned)

	staleNullifier, _ := stale.Node.Contributed()
	newNullifier, _ := res.Node.Contributed()
	assert.Equal(t, staleNullifier, newNullifier)

	require.NoError(t, h.store.CheckInvariants(ctx, res.Node.PhraseHash))
}

func TestAdoptRelinksAfterSenderSupersedes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	carol, _, stale, newRoot := relinkSetup(t, h)

	results, err := h.svc.Adopt(ctx, carol)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, newRoot.Node.ID, results[0].Node.Preceding)
	assert.Equal(t, stale.Node.ID, results[0].Superseded)

	// nothing left to improve
	results, err = h.svc.Adopt(ctx, carol)
	require.NoError(t, err)
	assert.Empty(t, results)
	require.NoError(t, h.store.CheckInvariants(ctx, newRoot.Node.PhraseHash))
}
