package relationship

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mach-34/grapevine/internal/chainerr"
	"github.com/Mach-34/grapevine/internal/crypto"
)

func newIdentity(t *testing.T, name string) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity(name)
	require.NoError(t, err)
	return id
}

func TestEdgeLifecycle(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	alice := newIdentity(t, "alice")
	bob := newIdentity(t, "bob")

	edge, err := d.Add(ctx, alice, bob.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, edge.Status)

	active, err := d.HasActiveEdge(ctx, alice.PublicKey(), bob.PublicKey())
	require.NoError(t, err)
	assert.False(t, active)

	_, err = d.GetAuthorization(ctx, alice.PublicKey(), bob.PublicKey())
	assert.ErrorIs(t, err, chainerr.ErrNoAuthorization)

	pending, err := d.Pending(ctx, bob.PublicKey())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, alice.ID, crypto.DisplayID(pending[0].Sender))

	// bob reciprocates
	edge, err = d.Add(ctx, bob, alice.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, StatusActive, edge.Status)

	for _, pair := range [][2]*crypto.Identity{{alice, bob}, {bob, alice}} {
		active, err := d.HasActiveEdge(ctx, pair[0].PublicKey(), pair[1].PublicKey())
		require.NoError(t, err)
		assert.True(t, active, "%s -> %s", pair[0].DisplayName, pair[1].DisplayName)
	}

	pending, err = d.Pending(ctx, bob.PublicKey())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGetAuthorization(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	alice := newIdentity(t, "alice")
	bob := newIdentity(t, "bob")

	_, err := d.Add(ctx, alice, bob.PublicKey())
	require.NoError(t, err)
	_, err = d.Add(ctx, bob, alice.PublicKey())
	require.NoError(t, err)

	auth, err := d.GetAuthorization(ctx, alice.PublicKey(), bob.PublicKey())
	require.NoError(t, err)
	require.NoError(t, auth.Verify(bob.PublicKey()))

	// the returned value is a copy
	auth.Signature[0] ^= 0xff
	again, err := d.GetAuthorization(ctx, alice.PublicKey(), bob.PublicKey())
	require.NoError(t, err)
	assert.NoError(t, again.Verify(bob.PublicKey()))
}

func TestAddRejectsDuplicatesAndSelf(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	alice := newIdentity(t, "alice")
	bob := newIdentity(t, "bob")

	_, err := d.Add(ctx, alice, bob.PublicKey())
	require.NoError(t, err)
	_, err = d.Add(ctx, alice, bob.PublicKey())
	assert.ErrorIs(t, err, ErrEdgeExists)

	_, err = d.Add(ctx, alice, alice.PublicKey())
	assert.ErrorIs(t, err, ErrSelfEdge)
}

func TestActiveSenders(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	alice := newIdentity(t, "alice")
	bob := newIdentity(t, "bob")
	carol := newIdentity(t, "carol")

	for _, id := range []*crypto.Identity{alice, carol} {
		_, err := d.Add(ctx, id, bob.PublicKey())
		require.NoError(t, err)
	}
	_, err := d.Add(ctx, bob, alice.PublicKey())
	require.NoError(t, err)

	senders, err := d.ActiveSenders(ctx, bob.PublicKey())
	require.NoError(t, err)
	require.Len(t, senders, 1, "carol's edge is still pending")
	assert.Equal(t, alice.ID, crypto.DisplayID(senders[0]))
}
