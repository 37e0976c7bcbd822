// Package relationship supplies authorization edges between identities.
//
// An edge sender→recipient carries the authorization the recipient needs to
// build a hop from the sender's proof. Edges are created pending and become
// active once the recipient adds the reverse edge.
package relationship

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mach-34/grapevine/internal/chainerr"
	"github.com/Mach-34/grapevine/internal/crypto"
)

var (
	// ErrEdgeExists is returned when adding an edge that already exists.
	ErrEdgeExists = errors.New("relationship: edge already exists")

	// ErrSelfEdge is returned when an identity adds an edge to itself.
	ErrSelfEdge = errors.New("relationship: cannot relate an identity to itself")
)

// Status is the lifecycle state of an edge.
type Status int

const (
	StatusPending Status = iota
	StatusActive
)

func (s Status) String() string {
	if s == StatusActive {
		return "active"
	}
	return "pending"
}

// Directory is the read side the proving flow consumes.
type Directory interface {
	// GetAuthorization returns the decrypted authorization of the active
	// edge sender→recipient.
	GetAuthorization(ctx context.Context, sender, recipient crypto.PublicKey) (*crypto.Authorization, error)

	// HasActiveEdge reports whether sender→recipient exists and is active.
	HasActiveEdge(ctx context.Context, sender, recipient crypto.PublicKey) (bool, error)

	// ActiveSenders lists every identity holding an active edge to recipient.
	ActiveSenders(ctx context.Context, recipient crypto.PublicKey) ([]crypto.PublicKey, error)
}

// Edge is one directed authorization.
type Edge struct {
	Sender    crypto.PublicKey
	Recipient crypto.PublicKey
	Auth      *crypto.Authorization
	Status    Status
	CreatedAt time.Time
}

type edgeKey struct {
	sender    string
	recipient string
}

func keyOf(sender, recipient crypto.PublicKey) edgeKey {
	return edgeKey{sender: crypto.DisplayID(sender), recipient: crypto.DisplayID(recipient)}
}

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu    sync.RWMutex
	edges map[edgeKey]*Edge
	now   func() time.Time
}

var _ Directory = (*MemoryDirectory)(nil)

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		edges: make(map[edgeKey]*Edge),
		now:   time.Now,
	}
}

// Add creates the edge sender→recipient with a freshly issued authorization.
// If recipient already added the reverse edge, both become active.
func (d *MemoryDirectory) Add(ctx context.Context, sender *crypto.Identity, recipient crypto.PublicKey) (*Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if crypto.DisplayID(recipient) == sender.ID {
		return nil, ErrSelfEdge
	}

	auth, err := crypto.IssueAuthorization(sender, recipient)
	if err != nil {
		return nil, fmt.Errorf("issue authorization: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := keyOf(sender.PublicKey(), recipient)
	if _, ok := d.edges[key]; ok {
		return nil, ErrEdgeExists
	}

	edge := &Edge{
		Sender:    sender.PublicKey(),
		Recipient: recipient,
		Auth:      auth,
		Status:    StatusPending,
		CreatedAt: d.now(),
	}
	if reverse, ok := d.edges[keyOf(recipient, sender.PublicKey())]; ok {
		reverse.Status = StatusActive
		edge.Status = StatusActive
	}
	d.edges[key] = edge

	out := *edge
	return &out, nil
}

// Pending lists edges addressed to recipient that it has not reciprocated.
func (d *MemoryDirectory) Pending(ctx context.Context, recipient crypto.PublicKey) ([]Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := crypto.DisplayID(recipient)

	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Edge
	for key, edge := range d.edges {
		if key.recipient == id && edge.Status == StatusPending {
			out = append(out, *edge)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetAuthorization implements Directory.
func (d *MemoryDirectory) GetAuthorization(ctx context.Context, sender, recipient crypto.PublicKey) (*crypto.Authorization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	edge, ok := d.edges[keyOf(sender, recipient)]
	var auth crypto.Authorization
	active := ok && edge.Status == StatusActive
	if active {
		auth = *edge.Auth
	}
	d.mu.RUnlock()

	if !active {
		return nil, fmt.Errorf("%w: no active edge %s -> %s",
			chainerr.ErrNoAuthorization, crypto.DisplayID(sender), crypto.DisplayID(recipient))
	}
	if err := auth.Verify(recipient); err != nil {
		return nil, err
	}
	auth.Signature = append([]byte(nil), auth.Signature...)
	return &auth, nil
}

// HasActiveEdge implements Directory.
func (d *MemoryDirectory) HasActiveEdge(ctx context.Context, sender, recipient crypto.PublicKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	edge, ok := d.edges[keyOf(sender, recipient)]
	return ok && edge.Status == StatusActive, nil
}

// ActiveSenders implements Directory.
func (d *MemoryDirectory) ActiveSenders(ctx context.Context, recipient crypto.PublicKey) ([]crypto.PublicKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := crypto.DisplayID(recipient)

	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []crypto.PublicKey
	for key, edge := range d.edges {
		if key.recipient == id && edge.Status == StatusActive {
			out = append(out, edge.Sender)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return crypto.DisplayID(out[i]) < crypto.DisplayID(out[j])
	})
	return out, nil
}
