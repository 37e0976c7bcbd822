package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/Mach-34/grapevine/internal/chainerr"
	"github.com/Mach-34/grapevine/pkg/field"
)

// Authorization is the decrypted capability a sender grants a recipient to
// build the next hop of a chain from the sender's proof.
type Authorization struct {
	Sender PublicKey

	// Secret is the per-edge authorization secret chosen by the sender.
	Secret field.Element

	// Signature is the sender's signature over AuthMessage(Nullifier, recipient).
	Signature []byte
}

// IssueAuthorization creates an authorization from sender to recipient using
// a fresh secret sampled from system randomness.
func IssueAuthorization(sender *Identity, recipient PublicKey) (*Authorization, error) {
	return IssueAuthorizationFrom(sender, recipient, rand.Reader)
}

// IssueAuthorizationFrom is IssueAuthorization with an explicit randomness source.
func IssueAuthorizationFrom(sender *Identity, recipient PublicKey, r io.Reader) (*Authorization, error) {
	secret, err := field.Random(r)
	if err != nil {
		return nil, fmt.Errorf("sample auth secret: %w", err)
	}

	nullifier := Nullifier(secret, sender.PublicKey())
	sig, err := sender.Sign(AuthMessage(nullifier, Address(recipient)))
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}

	return &Authorization{
		Sender:    sender.PublicKey(),
		Secret:    secret,
		Signature: sig,
	}, nil
}

// Nullifier derives the value that marks an edge as consumed within a phrase.
func Nullifier(secret field.Element, sender PublicKey) field.Element {
	return field.Hash(secret, Address(sender))
}

// AuthMessage is the message a sender signs to vouch for a recipient.
func AuthMessage(nullifier, recipientAddress field.Element) field.Element {
	return field.Hash(nullifier, recipientAddress)
}

// Nullifier returns this authorization's nullifier.
func (a *Authorization) Nullifier() field.Element {
	return Nullifier(a.Secret, a.Sender)
}

// AuthHash identifies the edge a hop was built from, bound to its recipient.
func (a *Authorization) AuthHash(recipient PublicKey) field.Element {
	return AuthMessage(a.Nullifier(), Address(recipient))
}

// Verify checks that the authorization was signed by Sender for recipient.
func (a *Authorization) Verify(recipient PublicKey) error {
	if len(a.Signature) == 0 {
		return fmt.Errorf("%w: empty authorization signature", chainerr.ErrNoAuthorization)
	}
	if err := Verify(a.Sender, a.Signature, a.AuthHash(recipient)); err != nil {
		return fmt.Errorf("%w: %v", chainerr.ErrNoAuthorization, err)
	}
	return nil
}
