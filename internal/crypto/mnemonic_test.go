package crypto

import (
	"strings"
	"testing"

	"github.com/tyler-smith/go-bip39"
)

func TestNewIdentityWithMnemonic(t *testing.T) {
	identity, mnemonic, err := NewIdentityWithMnemonic("alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	words := strings.Split(mnemonic, " ")
	if len(words) != 24 {
		t.Errorf("expected 24 words, got %d", len(words))
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		t.Error("mnemonic is not valid")
	}
	if identity == nil {
		t.Fatal("identity is nil")
	}
}

func TestIdentityFromMnemonicDeterministic(t *testing.T) {
	_, mnemonic, err := NewIdentityWithMnemonic("alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, err := IdentityFromMnemonic("alice", mnemonic)
	if err != nil {
		t.Fatalf("IdentityFromMnemonic failed: %v", err)
	}
	b, err := IdentityFromMnemonic("alice", mnemonic)
	if err != nil {
		t.Fatalf("IdentityFromMnemonic failed: %v", err)
	}

	if a.ID != b.ID {
		t.Errorf("mnemonic recovery should be deterministic: %s vs %s", a.ID, b.ID)
	}
}

func TestIdentityFromMnemonicInvalid(t *testing.T) {
	_, err := IdentityFromMnemonic("alice", "not a valid mnemonic")
	if err != ErrInvalidMnemonic {
		t.Errorf("expected ErrInvalidMnemonic, got %v", err)
	}
}
