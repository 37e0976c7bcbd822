package ipc

import (
	"encoding/json"
	"time"

	"github.com/Mach-34/grapevine/internal/proofchain"
)

// codecName is the gRPC content subtype the admin service speaks.
const codecName = "json"

// jsonCodec marshals the admin messages, which are plain structs, as JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return codecName }

// PhrasesRequest asks for every phrase hash the store has held.
type PhrasesRequest struct{}

// PhrasesResponse lists phrase hashes.
type PhrasesResponse struct {
	Phrases []string `json:"phrases"`
}

// SnapshotRequest asks for one phrase's chain.
type SnapshotRequest struct {
	PhraseHash string `json:"phrase_hash"`
}

// SnapshotResponse carries a chain ordered root to leaf.
type SnapshotResponse struct {
	Nodes []NodeView `json:"nodes"`
}

// AuditRequest asks for an invariant audit of one phrase.
type AuditRequest struct {
	PhraseHash string `json:"phrase_hash"`
}

// AuditResponse lists the violations found; empty means consistent.
type AuditResponse struct {
	PhraseHash string   `json:"phrase_hash"`
	Violations []string `json:"violations,omitempty"`
}

// StatusRequest asks for daemon status.
type StatusRequest struct{}

// StatusResponse reports the backend and folding counters.
type StatusResponse struct {
	Backend  string `json:"backend"`
	Phrases  int    `json:"phrases"`
	Started  uint64 `json:"started"`
	Extended uint64 `json:"extended"`
	Verified uint64 `json:"verified"`
	Failed   uint64 `json:"failed"`
}

// NodeView is the wire form of a chain node. Unlike the stored record it
// includes the mutable proceeding and inactive fields and omits the proof.
type NodeView struct {
	ID         string    `json:"id"`
	PhraseHash string    `json:"phrase_hash"`
	Owner      string    `json:"owner"`
	Degree     int       `json:"degree"`
	Preceding  string    `json:"preceding,omitempty"`
	Proceeding []string  `json:"proceeding,omitempty"`
	Inactive   bool      `json:"inactive"`
	AuthHash   string    `json:"auth_hash,omitempty"`
	ProofBytes int       `json:"proof_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// ViewOf converts a stored node to its wire form.
func ViewOf(n *proofchain.Node) NodeView {
	return NodeView{
		ID:         n.ID,
		PhraseHash: n.PhraseHash,
		Owner:      n.Owner,
		Degree:     n.Degree,
		Preceding:  n.Preceding,
		Proceeding: append([]string(nil), n.Proceeding...),
		Inactive:   n.Inactive,
		AuthHash:   n.AuthHash,
		ProofBytes: len(n.ProofBlob),
		CreatedAt:  n.CreatedAt,
	}
}

// ViewsOf converts a chain to wire form.
func ViewsOf(nodes []*proofchain.Node) []NodeView {
	out := make([]NodeView, len(nodes))
	for i, n := range nodes {
		out[i] = ViewOf(n)
	}
	return out
}
