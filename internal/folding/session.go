// Package folding sequences calls into the recursive proof engine and enforces
// the degree/iteration contract: a chain of degree d is exactly 2d folded
// iterations, and every proof handed out has been verified at that count.
//
// # Thread Safety
//
// Session holds no per-call state and is safe for concurrent use. Each call
// owns its proof exclusively until it returns. Metrics are tracked using
// atomic operations.
package folding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Mach-34/grapevine/internal/chainerr"
	"github.com/Mach-34/grapevine/pkg/ivc"
	"github.com/Mach-34/grapevine/pkg/witness"
)

// ErrFoldTimeout indicates an engine call exceeded the configured timeout.
// Timeouts are transient and may be retried by the caller.
var ErrFoldTimeout = errors.New("folding: engine call timed out")

// Config contains configuration for folding sessions.
type Config struct {
	// TimeoutSeconds bounds each engine call. Zero disables the bound.
	TimeoutSeconds int `toml:"timeout_seconds"`

	// EngineKey keys the reference engine's proof tags. Provers and
	// verifiers must share it.
	EngineKey string `toml:"engine_key"`
}

// DefaultConfig returns a Config with a 30 second engine timeout.
func DefaultConfig() Config {
	return Config{
		TimeoutSeconds: 30,
		EngineKey:      "grapevine-dev",
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("folding: timeout_seconds must not be negative")
	}
	if c.EngineKey == "" {
		return fmt.Errorf("folding: engine_key is required")
	}
	return nil
}

// Timeout returns the per-call engine timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// String returns a human-readable representation of the config. The engine
// key is not included.
func (c Config) String() string {
	return fmt.Sprintf("folding.Config{Timeout: %v}", c.Timeout())
}

// FoldedProof is a verified proof together with the degree it represents
// and the outputs it verified to.
type FoldedProof struct {
	Proof   ivc.Proof
	Degree  int
	Outputs ivc.Outputs
}

// Session drives the engine for one deployment.
type Session struct {
	engine  ivc.Engine
	timeout time.Duration
	logger  *slog.Logger

	started  uint64
	extended uint64
	verified uint64
	failed   uint64
}

// NewSession creates a session over engine. A nil logger uses slog.Default().
func NewSession(engine ivc.Engine, cfg Config, logger *slog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		engine:  engine,
		timeout: cfg.Timeout(),
		logger:  logger.With("component", "folding"),
	}, nil
}

// Start folds an identity hop from the zero start state into a degree 1 proof.
func (s *Session) Start(ctx context.Context, pair witness.Pair) (*FoldedProof, error) {
	if pair.Compute == nil || pair.Compute.Kind() != witness.KindIdentity {
		s.recordFailed()
		return nil, fmt.Errorf("start: %w: compute record must be an identity step",
			chainerr.ErrDegreeMismatch)
	}

	callCtx, cancel := s.callContext(ctx)
	proof, err := s.engine.Create(callCtx, pair.Steps(), ivc.ZeroOutputs())
	cancel()
	if err != nil {
		s.recordFailed()
		return nil, classify("start", err)
	}

	folded, err := s.seal(ctx, proof, 1)
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&s.started, 1)
	s.logger.Debug("started chain", "degree", 1, "proof_bytes", len(proof))
	return folded, nil
}

// Extend folds one degree hop onto prior, returning a proof one degree
// deeper. prior is re-verified at its claimed degree first; its Outputs
// field is not trusted.
func (s *Session) Extend(ctx context.Context, prior *FoldedProof, pair witness.Pair) (*FoldedProof, error) {
	if prior == nil {
		s.recordFailed()
		return nil, fmt.Errorf("extend: %w: no prior proof", chainerr.ErrProofVerificationFailed)
	}
	if pair.Compute == nil || pair.Compute.Kind() != witness.KindDegree {
		s.recordFailed()
		return nil, fmt.Errorf("extend: %w: compute record must be a degree step",
			chainerr.ErrDegreeMismatch)
	}
	if prior.Degree >= ivc.MaxDegree {
		s.recordFailed()
		return nil, fmt.Errorf("extend: %w: prior proof is already degree %d",
			chainerr.ErrMaxDegreeExceeded, prior.Degree)
	}

	outputs, err := s.Verify(ctx, prior.Proof, prior.Degree)
	if err != nil {
		return nil, fmt.Errorf("extend: prior proof: %w", err)
	}

	callCtx, cancel := s.callContext(ctx)
	proof, err := s.engine.Continue(callCtx, prior.Proof, pair.Steps(), outputs)
	cancel()
	if err != nil {
		s.recordFailed()
		return nil, classify("extend", err)
	}

	folded, err := s.seal(ctx, proof, prior.Degree+1)
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&s.extended, 1)
	s.logger.Debug("extended chain", "degree", folded.Degree, "proof_bytes", len(proof))
	return folded, nil
}

// Verify checks proof at 2*claimedDegree iterations and returns its outputs.
func (s *Session) Verify(ctx context.Context, proof ivc.Proof, claimedDegree int) (ivc.Outputs, error) {
	outputs, err := s.verify(ctx, proof, claimedDegree)
	if err != nil {
		s.recordFailed()
		s.logger.Warn("proof rejected", "claimed_degree", claimedDegree, "error", err)
		return ivc.Outputs{}, err
	}
	atomic.AddUint64(&s.verified, 1)
	return outputs, nil
}

func (s *Session) verify(ctx context.Context, proof ivc.Proof, claimedDegree int) (ivc.Outputs, error) {
	if claimedDegree < 1 || claimedDegree > ivc.MaxDegree {
		return ivc.Outputs{}, fmt.Errorf("verify: %w: degree %d out of range",
			chainerr.ErrDegreeMismatch, claimedDegree)
	}

	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	outputs, err := s.engine.Verify(callCtx, proof, ivc.IterationsForDegree(claimedDegree), ivc.ZeroOutputs())
	if err != nil {
		return ivc.Outputs{}, classify("verify", err)
	}

	degree, ok := outputs.Degree()
	if !ok || degree != claimedDegree {
		return ivc.Outputs{}, fmt.Errorf("verify: %w: outputs carry degree %d, claimed %d",
			chainerr.ErrDegreeMismatch, degree, claimedDegree)
	}
	if obfuscate := outputs.Obfuscate(); !obfuscate.IsZero() {
		return ivc.Outputs{}, fmt.Errorf("verify: %w: proof ends on a compute iteration",
			chainerr.ErrProofVerificationFailed)
	}
	return outputs, nil
}

// seal verifies a freshly folded proof so callers only ever see proofs that
// verify at their degree.
func (s *Session) seal(ctx context.Context, proof ivc.Proof, degree int) (*FoldedProof, error) {
	outputs, err := s.Verify(ctx, proof, degree)
	if err != nil {
		return nil, err
	}
	return &FoldedProof{Proof: proof, Degree: degree, Outputs: outputs}, nil
}

func (s *Session) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Session) recordFailed() {
	atomic.AddUint64(&s.failed, 1)
}

// Stats returns the current counters.
func (s *Session) Stats() (started, extended, verified, failed uint64) {
	return atomic.LoadUint64(&s.started),
		atomic.LoadUint64(&s.extended),
		atomic.LoadUint64(&s.verified),
		atomic.LoadUint64(&s.failed)
}

// IsTransient reports whether err came from an interrupted engine call and
// the whole operation may be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrFoldTimeout)
}

// classify maps engine errors onto the chain error taxonomy.
func classify(op string, err error) error {
	var kind chainerr.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, ErrFoldTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, ivc.ErrIterationMismatch), errors.Is(err, ivc.ErrMalformedProof):
		return fmt.Errorf("%s: %w: %w", op, chainerr.ErrDegreeMismatch, err)
	case errors.As(err, &kind):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, chainerr.ErrProofVerificationFailed, err)
	}
}
