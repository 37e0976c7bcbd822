package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mach-34/grapevine/internal/config"
	"github.com/Mach-34/grapevine/internal/folding"
	"github.com/Mach-34/grapevine/internal/ipc"
	"github.com/Mach-34/grapevine/internal/proofchain"
	"github.com/Mach-34/grapevine/internal/relationship"
	"github.com/Mach-34/grapevine/internal/service"
	"github.com/Mach-34/grapevine/pkg/ivc"
	"github.com/Mach-34/grapevine/pkg/witness"
)

const pingTimeout = 3 * time.Second

// app wires the proving stack from a configuration.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend proofchain.Backend
	store   *proofchain.Store
	session *folding.Session
	dir     *relationship.MemoryDirectory
	svc     *service.Service
}

// newApp opens the configured backend and builds the service over it. A nil
// builder samples chaff from system randomness.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, builder *witness.Builder) (*app, error) {
	backend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	store, err := proofchain.NewStore(backend, cfg.Chain, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}
	session, err := folding.NewSession(ivc.NewHashFold([]byte(cfg.Folding.EngineKey)), cfg.Folding, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}
	dir := relationship.NewMemoryDirectory()
	svc, err := service.NewWithLogger(session, store, dir, builder, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}

	logger.Debug("stack ready", "backend", cfg.Store.Backend, "folding", cfg.Folding.String())
	return &app{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		store:   store,
		session: session,
		dir:     dir,
		svc:     svc,
	}, nil
}

func (a *app) Close() error {
	return a.backend.Close()
}

// openBackend returns the store backend named by the configuration.
func openBackend(ctx context.Context, sc config.StoreConfig) (proofchain.Backend, error) {
	switch sc.Backend {
	case config.BackendMemory:
		return proofchain.NewMemoryBackend(), nil
	case config.BackendRedis:
		rb, err := proofchain.NewRedisBackend(proofchain.RedisConfig{
			URL:       sc.RedisURL,
			KeyPrefix: sc.KeyPrefix,
			LockTTL:   sc.LockTTL(),
		})
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := rb.Ping(pingCtx); err != nil {
			rb.Close()
			return nil, fmt.Errorf("redis unreachable: %w", err)
		}
		return rb, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}
}

// chainSource is what the inspection commands read: the local store or a
// running daemon's admin socket.
type chainSource interface {
	Phrases(ctx context.Context) ([]string, error)
	Snapshot(ctx context.Context, phraseHash string) ([]ipc.NodeView, error)
	Audit(ctx context.Context, phraseHash string) ([]string, error)
	Close() error
}

var _ chainSource = (*ipc.Client)(nil)

// localSource reads a store opened in this process.
type localSource struct {
	app *app
}

func (l localSource) Phrases(ctx context.Context) ([]string, error) {
	return l.app.store.Phrases(ctx)
}

func (l localSource) Snapshot(ctx context.Context, phraseHash string) ([]ipc.NodeView, error) {
	nodes, err := l.app.store.ChainSnapshot(ctx, phraseHash)
	if err != nil {
		return nil, err
	}
	return ipc.ViewsOf(nodes), nil
}

func (l localSource) Audit(ctx context.Context, phraseHash string) ([]string, error) {
	err := l.app.store.CheckInvariants(ctx, phraseHash)
	var inv *proofchain.InvariantError
	switch {
	case err == nil:
		return nil, nil
	case errors.As(err, &inv):
		return inv.Violations, nil
	default:
		return nil, err
	}
}

func (l localSource) Close() error {
	return l.app.Close()
}

// openSource connects to --socket when given and opens the configured store
// otherwise.
func openSource(ctx context.Context) (chainSource, error) {
	if socketPath != "" {
		return ipc.NewClient(config.ExpandPath(socketPath))
	}
	cfg, logger, _, err := setup()
	if err != nil {
		return nil, err
	}
	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	return localSource{app: a}, nil
}

// resolvePhrases turns command arguments into phrase hashes. With no
// arguments every stored phrase is returned.
func resolvePhrases(ctx context.Context, src chainSource, args []string, hashes bool) ([]string, error) {
	if len(args) == 0 {
		return src.Phrases(ctx)
	}
	if hashes {
		return args, nil
	}
	out := make([]string, 0, len(args))
	for _, phrase := range args {
		h, err := service.PhraseHash(phrase)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
