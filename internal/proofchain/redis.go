package proofchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Mach-34/grapevine/internal/chainerr"
)

const lockRetryInterval = 10 * time.Millisecond

// unlockScript deletes a lock only if it still holds the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures a RedisBackend.
type RedisConfig struct {
	URL       string
	KeyPrefix string
	LockTTL   time.Duration
}

// RedisBackend stores the DAG in Redis. Each node is a hash holding its
// immutable record and its inactive flag; proceeding is a separate set so
// fan-out from a shared ancestor is a plain SADD. Commits use WATCH/MULTI and
// surface lost races as StorageConflict.
//
// # Thread Safety
//
// RedisBackend is safe for concurrent use, including by several processes
// sharing one key prefix. Lock is a leased SET NX key, so a crashed holder
// blocks its (owner, phrase) key for at most LockTTL.
type RedisBackend struct {
	client  *redis.Client
	prefix  string
	lockTTL time.Duration
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend connects to the Redis instance at cfg.URL.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "gv"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &RedisBackend{
		client:  redis.NewClient(opts),
		prefix:  cfg.KeyPrefix,
		lockTTL: cfg.LockTTL,
	}, nil
}

// Ping checks connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) nodeKey(id string) string {
	return b.prefix + ":node:" + id
}

func (b *RedisBackend) proceedingKey(id string) string {
	return b.prefix + ":node:" + id + ":proceeding"
}

func (b *RedisBackend) frontierKey(owner, phrase string) string {
	return b.prefix + ":frontier:" + owner + ":" + phrase
}

func (b *RedisBackend) ownerPhrasesKey(owner string) string {
	return b.prefix + ":owner:" + owner + ":phrases"
}

func (b *RedisBackend) phraseNodesKey(phrase string) string {
	return b.prefix + ":phrase:" + phrase + ":nodes"
}

func (b *RedisBackend) nullifierIndexKey(phrase string) string {
	return b.prefix + ":phrase:" + phrase + ":nullifiers"
}

func (b *RedisBackend) nullifierKey(phrase, nullifier string) string {
	return b.prefix + ":nullifier:" + phrase + ":" + nullifier
}

func (b *RedisBackend) phrasesKey() string {
	return b.prefix + ":phrases"
}

func (b *RedisBackend) lockKey(owner, phrase string) string {
	return b.prefix + ":lock:" + owner + ":" + phrase
}

// Lock implements Backend with a SETNX lease. Waiting longer than the lease
// TTL fails with StorageConflict.
func (b *RedisBackend) Lock(ctx context.Context, owner, phraseHash string) (func(), error) {
	key := b.lockKey(owner, phraseHash)
	token := uuid.NewString()
	deadline := time.Now().Add(b.lockTTL)

	for {
		ok, err := b.client.SetNX(ctx, key, token, b.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: lock %s held too long", chainerr.ErrStorageConflict, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}

	return func() {
		// the lease expires on its own if this fails
		_ = unlockScript.Run(context.Background(), b.client, []string{key}, token).Err()
	}, nil
}

// InsertNode implements Backend.
func (b *RedisBackend) InsertNode(ctx context.Context, ins Insert) error {
	n := ins.Node
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode node: %w", err)
	}

	frontierKey := b.frontierKey(n.Owner, n.PhraseHash)
	contributed, hasNullifier := n.Contributed()
	watch := []string{frontierKey, b.nodeKey(n.ID)}
	if hasNullifier {
		watch = append(watch, b.nullifierKey(n.PhraseHash, contributed))
	}
	if n.Preceding != "" {
		watch = append(watch, b.nodeKey(n.Preceding))
	}

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, frontierKey).Result()
		if errors.Is(err, redis.Nil) {
			current = ""
		} else if err != nil {
			return err
		}
		if current != ins.Supersedes {
			return fmt.Errorf("%w: frontier of %s moved", chainerr.ErrStorageConflict, n.Owner)
		}

		exists, err := tx.Exists(ctx, b.nodeKey(n.ID)).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: node id %s already exists", chainerr.ErrStorageConflict, n.ID)
		}

		if hasNullifier {
			holder, err := tx.Get(ctx, b.nullifierKey(n.PhraseHash, contributed)).Result()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				owner, err := b.ownerOf(ctx, tx, holder)
				if err != nil {
					return err
				}
				if owner != n.Owner {
					return fmt.Errorf("%w: nullifier already used by node %s", chainerr.ErrNullifierReuse, holder)
				}
			}
		}

		if n.Preceding != "" {
			vals, err := tx.HMGet(ctx, b.nodeKey(n.Preceding), "data", "inactive").Result()
			if err != nil {
				return err
			}
			if vals[0] == nil {
				return fmt.Errorf("%w: %s", chainerr.ErrPrecedingNotFound, n.Preceding)
			}
			if vals[1] == "1" {
				return fmt.Errorf("%w: %s", chainerr.ErrPrecedingInactive, n.Preceding)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, b.nodeKey(n.ID), "data", data, "inactive", "0")
			if hasNullifier {
				pipe.Set(ctx, b.nullifierKey(n.PhraseHash, contributed), n.ID, 0)
				pipe.HSet(ctx, b.nullifierIndexKey(n.PhraseHash), contributed, n.ID)
			}
			if n.Preceding != "" {
				pipe.SAdd(ctx, b.proceedingKey(n.Preceding), n.ID)
			}
			pipe.SAdd(ctx, b.phraseNodesKey(n.PhraseHash), n.ID)
			pipe.SAdd(ctx, b.phrasesKey(), n.PhraseHash)
			pipe.SAdd(ctx, b.ownerPhrasesKey(n.Owner), n.PhraseHash)
			pipe.Set(ctx, frontierKey, n.ID, 0)
			if ins.Supersedes != "" {
				pipe.HSet(ctx, b.nodeKey(ins.Supersedes), "inactive", "1")
			}
			return nil
		})
		return err
	}

	if err := b.client.Watch(ctx, txf, watch...); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: insert %s: %v", chainerr.ErrStorageConflict, n.ID, err)
		}
		return err
	}
	return nil
}

// ownerOf reads a node's owner inside a transaction. A missing node has no
// owner.
func (b *RedisBackend) ownerOf(ctx context.Context, tx *redis.Tx, id string) (string, error) {
	raw, err := tx.HGet(ctx, b.nodeKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var n Node
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return "", fmt.Errorf("%w: decode node %s: %v", chainerr.ErrChainInconsistency, id, err)
	}
	return n.Owner, nil
}

// DeleteLeaf implements Backend.
func (b *RedisBackend) DeleteLeaf(ctx context.Context, id string) error {
	n, err := b.GetNode(ctx, id)
	if err != nil {
		return err
	}
	contributed, hasNullifier := n.Contributed()

	watch := []string{b.nodeKey(id), b.proceedingKey(id)}
	if hasNullifier {
		watch = append(watch, b.nullifierKey(n.PhraseHash, contributed))
	}

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, b.nodeKey(id), "data", "inactive").Result()
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		if vals[1] != "1" {
			return fmt.Errorf("%w: %s", ErrNotDeletable, id)
		}
		dependents, err := tx.SCard(ctx, b.proceedingKey(id)).Result()
		if err != nil {
			return err
		}
		if dependents > 0 {
			return fmt.Errorf("%w: %s", ErrHasDependents, id)
		}

		releaseNullifier := false
		if hasNullifier {
			holder, err := tx.Get(ctx, b.nullifierKey(n.PhraseHash, contributed)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			releaseNullifier = holder == id
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, b.nodeKey(id), b.proceedingKey(id))
			if n.Preceding != "" {
				pipe.SRem(ctx, b.proceedingKey(n.Preceding), id)
			}
			pipe.SRem(ctx, b.phraseNodesKey(n.PhraseHash), id)
			if releaseNullifier {
				pipe.Del(ctx, b.nullifierKey(n.PhraseHash, contributed))
				pipe.HDel(ctx, b.nullifierIndexKey(n.PhraseHash), contributed)
			}
			return nil
		})
		return err
	}

	if err := b.client.Watch(ctx, txf, watch...); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: delete %s: %v", chainerr.ErrStorageConflict, id, err)
		}
		return err
	}
	return nil
}

// GetNode implements Backend. The record and its proceeding set are read in
// one MULTI block.
func (b *RedisBackend) GetNode(ctx context.Context, id string) (*Node, error) {
	var (
		fields  *redis.SliceCmd
		members *redis.StringSliceCmd
	)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HMGet(ctx, b.nodeKey(id), "data", "inactive")
		members = pipe.SMembers(ctx, b.proceedingKey(id))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read node %s: %w", id, err)
	}

	vals := fields.Val()
	raw, ok := vals[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	var n Node
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return nil, fmt.Errorf("%w: decode node %s: %v", chainerr.ErrChainInconsistency, id, err)
	}
	n.Inactive = vals[1] == "1"
	n.Proceeding = members.Val()
	n.normalize()
	return &n, nil
}

// Frontier implements Backend.
func (b *RedisBackend) Frontier(ctx context.Context, owner, phraseHash string) (*Node, error) {
	id, err := b.client.Get(ctx, b.frontierKey(owner, phraseHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read frontier: %w", err)
	}
	n, err := b.GetNode(ctx, id)
	if errors.Is(err, ErrNodeNotFound) {
		return nil, fmt.Errorf("%w: frontier %s of %s is missing", chainerr.ErrChainInconsistency, id, owner)
	}
	return n, err
}

// Frontiers implements Backend.
func (b *RedisBackend) Frontiers(ctx context.Context, owner string) ([]*Node, error) {
	phrases, err := b.client.SMembers(ctx, b.ownerPhrasesKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("read owner phrases: %w", err)
	}
	sort.Strings(phrases)

	out := make([]*Node, 0, len(phrases))
	for _, phrase := range phrases {
		n, err := b.Frontier(ctx, owner, phrase)
		if err != nil {
			return nil, err
		}
		if n != nil {
			out = append(out, n)
		}
	}
	return out, nil
}

// PhraseNodes implements Backend.
func (b *RedisBackend) PhraseNodes(ctx context.Context, phraseHash string) ([]*Node, error) {
	ids, err := b.client.SMembers(ctx, b.phraseNodesKey(phraseHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("read phrase nodes: %w", err)
	}
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		n, err := b.GetNode(ctx, id)
		if errors.Is(err, ErrNodeNotFound) {
			// deleted between the index read and the node read
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Nullifiers implements Backend.
func (b *RedisBackend) Nullifiers(ctx context.Context, phraseHash string) (map[string]string, error) {
	out, err := b.client.HGetAll(ctx, b.nullifierIndexKey(phraseHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("read nullifiers: %w", err)
	}
	return out, nil
}

// Phrases implements Backend.
func (b *RedisBackend) Phrases(ctx context.Context) ([]string, error) {
	out, err := b.client.SMembers(ctx, b.phrasesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read phrases: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// Close implements Backend.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
