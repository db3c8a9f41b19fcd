package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"onionrpc/pkg/proto"
)

const (
	redisNodePrefix     = "onionrpc:node:"
	redisNodeSet        = "onionrpc:nodes"
	redisProviderPrefix = "onionrpc:provider:"
	redisProviderSet    = "onionrpc:providers"
)

// RedisStore keeps the topology in redis so several coordinator replicas
// can share one authoritative view. Locking granularity is per key, which
// redis gives for free.
type RedisStore struct {
	rdb   *redis.Client
	alpha float64
}

func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		rdb:   redis.NewClient(&redis.Options{Addr: addr}),
		alpha: defaultProbeAlpha,
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) setJSON(ctx context.Context, key string, member string, set string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	if err := s.rdb.SAdd(ctx, set, member).Err(); err != nil {
		return fmt.Errorf("redis sadd %s: %w", set, err)
	}
	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) RegisterNode(ctx context.Context, n proto.Node) error {
	return s.setJSON(ctx, redisNodePrefix+string(n.ID), string(n.ID), redisNodeSet, n)
}

func (s *RedisStore) mutateNode(ctx context.Context, id proto.NodeID, mutate func(*proto.Node)) error {
	var n proto.Node
	ok, err := s.getJSON(ctx, redisNodePrefix+string(id), &n)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unknown node %s", id)
	}
	mutate(&n)
	return s.RegisterNode(ctx, n)
}

func (s *RedisStore) UpdateNodeStatus(ctx context.Context, id proto.NodeID, status proto.NodeStatus) error {
	return s.mutateNode(ctx, id, func(n *proto.Node) { n.Status = status })
}

func (s *RedisStore) TouchNode(ctx context.Context, id proto.NodeID, load float64, now time.Time) error {
	return s.mutateNode(ctx, id, func(n *proto.Node) {
		n.Load = load
		n.LastSeen = now
	})
}

func (s *RedisStore) Node(ctx context.Context, id proto.NodeID) (proto.Node, bool, error) {
	var n proto.Node
	ok, err := s.getJSON(ctx, redisNodePrefix+string(id), &n)
	return n, ok, err
}

func (s *RedisStore) Nodes(ctx context.Context) ([]proto.Node, error) {
	ids, err := s.rdb.SMembers(ctx, redisNodeSet).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", redisNodeSet, err)
	}
	out := make([]proto.Node, 0, len(ids))
	for _, id := range ids {
		var n proto.Node
		ok, err := s.getJSON(ctx, redisNodePrefix+id, &n)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *RedisStore) AvailableNodes(ctx context.Context, role proto.NodeRole) ([]proto.Node, error) {
	all, err := s.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	var out []proto.Node
	for _, n := range all {
		if n.Role == role && n.Status == proto.StatusOnline {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *RedisStore) RegisterProvider(ctx context.Context, p proto.RpcProvider) error {
	return s.setJSON(ctx, redisProviderPrefix+string(p.ID), string(p.ID), redisProviderSet, p)
}

func (s *RedisStore) mutateProvider(ctx context.Context, id proto.ProviderID, mutate func(*proto.RpcProvider)) error {
	var p proto.RpcProvider
	ok, err := s.getJSON(ctx, redisProviderPrefix+string(id), &p)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unknown provider %s", id)
	}
	mutate(&p)
	return s.RegisterProvider(ctx, p)
}

func (s *RedisStore) SetProviderActive(ctx context.Context, id proto.ProviderID, active bool) error {
	return s.mutateProvider(ctx, id, func(p *proto.RpcProvider) { p.Active = active })
}

func (s *RedisStore) Provider(ctx context.Context, id proto.ProviderID) (proto.RpcProvider, bool, error) {
	var p proto.RpcProvider
	ok, err := s.getJSON(ctx, redisProviderPrefix+string(id), &p)
	return p, ok, err
}

func (s *RedisStore) Providers(ctx context.Context) ([]proto.RpcProvider, error) {
	ids, err := s.rdb.SMembers(ctx, redisProviderSet).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", redisProviderSet, err)
	}
	out := make([]proto.RpcProvider, 0, len(ids))
	for _, id := range ids {
		var p proto.RpcProvider
		ok, err := s.getJSON(ctx, redisProviderPrefix+id, &p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *RedisStore) ActiveProviders(ctx context.Context) ([]proto.RpcProvider, error) {
	all, err := s.Providers(ctx)
	if err != nil {
		return nil, err
	}
	var out []proto.RpcProvider
	for _, p := range all {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *RedisStore) RecordProviderProbe(ctx context.Context, id proto.ProviderID, success bool, latency time.Duration, now time.Time) error {
	return s.mutateProvider(ctx, id, func(p *proto.RpcProvider) {
		applyProbe(p, success, latency, s.alpha, now)
	})
}
