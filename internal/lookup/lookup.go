package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gavelworks/gavel/internal/cache"
	"github.com/gavelworks/gavel/internal/config"
)

// Directory resolves principals' display identities by id. Batched; missing
// ids are simply absent from the result, never an error.
type Directory interface {
	DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error)
}

// Module wires the cached directory.
var Module = fx.Provide(NewCached)

// Params collects directory dependencies via Fx.
type Params struct {
	fx.In

	Cache  cache.Store
	Config config.Config
	Logger *zap.Logger
}

// NewCached wraps the upstream directory with a read-through cache. The user
// service itself lives outside the core; until an adapter is bound, the
// static fallback resolves nothing and consumers tolerate absent names.
func NewCached(p Params) Directory {
	return &cached{
		base:   staticDirectory{},
		cache:  p.Cache,
		ttl:    p.Config.Cache.DefaultTTL,
		logger: p.Logger,
	}
}

type cached struct {
	base   Directory
	cache  cache.Store
	ttl    time.Duration
	logger *zap.Logger
}

func (c *cached) DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	var misses []int64

	for _, id := range ids {
		name, err := c.fromCache(ctx, id)
		if err == nil {
			out[id] = name
			continue
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn("directory cache read failed", zap.Int64("id", id), zap.Error(err))
		}
		misses = append(misses, id)
	}

	if len(misses) == 0 {
		return out, nil
	}

	resolved, err := c.base.DisplayNames(ctx, misses)
	if err != nil {
		return nil, err
	}
	for id, name := range resolved {
		out[id] = name
		if err := c.toCache(ctx, id, name); err != nil {
			c.logger.Warn("directory cache write failed", zap.Int64("id", id), zap.Error(err))
		}
	}
	return out, nil
}

func (c *cached) key(id int64) string {
	return fmt.Sprintf("directory:%d", id)
}

func (c *cached) fromCache(ctx context.Context, id int64) (string, error) {
	raw, err := c.cache.Get(ctx, c.key(id))
	if err != nil {
		return "", err
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", err
	}
	return name, nil
}

func (c *cached) toCache(ctx context.Context, id int64, name string) error {
	raw, err := json.Marshal(name)
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, c.key(id), raw, c.ttl)
}

// staticDirectory resolves nothing; every id is a tolerated miss.
type staticDirectory struct{}

func (staticDirectory) DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	return map[int64]string{}, nil
}
