package cache

import (
	"context"

	"github.com/rs/zerolog"
)

// Loader produces one batch of key/value pairs to warm. Loaders pull from
// the persistent store: last-active servers, the active ACL set, recently
// seen players.
type Loader func(ctx context.Context) (map[string]any, error)

// Preloader warms the cache from its registered loaders. The service
// coordinator schedules Run on the preload interval.
type Preloader struct {
	cache   *Cache
	log     zerolog.Logger
	loaders map[string]Loader
}

// NewPreloader builds an empty preloader over the cache.
func NewPreloader(c *Cache, logger zerolog.Logger) *Preloader {
	return &Preloader{cache: c, log: logger, loaders: make(map[string]Loader)}
}

// Register adds a named loader.
func (p *Preloader) Register(name string, loader Loader) {
	p.loaders[name] = loader
}

// Run executes every loader once. A failing loader is logged and skipped;
// the others still warm their keys.
func (p *Preloader) Run(ctx context.Context) {
	for name, loader := range p.loaders {
		values, err := loader(ctx)
		if err != nil {
			p.log.Warn().Str("loader", name).Err(err).Msg("Cache preload source failed")
			continue
		}
		if err := p.cache.SetMulti(values); err != nil {
			p.log.Warn().Str("loader", name).Err(err).Msg("Cache preload insert failed")
			continue
		}
		p.log.Debug().Str("loader", name).Int("keys", len(values)).Msg("Cache warmed")
	}
}
