package expert

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const maxLoadAttempts = 3

// Options controls model substitution.
type Options struct {
	DefaultModel        string
	AllowExternalModels bool
	ExternalModels      []string
}

// Registry resolves expert keys to configs: cache, then a bulk reload from the
// live source, then the built-in table. It is shared by every node and guarded
// by one mutex; the source is never called with the mutex held.
type Registry struct {
	source   Source
	defaults map[string]Config
	opts     Options
	denied   map[string]bool

	mu     sync.Mutex
	cache  map[string]Config
	gen    uint64
	loads  singleflight.Group
	logger *zap.Logger
}

// NewRegistry creates a registry. source may be nil when no store is configured.
func NewRegistry(source Source, opts Options, logger *zap.Logger) *Registry {
	denied := make(map[string]bool, len(opts.ExternalModels))
	for _, m := range opts.ExternalModels {
		denied[strings.ToLower(m)] = true
	}
	return &Registry{
		source:   source,
		defaults: mustDefaults(),
		opts:     opts,
		denied:   denied,
		cache:    make(map[string]Config),
		logger:   logger,
	}
}

// Resolve returns the config for key or ErrUnconfigured.
func (r *Registry) Resolve(ctx context.Context, key string) (Config, error) {
	if c, ok := r.cached(key); ok {
		return r.effective(c), nil
	}

	if err := r.load(ctx); err != nil {
		r.logger.Warn("expert config reload failed, using built-ins",
			zap.String("expert", key), zap.Error(err))
	}
	if c, ok := r.cached(key); ok {
		return r.effective(c), nil
	}

	if c, ok := r.defaults[key]; ok {
		r.mu.Lock()
		if _, exists := r.cache[key]; !exists {
			r.cache[key] = c
		}
		r.mu.Unlock()
		return r.effective(c), nil
	}
	return Config{}, fmt.Errorf("resolve %q: %w", key, ErrUnconfigured)
}

// Refresh reloads every config from the source now.
func (r *Registry) Refresh(ctx context.Context) error {
	r.Invalidate()
	return r.load(ctx)
}

// Invalidate clears the cache; the next Resolve reloads lazily.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]Config)
	r.gen++
	r.mu.Unlock()
	r.logger.Info("expert config cache invalidated")
}

// Warm resolves keys ahead of dispatch. Unknown keys are logged, not returned.
func (r *Registry) Warm(ctx context.Context, keys []string) {
	for _, k := range keys {
		if _, err := r.Resolve(ctx, k); err != nil {
			r.logger.Warn("warm expert config", zap.String("expert", k), zap.Error(err))
		}
	}
}

// Catalog lists the experts a plan may use, built-ins overlaid with stored
// configs, sorted by key.
func (r *Registry) Catalog(ctx context.Context) []CatalogEntry {
	merged := make(map[string]Config, len(r.defaults))
	for k, c := range r.defaults {
		merged[k] = c
	}
	if r.source != nil {
		stored, err := r.source.ListExperts(ctx)
		if err != nil {
			r.logger.Warn("list experts for catalog", zap.Error(err))
		}
		for _, c := range stored {
			merged[c.Key] = c
		}
	}

	out := make([]CatalogEntry, 0, len(merged))
	for _, c := range merged {
		if !c.Planable {
			continue
		}
		out = append(out, CatalogEntry{Key: c.Key, Name: c.Name, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Registry) cached(key string) (Config, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cache[key]
	return c, ok
}

// load bulk-reads the source and merges it into the cache. Concurrent callers
// share one read. A read that started before the latest Invalidate is
// discarded and taken again.
func (r *Registry) load(ctx context.Context) error {
	if r.source == nil {
		return nil
	}
	for attempt := 0; attempt < maxLoadAttempts; attempt++ {
		r.mu.Lock()
		gen := r.gen
		r.mu.Unlock()

		stored, err, _ := r.loads.Do(strconv.FormatUint(gen, 10), func() (interface{}, error) {
			configs, err := r.source.ListExperts(ctx)
			if err != nil {
				return false, fmt.Errorf("list experts: %w", err)
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.gen != gen {
				return false, nil
			}
			for _, c := range configs {
				r.cache[c.Key] = c
			}
			r.logger.Debug("expert configs loaded", zap.Int("count", len(configs)))
			return true, nil
		})
		if err != nil {
			return err
		}
		if stored.(bool) {
			return nil
		}
		r.logger.Debug("discarding expert configs read before invalidation")
	}
	return nil
}

// effective applies the model denylist and the default model.
func (r *Registry) effective(c Config) Config {
	switch {
	case c.Model == "":
		c.Model = r.opts.DefaultModel
	case !r.opts.AllowExternalModels && r.denied[strings.ToLower(c.Model)] && r.opts.DefaultModel != "":
		r.logger.Debug("substituting external model",
			zap.String("expert", c.Key), zap.String("model", c.Model), zap.String("default", r.opts.DefaultModel))
		c.Model = r.opts.DefaultModel
	}
	return c
}
