// Package metadata owns the in-process schema cache used by query generation,
// metadata lookups and guidance.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/insight-chat/internal/query"
	"golang.org/x/sync/singleflight"
)

// ErrUnavailable is returned when no snapshot has ever been loaded and loading fails.
var ErrUnavailable = errors.New("metadata cache unavailable")

// Snapshot is one loaded view of the warehouse metadata.
type Snapshot struct {
	Schema      map[string]any `json:"schema"`
	Examples    []string       `json:"examples"`
	TableList   []string       `json:"table_list"`
	Insights    []string       `json:"insights"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// SchemaJSON renders the schema for prompts.
func (s *Snapshot) SchemaJSON() string {
	if s == nil || len(s.Schema) == 0 {
		return "{}"
	}
	data, err := json.Marshal(s.Schema)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Summary renders the snapshot as compact prompt text.
func (s *Snapshot) Summary() string {
	if s == nil {
		return ""
	}
	var sb strings.Builder
	if len(s.TableList) > 0 {
		sb.WriteString("Tables: ")
		sb.WriteString(strings.Join(s.TableList, ", "))
		sb.WriteByte('\n')
	}
	sb.WriteString("Schema: ")
	sb.WriteString(s.SchemaJSON())
	sb.WriteByte('\n')
	for _, ex := range s.Examples {
		sb.WriteString("Example: ")
		sb.WriteString(ex)
		sb.WriteByte('\n')
	}
	for _, in := range s.Insights {
		sb.WriteString("Insight: ")
		sb.WriteString(in)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Loader fetches fresh metadata.
type Loader interface {
	FetchMetadata(ctx context.Context) (*query.Metadata, error)
}

// Config controls cache freshness.
type Config struct {
	// TTL is how long a snapshot is served before a reload is attempted.
	TTL time.Duration
	// MaxStaleness is the upstream ceiling; older snapshots are still served but logged.
	MaxStaleness time.Duration
}

// DefaultConfig returns the default freshness settings.
func DefaultConfig() Config {
	return Config{
		TTL:          5 * time.Minute,
		MaxStaleness: 24 * time.Hour,
	}
}

// Cache is an explicitly owned, TTL-bounded metadata cache. It is safe for
// concurrent use; concurrent reloads are collapsed into one loader call.
type Cache struct {
	loader Loader
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	snapshot *Snapshot
	loadedAt time.Time

	group singleflight.Group
}

// NewCache creates a cache backed by loader.
func NewCache(loader Loader, cfg Config, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = def.MaxStaleness
	}
	return &Cache{
		loader: loader,
		cfg:    cfg,
		logger: logger.With("component", "metadata"),
		now:    time.Now,
	}
}

// Get returns the current snapshot, reloading it when the TTL has expired. A
// failed reload falls back to the previous snapshot when there is one.
func (c *Cache) Get(ctx context.Context) (*Snapshot, error) {
	c.mu.RLock()
	snap, loadedAt := c.snapshot, c.loadedAt
	c.mu.RUnlock()

	if snap != nil && c.now().Sub(loadedAt) < c.cfg.TTL {
		return snap, nil
	}

	fresh, err := c.load(ctx, false)
	if err != nil {
		if snap != nil {
			c.logger.Warn("metadata refresh failed, serving previous snapshot", "error", err)
			return snap, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return fresh, nil
}

// Refresh forces a reload.
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	return c.load(ctx, true)
}

func (c *Cache) load(ctx context.Context, force bool) (*Snapshot, error) {
	v, err, shared := c.group.Do("refresh", func() (any, error) {
		if !force {
			c.mu.RLock()
			snap, loadedAt := c.snapshot, c.loadedAt
			c.mu.RUnlock()
			if snap != nil && c.now().Sub(loadedAt) < c.cfg.TTL {
				return snap, nil
			}
		}
		md, err := c.loader.FetchMetadata(ctx)
		if err != nil {
			return nil, err
		}
		snap := &Snapshot{
			Schema:      md.Schema,
			Examples:    md.Examples,
			TableList:   md.TableList,
			Insights:    md.Insights,
			GeneratedAt: c.now(),
		}
		c.mu.Lock()
		c.snapshot = snap
		c.loadedAt = snap.GeneratedAt
		c.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	if shared {
		c.logger.Debug("metadata refresh shared with concurrent caller")
	}
	return v.(*Snapshot), nil
}

// Stale reports whether the held snapshot is older than MaxStaleness.
func (c *Cache) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot == nil || c.now().Sub(c.loadedAt) > c.cfg.MaxStaleness
}
