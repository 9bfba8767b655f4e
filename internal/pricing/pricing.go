package pricing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/digkill/ImageForge/internal/database"
	"github.com/digkill/ImageForge/internal/repository"
)

// Price keys.
const (
	KeyGeneration      = "generation"
	KeyGenerationRetry = "generation_retry"
	KeyEdit            = "edit"
	KeyWatermark       = "watermark_removal"
	UnlockPrefix       = "unlock."
)

// ErrInvalidPrice rejects a price table before anything is stored.
var ErrInvalidPrice = errors.New("invalid price")

// RetryKey returns the discounted price key for a retry of key.
func RetryKey(key string) string {
	return key + "_retry"
}

// UnlockKey returns the price key for unlocking service.
func UnlockKey(service string) string {
	return UnlockPrefix + service
}

// Snapshot is an immutable view of prices at one version.
type Snapshot struct {
	Version int64            `json:"version"`
	Prices  map[string]int64 `json:"prices"`
}

// Price looks up key. Unknown keys and non-positive prices report false.
func (s Snapshot) Price(key string) (int64, bool) {
	v, ok := s.Prices[key]
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}

// Static is a fixed snapshot, used for defaults and in tests.
type Static Snapshot

func (s Static) Snapshot(context.Context) (Snapshot, error) {
	return Snapshot(s), nil
}

// DefaultPrices are used until a version is published and whenever the store is unreachable.
func DefaultPrices() map[string]int64 {
	return map[string]int64{
		KeyGeneration:          10,
		KeyGenerationRetry:     5,
		KeyEdit:                8,
		RetryKey(KeyEdit):      4,
		KeyWatermark:           3,
		UnlockKey("hd_export"): 50,
	}
}

type defaultsFile struct {
	Prices map[string]int64 `toml:"prices"`
}

// LoadDefaults reads fallback prices from a TOML file with a [prices] table.
// An empty path yields DefaultPrices.
func LoadDefaults(path string) (map[string]int64, error) {
	prices := DefaultPrices()
	if strings.TrimSpace(path) == "" {
		return prices, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing defaults: %w", err)
	}
	var file defaultsFile
	if _, err := toml.Decode(string(raw), &file); err != nil {
		return nil, fmt.Errorf("decode pricing defaults: %w", err)
	}
	for k, v := range file.Prices {
		if v < 0 {
			return nil, fmt.Errorf("pricing defaults: %s must not be negative", k)
		}
		prices[k] = v
	}
	return prices, nil
}

// Provider serves snapshots from the pricing table, cached for ttl. When
// the store fails it keeps serving the last cached snapshot for another ttl,
// or the defaults if nothing was cached yet.
type Provider struct {
	db       *database.DB
	repo     *repository.PricingRepository
	ttl      time.Duration
	defaults map[string]int64
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cached  Snapshot
	expires time.Time
}

func NewProvider(db *database.DB, repo *repository.PricingRepository, ttl time.Duration, defaults map[string]int64, log *slog.Logger) *Provider {
	if defaults == nil {
		defaults = DefaultPrices()
	}
	return &Provider{
		db:       db,
		repo:     repo,
		ttl:      ttl,
		defaults: defaults,
		log:      log,
		now:      time.Now,
	}
}

func (p *Provider) Snapshot(ctx context.Context) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.cached.Prices != nil && now.Before(p.expires) {
		return p.cached, nil
	}

	version, prices, err := p.repo.Active(ctx, p.db)
	if err != nil {
		if p.cached.Prices != nil {
			p.log.Warn("pricing store unavailable, serving cached version", "version", p.cached.Version, "err", err)
			p.expires = now.Add(p.ttl)
			return p.cached, nil
		}
		p.log.Warn("pricing store unavailable, using defaults", "err", err)
		return Snapshot{Version: 0, Prices: p.defaults}, nil
	}

	merged := make(map[string]int64, len(p.defaults)+len(prices))
	for k, v := range p.defaults {
		merged[k] = v
	}
	for k, v := range prices {
		merged[k] = v
	}
	p.cached = Snapshot{Version: version, Prices: merged}
	p.expires = now.Add(p.ttl)
	return p.cached, nil
}

// Publish stores prices as a new version and drops the cache.
func (p *Provider) Publish(ctx context.Context, prices map[string]int64) (int64, error) {
	for k, v := range prices {
		if strings.TrimSpace(k) == "" {
			return 0, fmt.Errorf("%w: price key must not be empty", ErrInvalidPrice)
		}
		if v < 0 {
			return 0, fmt.Errorf("%w: price %s must not be negative", ErrInvalidPrice, k)
		}
	}
	var version int64
	err := p.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		version, err = p.repo.Publish(ctx, tx, prices, p.now().UTC())
		return err
	})
	if err != nil {
		return 0, err
	}
	p.Invalidate()
	return version, nil
}

func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.expires = time.Time{}
	p.mu.Unlock()
}
