package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"shopassist/models"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// ProductSource is one storefront that can be searched.
type ProductSource interface {
	Name() string
	Search(ctx context.Context, query string, filters map[string]string) ([]models.Product, error)
}

// ProductSearch fans a query out to every source, merges the results and
// caches them in Redis.
type ProductSearch struct {
	rdb           *redis.Client
	sources       []ProductSource
	cacheTTL      time.Duration
	sourceTimeout time.Duration
	logger        *slog.Logger
}

func NewProductSearch(rdb *redis.Client, sources []ProductSource, cacheTTL, sourceTimeout time.Duration, logger *slog.Logger) *ProductSearch {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	if sourceTimeout <= 0 {
		sourceTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProductSearch{
		rdb:           rdb,
		sources:       sources,
		cacheTTL:      cacheTTL,
		sourceTimeout: sourceTimeout,
		logger:        logger.With("component", "products"),
	}
}

// CacheKey derives the cache key for a query and its filters.
func CacheKey(query string, filters map[string]string) string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(query)))
	for _, k := range keys {
		b.WriteString("|" + k + "=" + filters[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return "products:" + hex.EncodeToString(sum[:])
}

// Search returns deduplicated products sorted by confidence, best first. A
// failing or slow source contributes nothing.
func (p *ProductSearch) Search(ctx context.Context, query string, filters map[string]string) ([]models.Product, error) {
	key := CacheKey(query, filters)
	if p.rdb != nil {
		raw, err := p.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var cached []models.Product
			if jerr := json.Unmarshal(raw, &cached); jerr == nil {
				return cached, nil
			}
			p.logger.Warn("discarding corrupt product cache entry", "key", key)
		case !errors.Is(err, redis.Nil):
			p.logger.Warn("product cache read failed", "error", err)
		}
	}

	var (
		mu      sync.Mutex
		results = make([][]models.Product, len(p.sources))
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range p.sources {
		i, src := i, src
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, p.sourceTimeout)
			defer cancel()
			products, err := src.Search(sctx, query, filters)
			if err != nil {
				p.logger.Warn("product source failed", "source", src.Name(), "error", err)
				return nil
			}
			mu.Lock()
			results[i] = products
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	products := mergeProducts(results)
	if p.rdb != nil && len(products) > 0 {
		if data, err := json.Marshal(products); err == nil {
			if err := p.rdb.Set(ctx, key, data, p.cacheTTL).Err(); err != nil {
				p.logger.Warn("product cache write failed", "error", err)
			}
		}
	}
	return products, nil
}

func mergeProducts(results [][]models.Product) []models.Product {
	seen := make(map[string]bool)
	out := make([]models.Product, 0)
	for _, batch := range results {
		for _, prod := range batch {
			if prod.VendorURL == "" || seen[prod.VendorURL] {
				continue
			}
			seen[prod.VendorURL] = true
			out = append(out, prod)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ConfidenceScore > out[j].ConfidenceScore
	})
	return out
}
