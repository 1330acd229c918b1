package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shopassist/models"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

type fakeSource struct {
	name     string
	products []models.Product
	err      error
	delay    time.Duration

	mu    sync.Mutex
	calls int
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Search(ctx context.Context, query string, filters map[string]string) ([]models.Product, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.products, s.err
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func product(source, url string, score float64) models.Product {
	return models.Product{Name: source + " item", VendorURL: url, Source: source, ConfidenceScore: score}
}

func newProductRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestProductSearchMergesAndSorts(t *testing.T) {
	_, rdb := newProductRedis(t)
	a := &fakeSource{name: "jumia", products: []models.Product{product("jumia", "https://j/1", 0.4), product("jumia", "https://shared", 0.9)}}
	b := &fakeSource{name: "ebay", products: []models.Product{product("ebay", "https://e/1", 0.7), product("ebay", "https://shared", 0.2)}}
	c := &fakeSource{name: "amazon", err: errors.New("blocked")}

	ps := NewProductSearch(rdb, []ProductSource{a, b, c}, time.Hour, time.Second, nil)
	got, err := ps.Search(context.Background(), "laptop", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 deduplicated products, got %d", len(got))
	}
	want := []float64{0.9, 0.7, 0.4}
	for i, p := range got {
		if p.ConfidenceScore != want[i] {
			t.Fatalf("position %d: score %v, want %v", i, p.ConfidenceScore, want[i])
		}
	}
}

func TestProductSearchUsesCache(t *testing.T) {
	mr, rdb := newProductRedis(t)
	src := &fakeSource{name: "jumia", products: []models.Product{product("jumia", "https://j/1", 0.5)}}
	ps := NewProductSearch(rdb, []ProductSource{src}, time.Hour, time.Second, nil)
	filters := map[string]string{"language": "en", "query_type": "subjective"}

	if _, err := ps.Search(context.Background(), "kettle", filters); err != nil {
		t.Fatalf("first search: %v", err)
	}
	if _, err := ps.Search(context.Background(), "kettle", filters); err != nil {
		t.Fatalf("second search: %v", err)
	}
	if src.callCount() != 1 {
		t.Fatalf("expected cached second search, source called %d times", src.callCount())
	}
	if ttl := mr.TTL(CacheKey("kettle", filters)); ttl != time.Hour {
		t.Fatalf("unexpected cache ttl %v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := ps.Search(context.Background(), "kettle", filters); err != nil {
		t.Fatalf("third search: %v", err)
	}
	if src.callCount() != 2 {
		t.Fatalf("expired cache entry must trigger a new search")
	}
}

func TestProductSearchSkipsCachingEmptyResults(t *testing.T) {
	mr, rdb := newProductRedis(t)
	src := &fakeSource{name: "jumia"}
	ps := NewProductSearch(rdb, []ProductSource{src}, time.Hour, time.Second, nil)

	got, err := ps.Search(context.Background(), "nothing", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
	if mr.Exists(CacheKey("nothing", nil)) {
		t.Fatal("empty result must not be cached")
	}
}

func TestProductSearchSourceTimeout(t *testing.T) {
	_, rdb := newProductRedis(t)
	slow := &fakeSource{name: "amazon", delay: time.Second, products: []models.Product{product("amazon", "https://a/1", 1)}}
	fast := &fakeSource{name: "ebay", products: []models.Product{product("ebay", "https://e/1", 0.3)}}
	ps := NewProductSearch(rdb, []ProductSource{slow, fast}, time.Hour, 20*time.Millisecond, nil)

	got, err := ps.Search(context.Background(), "camera", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].Source != "ebay" {
		t.Fatalf("expected only the fast source, got %+v", got)
	}
}

func TestCacheKeyIgnoresFilterOrderAndCase(t *testing.T) {
	a := CacheKey("Laptop ", map[string]string{"a": "1", "b": "2"})
	b := CacheKey("laptop", map[string]string{"b": "2", "a": "1"})
	if a != b {
		t.Fatalf("keys differ: %s vs %s", a, b)
	}
	if a == CacheKey("laptop", map[string]string{"a": "1"}) {
		t.Fatal("filters must change the key")
	}
}
