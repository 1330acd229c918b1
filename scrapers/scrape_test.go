package scrapers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"shopassist/models"

	"github.com/PuerkitoBio/goquery"
)

const jumiaPage = `<html><body>
<article class="prd">
  <a class="core" href="https://www.jumia.co.ke/samsung-a15.html">
    <img class="img" data-src="https://ke.jumia.is/a15.jpg">
    <h3 class="name">Samsung Galaxy A15 128GB</h3>
    <div class="prc">KSh 18,999</div>
    <div class="desc">6.5" display, 5000mAh battery</div>
    <div class="specs">
      <div class="spec"><div class="key">RAM</div><div class="value">4GB</div></div>
      <div class="spec"><div class="key">Storage</div><div class="value">128GB</div></div>
    </div>
  </a>
</article>
<article class="prd">
  <a class="core" href="https://www.jumia.co.ke/tecno-spark.html">
    <img class="img" data-src="https://ke.jumia.is/spark.jpg">
    <h3 class="name">Tecno Spark 20</h3>
    <div class="prc">KSh 14,500.50</div>
  </a>
</article>
<article class="prd">
  <a class="core" href="https://www.jumia.co.ke/no-price.html">
    <h3 class="name">Listing without price</h3>
  </a>
</article>
</body></html>`

const amazonPage = `<html><body>
<div data-component-type="s-search-result">
  <h2><a class="a-link-normal" href="/Kindle-Paperwhite/dp/B08KTZ8249"><span>Kindle Paperwhite</span></a></h2>
  <img class="s-image" src="https://m.media-amazon.com/kindle.jpg">
  <span class="a-price-whole">139.</span>
  <div class="a-color-secondary">Now with a 6.8" display</div>
  <div class="a-section"><ul><li>Storage: 16 GB</li><li>no separator here</li></ul></div>
</div>
</body></html>`

const ebayPage = `<html><body>
<div class="s-item__info">
  <a class="s-item__link" href="https://www.ebay.com/itm/12345"><div class="s-item__title">Canon EOS R50 Mirrorless Camera</div></a>
  <div class="s-item__subtitle">Brand New</div>
  <span class="s-item__price">$679.99</span>
  <img class="s-item__image-img" src="https://i.ebayimg.com/r50.jpg">
  <div class="s-item__details">
    <div class="s-item__detail"><span class="s-item__label">Condition</span><span class="s-item__value">New</span></div>
  </div>
</div>
</body></html>`

func serve(t *testing.T, page string, gotPath *string, gotUA *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotPath = r.URL.RequestURI()
		*gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJumiaSearch(t *testing.T) {
	var path, ua string
	srv := serve(t, jumiaPage, &path, &ua)
	src := NewJumia(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	products, err := src.Search(context.Background(), "samsung galaxy", map[string]string{"language": "en"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if path != "/catalog/?q=samsung+galaxy" {
		t.Fatalf("unexpected request path %q", path)
	}
	if ua != DefaultUserAgent {
		t.Fatalf("unexpected user agent %q", ua)
	}
	if len(products) != 2 {
		t.Fatalf("expected 2 products (priceless item skipped), got %d", len(products))
	}

	a15 := products[0]
	if a15.Name != "Samsung Galaxy A15 128GB" || a15.Source != "jumia" || a15.Price.Currency != "KES" {
		t.Fatalf("unexpected product: %+v", a15)
	}
	if a15.Price.Value.String() != "18999" {
		t.Fatalf("unexpected price %s", a15.Price.Value)
	}
	if a15.ImageURL != "https://ke.jumia.is/a15.jpg" || a15.VendorURL != "https://www.jumia.co.ke/samsung-a15.html" {
		t.Fatalf("unexpected urls: %+v", a15)
	}
	if len(a15.Specs) != 2 || a15.Specs[0] != (models.ProductSpec{Key: "RAM", Value: "4GB"}) {
		t.Fatalf("unexpected specs: %+v", a15.Specs)
	}
	if a15.ConfidenceScore != 1 {
		t.Fatalf("expected full confidence, got %v", a15.ConfidenceScore)
	}

	spark := products[1]
	if spark.Price.Value.String() != "14500.5" || spark.Specs == nil || len(spark.Specs) != 0 {
		t.Fatalf("unexpected second product: %+v", spark)
	}
	if spark.ConfidenceScore < 0.09 || spark.ConfidenceScore > 0.11 {
		t.Fatalf("expected image bonus only, got %v", spark.ConfidenceScore)
	}
}

func TestAmazonSearch(t *testing.T) {
	var path, ua string
	srv := serve(t, amazonPage, &path, &ua)
	src := NewAmazon(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithUserAgent("test-agent"))

	products, err := src.Search(context.Background(), "kindle", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if path != "/s?k=kindle" || ua != "test-agent" {
		t.Fatalf("unexpected request %q ua=%q", path, ua)
	}
	if len(products) != 1 {
		t.Fatalf("expected 1 product, got %d", len(products))
	}
	p := products[0]
	if p.VendorURL != "https://www.amazon.com/Kindle-Paperwhite/dp/B08KTZ8249" {
		t.Fatalf("relative link not resolved: %s", p.VendorURL)
	}
	if p.Price.Value.String() != "139" || p.Price.Currency != "USD" {
		t.Fatalf("unexpected price %+v", p.Price)
	}
	if len(p.Specs) != 1 || p.Specs[0].Key != "Storage" || p.Specs[0].Value != "16 GB" {
		t.Fatalf("unexpected specs %+v", p.Specs)
	}
}

func TestEbaySearch(t *testing.T) {
	var path, ua string
	srv := serve(t, ebayPage, &path, &ua)
	src := NewEbay(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	products, err := src.Search(context.Background(), "canon r50", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if path != "/sch/i.html?_nkw=canon+r50" {
		t.Fatalf("unexpected request path %q", path)
	}
	if len(products) != 1 {
		t.Fatalf("expected 1 product, got %d", len(products))
	}
	p := products[0]
	if p.Name != "Canon EOS R50 Mirrorless Camera" || p.Description != "Brand New" || p.Price.Value.String() != "679.99" {
		t.Fatalf("unexpected product %+v", p)
	}
	if len(p.Specs) != 1 || p.Specs[0].Value != "New" {
		t.Fatalf("unexpected specs %+v", p.Specs)
	}
}

func TestSearchUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "blocked", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewEbay(WithBaseURL(srv.URL)).Search(context.Background(), "x", nil); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestParsePrice(t *testing.T) {
	cases := map[string]string{
		"KSh 1,299.00": "1299",
		"$24.99":       "24.99",
		"139.":         "139",
	}
	for in, want := range cases {
		got, err := ParsePrice(in)
		if err != nil || got.String() != want {
			t.Errorf("ParsePrice(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := ParsePrice("Out of stock"); err == nil {
		t.Fatal("expected error for text without digits")
	}
}

func TestConfidence(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(
		`<div id="i"><img src="x"><div class="price">10</div><div class="description">red kettle</div></div>`))
	if err != nil {
		t.Fatal(err)
	}
	item := doc.Find("#i")
	if got := Confidence(item, "red kettle"); got != 1 {
		t.Fatalf("expected clamp to 1, got %v", got)
	}
	if got := Confidence(item, "   "); got != 0.5 {
		t.Fatalf("expected 0.5 for empty query, got %v", got)
	}
	got := Confidence(item, "blue toaster")
	if got < 0.29 || got > 0.31 {
		t.Fatalf("expected structure bonus only, got %v", got)
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("é", models.MaxProductNameLen+10)
	if got := truncate(long, models.MaxProductNameLen); len([]rune(got)) != models.MaxProductNameLen {
		t.Fatalf("unexpected length %d", len([]rune(got)))
	}
	if truncate("short", 10) != "short" {
		t.Fatal("short string changed")
	}
}
