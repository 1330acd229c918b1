// Package scrapers searches third-party storefronts and turns their result
// pages into products.
package scrapers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"shopassist/models"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
)

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// maxPageBytes caps how much of a result page is parsed.
const maxPageBytes = 5 << 20

var ErrMissingField = errors.New("missing required field")

// extractor pulls one product out of a result item. It returns ErrMissingField
// when the item lacks a name, price or link.
type extractor func(item *goquery.Selection) (models.Product, error)

// Source scrapes one storefront's search page.
type Source struct {
	name       string
	searchURL  string
	itemSel    string
	currency   string
	extract    extractor
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
}

type Option func(*Source)

// WithBaseURL replaces the storefront origin, keeping the search path.
func WithBaseURL(base string) Option {
	return func(s *Source) {
		u, err := url.Parse(s.searchURL)
		if err != nil {
			return
		}
		b, err := url.Parse(base)
		if err != nil {
			return
		}
		u.Scheme, u.Host = b.Scheme, b.Host
		s.searchURL = u.String()
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) {
		if c != nil {
			s.httpClient = c
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(s *Source) {
		if ua != "" {
			s.userAgent = ua
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.logger = l
		}
	}
}

func newSource(name, searchURL, itemSel, currency string, extract extractor, opts []Option) *Source {
	s := &Source{
		name:       name,
		searchURL:  searchURL,
		itemSel:    itemSel,
		currency:   currency,
		extract:    extract,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		userAgent:  DefaultUserAgent,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("source", name)
	return s
}

func (s *Source) Name() string { return s.name }

// Search fetches the storefront results for query. Filters do not alter the
// request.
func (s *Source) Search(ctx context.Context, query string, filters map[string]string) ([]models.Product, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.searchURL+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s search: %w", s.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s search: unexpected status %d", s.name, resp.StatusCode)
	}
	return s.Parse(io.LimitReader(resp.Body, maxPageBytes), query)
}

// Parse reads a result page. Items missing required fields are skipped.
func (s *Source) Parse(r io.Reader, query string) ([]models.Product, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("%s parse: %w", s.name, err)
	}
	products := make([]models.Product, 0)
	doc.Find(s.itemSel).Each(func(i int, item *goquery.Selection) {
		p, err := s.extract(item)
		if err != nil {
			s.logger.Debug("skipping result item", "index", i, "error", err)
			return
		}
		p.Name = truncate(p.Name, models.MaxProductNameLen)
		p.Description = truncate(p.Description, models.MaxProductDescriptionLen)
		p.Price.Currency = s.currency
		p.Source = s.name
		if p.Specs == nil {
			p.Specs = []models.ProductSpec{}
		}
		p.ConfidenceScore = Confidence(item, query)
		products = append(products, p)
	})
	return products, nil
}

var nonPrice = regexp.MustCompile(`[^\d.]`)

// ParsePrice keeps digits and dots, so "KSh 1,299.00" becomes 1299.
func ParsePrice(text string) (decimal.Decimal, error) {
	cleaned := nonPrice.ReplaceAllString(text, "")
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("price %q: %w", text, ErrMissingField)
	}
	return decimal.NewFromString(cleaned)
}

// Confidence scores how well item matches query: the share of query terms
// found in the item's text, plus 0.1 for each of an image, a price block and
// a description block, clamped to [0, 1].
func Confidence(item *goquery.Selection, query string) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0.5
	}
	body := strings.ToLower(item.Text())
	hits := 0
	for _, term := range terms {
		if strings.Contains(body, term) {
			hits++
		}
	}
	score := float64(hits) / float64(len(terms))
	for _, sel := range []string{"img", "div.price", "div.description"} {
		if item.Find(sel).Length() > 0 {
			score += 0.1
		}
	}
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}

func text(item *goquery.Selection, sel string) string {
	return strings.TrimSpace(item.Find(sel).First().Text())
}

func attr(item *goquery.Selection, sel, name string) string {
	v, _ := item.Find(sel).First().Attr(name)
	return strings.TrimSpace(v)
}

// required reports a missing field, if any.
func required(fields map[string]string) error {
	for name, v := range fields {
		if v == "" {
			return fmt.Errorf("%s: %w", name, ErrMissingField)
		}
	}
	return nil
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:max]))
}
