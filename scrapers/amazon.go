package scrapers

import (
	"strings"

	"shopassist/models"

	"github.com/PuerkitoBio/goquery"
)

const (
	amazonOrigin    = "https://www.amazon.com"
	amazonSearchURL = amazonOrigin + "/s?k="
)

// NewAmazon searches amazon.com. Result links are relative to the site.
func NewAmazon(opts ...Option) *Source {
	return newSource("amazon", amazonSearchURL, `div[data-component-type="s-search-result"]`, "USD", extractAmazon, opts)
}

func extractAmazon(item *goquery.Selection) (models.Product, error) {
	name := text(item, "h2 span")
	priceText := text(item, "span.a-price-whole")
	href := attr(item, "a.a-link-normal", "href")
	if err := required(map[string]string{"name": name, "price": priceText, "link": href}); err != nil {
		return models.Product{}, err
	}
	price, err := ParsePrice(priceText)
	if err != nil {
		return models.Product{}, err
	}
	if strings.HasPrefix(href, "/") {
		href = amazonOrigin + href
	}

	var specs []models.ProductSpec
	item.Find("div.a-section").First().Find("li").Each(func(_ int, li *goquery.Selection) {
		k, v, ok := strings.Cut(strings.TrimSpace(li.Text()), ":")
		if ok && strings.TrimSpace(k) != "" {
			specs = append(specs, models.ProductSpec{Key: strings.TrimSpace(k), Value: strings.TrimSpace(v)})
		}
	})

	return models.Product{
		Name:        name,
		Description: text(item, "div.a-color-secondary"),
		Specs:       specs,
		ImageURL:    attr(item, "img.s-image", "src"),
		Price:       models.Price{Value: price},
		VendorURL:   href,
	}, nil
}
