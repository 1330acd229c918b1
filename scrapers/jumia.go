package scrapers

import (
	"shopassist/models"

	"github.com/PuerkitoBio/goquery"
)

const jumiaSearchURL = "https://www.jumia.co.ke/catalog/?q="

// NewJumia searches jumia.co.ke. Prices are in KES.
func NewJumia(opts ...Option) *Source {
	return newSource("jumia", jumiaSearchURL, "article.prd", "KES", extractJumia, opts)
}

func extractJumia(item *goquery.Selection) (models.Product, error) {
	name := text(item, "h3.name")
	priceText := text(item, "div.prc")
	link := attr(item, "a.core", "href")
	if err := required(map[string]string{"name": name, "price": priceText, "link": link}); err != nil {
		return models.Product{}, err
	}
	price, err := ParsePrice(priceText)
	if err != nil {
		return models.Product{}, err
	}

	var specs []models.ProductSpec
	item.Find("div.specs div.spec").Each(func(_ int, spec *goquery.Selection) {
		k, v := text(spec, "div.key"), text(spec, "div.value")
		if k != "" {
			specs = append(specs, models.ProductSpec{Key: k, Value: v})
		}
	})

	return models.Product{
		Name:        name,
		Description: text(item, "div.desc"),
		Specs:       specs,
		ImageURL:    attr(item, "img.img", "data-src"),
		Price:       models.Price{Value: price},
		VendorURL:   link,
	}, nil
}
