package scrapers

import (
	"shopassist/models"

	"github.com/PuerkitoBio/goquery"
)

const ebaySearchURL = "https://www.ebay.com/sch/i.html?_nkw="

// NewEbay searches ebay.com. Prices are in USD.
func NewEbay(opts ...Option) *Source {
	return newSource("ebay", ebaySearchURL, "div.s-item__info", "USD", extractEbay, opts)
}

func extractEbay(item *goquery.Selection) (models.Product, error) {
	name := text(item, "div.s-item__title")
	priceText := text(item, "span.s-item__price")
	link := attr(item, "a.s-item__link", "href")
	if err := required(map[string]string{"name": name, "price": priceText, "link": link}); err != nil {
		return models.Product{}, err
	}
	price, err := ParsePrice(priceText)
	if err != nil {
		return models.Product{}, err
	}

	var specs []models.ProductSpec
	item.Find("div.s-item__details div.s-item__detail").Each(func(_ int, d *goquery.Selection) {
		k, v := text(d, "span.s-item__label"), text(d, "span.s-item__value")
		if k != "" {
			specs = append(specs, models.ProductSpec{Key: k, Value: v})
		}
	})

	return models.Product{
		Name:        name,
		Description: text(item, "div.s-item__subtitle"),
		Specs:       specs,
		ImageURL:    attr(item, "img.s-item__image-img", "src"),
		Price:       models.Price{Value: price},
		VendorURL:   link,
	}, nil
}
