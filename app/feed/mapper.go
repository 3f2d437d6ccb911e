package feed

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/currency"

	"github.com/smartystudio/smarty-google-feed-generator/app/database"
	"github.com/smartystudio/smarty-google-feed-generator/app/xmlbuilder"
)

const reviewDateLayout = "2006-01-02"

// Mapper turns catalog snapshots into feed entries.
type Mapper struct {
	policy   *bluemonday.Policy
	currency string
	skus     database.SKULookup
}

// NewMapper creates a Mapper. defaultCurrency is used for prices stored
// without a currency code. When skus is nil, review entries use the SKU
// carried by the product snapshot.
func NewMapper(defaultCurrency string, skus database.SKULookup) *Mapper {
	return &Mapper{
		policy:   bluemonday.StrictPolicy(),
		currency: strings.ToUpper(strings.TrimSpace(defaultCurrency)),
		skus:     skus,
	}
}

func (m *Mapper) MapProduct(p database.Product) (Entry, error) {
	if err := requireProduct(p); err != nil {
		return Entry{}, err
	}

	e := NewEntry(KindProduct)
	e.Add("title", xmlbuilder.CleanText(p.Name))
	e.Add("link", xmlbuilder.CleanText(p.Permalink))
	e.Add("description", m.description(p))
	e.Add("image_link", xmlbuilder.CleanText(p.ImageURL))

	for _, url := range p.GalleryImageURLs {
		e.Add("additional_image_link", xmlbuilder.CleanText(url))
	}

	e.Add("price", m.formatMoney(p.Price))

	if p.OnSale && p.SalePrice != nil && strings.TrimSpace(p.SalePrice.Amount) != "" {
		e.Add("sale_price", m.formatMoney(*p.SalePrice))
	}

	if len(p.Categories) > 0 {
		e.Add("product_type", xmlbuilder.CleanText(strings.Join(p.Categories, " > ")))
	}

	e.Add("sku", xmlbuilder.CleanText(p.SKU))

	return e, nil
}

// MapReview builds the review entry for r, which must be an approved review
// of p.
func (m *Mapper) MapReview(ctx context.Context, p database.Product, r database.Review) (Entry, error) {
	if err := requireProduct(p); err != nil {
		return Entry{}, err
	}

	sku := p.SKU
	if m.skus != nil {
		var err error
		sku, err = m.skus.LookupSKU(ctx, p.ID)
		if err != nil {
			return Entry{}, fmt.Errorf("sku lookup for product %d: %w", p.ID, err)
		}
	}

	rating := ""
	if r.Rating != nil {
		rating = strconv.FormatFloat(*r.Rating, 'f', -1, 64)
	}

	e := NewEntry(KindReview)
	e.Add("id", xmlbuilder.CleanText(sku))
	e.Add("title", xmlbuilder.CleanText(p.Name))
	e.Add("content", xmlbuilder.CleanText(r.Content))
	e.Add("reviewer", xmlbuilder.CleanText(r.Author))
	// Reviews are dated in the shop's configured timezone.
	e.Add("review_date", r.CreatedAt.In(time.Local).Format(reviewDateLayout))
	e.Add("rating", rating)

	return e, nil
}

func requireProduct(p database.Product) error {
	if p.ID <= 0 {
		return fmt.Errorf("%w: product id", ErrMissingRequiredField)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name of product %d", ErrMissingRequiredField, p.ID)
	}
	return nil
}

// description prefers the short description and returns plain text without
// markup.
func (m *Mapper) description(p database.Product) string {
	raw := p.ShortDescription
	if strings.TrimSpace(raw) == "" {
		raw = p.Description
	}
	if raw == "" {
		return ""
	}

	// StrictPolicy escapes what it keeps, so entities are decoded back before
	// the serializer escapes the final text once.
	text := html.UnescapeString(m.policy.Sanitize(raw))
	return xmlbuilder.CleanText(strings.TrimSpace(text))
}

func (m *Mapper) formatMoney(money database.Money) string {
	amount := strings.TrimSpace(money.Amount)
	code := strings.TrimSpace(money.Currency)
	if code == "" {
		code = m.currency
	}
	if unit, err := currency.ParseISO(code); err == nil {
		code = unit.String()
	}

	return xmlbuilder.CleanText(strings.TrimSpace(amount + " " + code))
}
