package database

import (
	"context"
)

// SKULookup resolves the SKU of a product. An unknown product or a product
// without SKU yields an empty string.
type SKULookup interface {
	LookupSKU(ctx context.Context, productID int64) (string, error)
}

type ProductRepository interface {
	SKULookup

	ListPublished(ctx context.Context) ([]Product, error)
	GetProduct(ctx context.Context, id int64) (*Product, error)
	FindBySKU(ctx context.Context, sku string) (*Product, error)
	GetEntityType(ctx context.Context, id int64) (string, error)
	CountPublished(ctx context.Context) (int, error)

	UpsertProduct(ctx context.Context, product Product) error
	DeleteProduct(ctx context.Context, id int64) error
}

type ReviewRepository interface {
	ListReviews(ctx context.Context) ([]Review, error)
	GetReview(ctx context.Context, id int64) (*Review, error)

	UpsertReview(ctx context.Context, review Review) error
	DeleteReview(ctx context.Context, id int64) error
}
