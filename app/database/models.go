package database

import (
	"time"
)

const (
	EntityTypeProduct = "product"
	EntityTypeReview  = "review"
)

type ProductStatus string

const (
	StatusPublished ProductStatus = "publish"
	StatusDraft     ProductStatus = "draft"
	StatusPrivate   ProductStatus = "private"
)

type ApprovalState string

const (
	ReviewApproved ApprovalState = "approved"
	ReviewPending  ApprovalState = "pending"
	ReviewSpam     ApprovalState = "spam"
	ReviewTrash    ApprovalState = "trash"
)

// ParseApprovalState accepts the comment status spellings used by shop
// platforms ("1", "approve", "hold", ...) alongside the canonical names.
func ParseApprovalState(s string) ApprovalState {
	switch s {
	case "1", "approve", "approved":
		return ReviewApproved
	case "0", "hold", "pending", "unapproved":
		return ReviewPending
	case "spam":
		return ReviewSpam
	case "trash":
		return ReviewTrash
	default:
		return ApprovalState(s)
	}
}

type Money struct {
	Amount   string // decimal as stored by the catalog, e.g. "9.99"
	Currency string // ISO 4217 code; empty means the store currency
}

// Product is a read-only snapshot of a catalog product.
type Product struct {
	ID               int64
	Name             string
	ShortDescription string
	Description      string
	Permalink        string
	ImageURL         string
	GalleryImageURLs []string
	Price            Money
	SalePrice        *Money
	OnSale           bool
	Categories       []string // in catalog order
	SKU              string
	Status           ProductStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (p Product) IsPublished() bool {
	return p.Status == StatusPublished
}

// Review is a read-only snapshot of a product review. PostType is the type of
// the post the review is attached to; only "product" reviews reach the feed.
type Review struct {
	ID            int64
	ProductID     int64
	PostType      string
	Author        string
	Content       string
	Rating        *float64
	CreatedAt     time.Time
	ApprovalState ApprovalState
}

func (r Review) IsApproved() bool {
	return r.ApprovalState == ReviewApproved
}
