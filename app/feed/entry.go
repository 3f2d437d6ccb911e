package feed

import (
	"fmt"
	"slices"
)

type Kind string

const (
	KindProduct Kind = "product"
	KindReview  Kind = "review"
)

// Kinds lists every supported feed kind in a stable order.
var Kinds = []Kind{KindProduct, KindReview}

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindProduct, KindReview:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// GoogleNamespace is the Google Merchant Center extension namespace, bound to
// the "g" prefix in every generated document.
const GoogleNamespace = "http://base.google.com/ns/1.0"

var schemas = map[Kind][]string{
	KindProduct: {
		"title",
		"link",
		"description",
		"image_link",
		"additional_image_link",
		"price",
		"sale_price",
		"product_type",
		"sku",
	},
	KindReview: {
		"id",
		"title",
		"content",
		"reviewer",
		"review_date",
		"rating",
	},
}

// Schema returns the field names allowed in entries of the given kind.
func Schema(kind Kind) []string {
	return slices.Clone(schemas[kind])
}

type Field struct {
	Name  string
	Value string
}

// Entry is one feed record: an ordered list of fields. A field name may repeat
// (additional_image_link).
type Entry struct {
	Kind   Kind
	fields []Field
}

func NewEntry(kind Kind) Entry {
	return Entry{Kind: kind}
}

func (e *Entry) Add(name, value string) {
	e.fields = append(e.fields, Field{Name: name, Value: value})
}

// Get returns the first value stored under name.
func (e Entry) Get(name string) (string, bool) {
	for _, f := range e.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

func (e Entry) All(name string) []string {
	var values []string
	for _, f := range e.fields {
		if f.Name == name {
			values = append(values, f.Value)
		}
	}
	return values
}

func (e Entry) Fields() []Field {
	return slices.Clone(e.fields)
}

// Validate checks that every field belongs to the entry's schema.
func (e Entry) Validate() error {
	allowed, ok := schemas[e.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	for _, f := range e.fields {
		if !slices.Contains(allowed, f.Name) {
			return fmt.Errorf("field %q is not part of the %s schema", f.Name, e.Kind)
		}
	}
	return nil
}
