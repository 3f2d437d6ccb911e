package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ ProductRepository = (*productRepository)(nil)

type productRepository struct {
	db *DB
}

func NewProductRepository(db *DB) ProductRepository {
	return &productRepository{db: db}
}

const productColumns = `id, name, short_description, description, permalink, image_url,
	price_amount, price_currency, sale_amount, sale_currency, on_sale, sku, status, created_at, updated_at`

// ListPublished returns every published product, newest first, with images
// and categories attached.
func (r *productRepository) ListPublished(ctx context.Context) ([]Product, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE status = ?
		ORDER BY created_at DESC, id DESC
	`, string(StatusPublished))
	if err != nil {
		return nil, fmt.Errorf("failed to list published products: %w", err)
	}
	defer rows.Close()

	var products []Product
	index := make(map[int64]int)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product row: %w", err)
		}
		index[product.ID] = len(products)
		products = append(products, *product)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating product rows: %w", err)
	}

	if len(products) == 0 {
		return products, nil
	}

	if err := r.attachImages(ctx, products, index); err != nil {
		return nil, err
	}
	if err := r.attachCategories(ctx, products, index); err != nil {
		return nil, err
	}

	return products, nil
}

func (r *productRepository) GetProduct(ctx context.Context, id int64) (*Product, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	return r.loadOne(ctx, row)
}

func (r *productRepository) FindBySKU(ctx context.Context, sku string) (*Product, error) {
	if sku == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE sku = ? ORDER BY id LIMIT 1`, sku)
	return r.loadOne(ctx, row)
}

func (r *productRepository) LookupSKU(ctx context.Context, productID int64) (string, error) {
	var sku string
	err := r.db.QueryRowContext(ctx, `SELECT sku FROM products WHERE id = ?`, productID).Scan(&sku)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up SKU for product %d: %w", productID, err)
	}
	return sku, nil
}

// GetEntityType returns "product" when id names a stored product and an empty
// string otherwise.
func (r *productRepository) GetEntityType(ctx context.Context, id int64) (string, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM products WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve entity type for %d: %w", id, err)
	}
	return EntityTypeProduct, nil
}

func (r *productRepository) CountPublished(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products WHERE status = ?`, string(StatusPublished)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count published products: %w", err)
	}
	return count, nil
}

// UpsertProduct stores product, replacing its images and categories.
func (r *productRepository) UpsertProduct(ctx context.Context, product Product) error {
	if product.ID <= 0 {
		return fmt.Errorf("product id must be positive")
	}

	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = now
	}

	var saleAmount, saleCurrency sql.NullString
	if product.SalePrice != nil {
		saleAmount = sql.NullString{String: product.SalePrice.Amount, Valid: true}
		saleCurrency = sql.NullString{String: product.SalePrice.Currency, Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, name, short_description, description, permalink, image_url,
			price_amount, price_currency, sale_amount, sale_currency, on_sale, sku, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			short_description = excluded.short_description,
			description = excluded.description,
			permalink = excluded.permalink,
			image_url = excluded.image_url,
			price_amount = excluded.price_amount,
			price_currency = excluded.price_currency,
			sale_amount = excluded.sale_amount,
			sale_currency = excluded.sale_currency,
			on_sale = excluded.on_sale,
			sku = excluded.sku,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, product.ID, product.Name, product.ShortDescription, product.Description, product.Permalink, product.ImageURL,
		product.Price.Amount, product.Price.Currency, saleAmount, saleCurrency, product.OnSale, product.SKU,
		string(product.Status), product.CreatedAt.Unix(), product.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert product %d: %w", product.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM product_images WHERE product_id = ?`, product.ID); err != nil {
		return fmt.Errorf("failed to clear product images: %w", err)
	}
	for i, url := range product.GalleryImageURLs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO product_images (product_id, position, url) VALUES (?, ?, ?)`,
			product.ID, i, url); err != nil {
			return fmt.Errorf("failed to insert product image: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM product_categories WHERE product_id = ?`, product.ID); err != nil {
		return fmt.Errorf("failed to clear product categories: %w", err)
	}
	for i, name := range product.Categories {
		if _, err := tx.ExecContext(ctx, `INSERT INTO product_categories (product_id, position, name) VALUES (?, ?, ?)`,
			product.ID, i, name); err != nil {
			return fmt.Errorf("failed to insert product category: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit product %d: %w", product.ID, err)
	}
	return nil
}

func (r *productRepository) DeleteProduct(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete product %d: %w", id, err)
	}
	return nil
}

func (r *productRepository) loadOne(ctx context.Context, row *sql.Row) (*Product, error) {
	product, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}

	products := []Product{*product}
	index := map[int64]int{product.ID: 0}
	if err := r.attachImages(ctx, products, index); err != nil {
		return nil, err
	}
	if err := r.attachCategories(ctx, products, index); err != nil {
		return nil, err
	}

	return &products[0], nil
}

func (r *productRepository) attachImages(ctx context.Context, products []Product, index map[int64]int) error {
	where, args := productScope(products)
	rows, err := r.db.QueryContext(ctx, `SELECT product_id, url FROM product_images`+where+` ORDER BY product_id, position`, args...)
	if err != nil {
		return fmt.Errorf("failed to list product images: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var productID int64
		var url string
		if err := rows.Scan(&productID, &url); err != nil {
			return fmt.Errorf("failed to scan product image: %w", err)
		}
		if i, ok := index[productID]; ok {
			products[i].GalleryImageURLs = append(products[i].GalleryImageURLs, url)
		}
	}
	return rows.Err()
}

func (r *productRepository) attachCategories(ctx context.Context, products []Product, index map[int64]int) error {
	where, args := productScope(products)
	rows, err := r.db.QueryContext(ctx, `SELECT product_id, name FROM product_categories`+where+` ORDER BY product_id, position`, args...)
	if err != nil {
		return fmt.Errorf("failed to list product categories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var productID int64
		var name string
		if err := rows.Scan(&productID, &name); err != nil {
			return fmt.Errorf("failed to scan product category: %w", err)
		}
		if i, ok := index[productID]; ok {
			products[i].Categories = append(products[i].Categories, name)
		}
	}
	return rows.Err()
}

// productScope narrows a child table read to a single loaded product. Lists
// read the whole table in one pass.
func productScope(products []Product) (string, []any) {
	if len(products) != 1 {
		return "", nil
	}
	return ` WHERE product_id = ?`, []any{products[0].ID}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*Product, error) {
	var product Product
	var status string
	var saleAmount, saleCurrency sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&product.ID, &product.Name, &product.ShortDescription, &product.Description, &product.Permalink,
		&product.ImageURL, &product.Price.Amount, &product.Price.Currency, &saleAmount, &saleCurrency,
		&product.OnSale, &product.SKU, &status, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	product.Status = ProductStatus(status)
	if saleAmount.Valid {
		product.SalePrice = &Money{Amount: saleAmount.String, Currency: saleCurrency.String}
	}
	product.CreatedAt = time.Unix(createdAt, 0).UTC()
	product.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &product, nil
}
