package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ ReviewRepository = (*reviewRepository)(nil)

type reviewRepository struct {
	db *DB
}

func NewReviewRepository(db *DB) ReviewRepository {
	return &reviewRepository{db: db}
}

const reviewColumns = `id, product_id, post_type, author, content, rating, approval_state, created_at`

// ListReviews returns all reviews regardless of approval state, ordered by
// product and then creation time.
func (r *reviewRepository) ListReviews(ctx context.Context) ([]Review, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+reviewColumns+`
		FROM reviews
		ORDER BY product_id, created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []Review
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review row: %w", err)
		}
		reviews = append(reviews, *review)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating review rows: %w", err)
	}

	return reviews, nil
}

func (r *reviewRepository) GetReview(ctx context.Context, id int64) (*Review, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id = ?`, id)
	review, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review %d: %w", id, err)
	}
	return review, nil
}

func (r *reviewRepository) UpsertReview(ctx context.Context, review Review) error {
	if review.ID <= 0 {
		return fmt.Errorf("review id must be positive")
	}
	if review.PostType == "" {
		review.PostType = EntityTypeProduct
	}
	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now().UTC()
	}

	var rating sql.NullFloat64
	if review.Rating != nil {
		rating = sql.NullFloat64{Float64: *review.Rating, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reviews (id, product_id, post_type, author, content, rating, approval_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			product_id = excluded.product_id,
			post_type = excluded.post_type,
			author = excluded.author,
			content = excluded.content,
			rating = excluded.rating,
			approval_state = excluded.approval_state,
			created_at = excluded.created_at
	`, review.ID, review.ProductID, review.PostType, review.Author, review.Content, rating,
		string(review.ApprovalState), review.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert review %d: %w", review.ID, err)
	}
	return nil
}

func (r *reviewRepository) DeleteReview(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM reviews WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete review %d: %w", id, err)
	}
	return nil
}

func scanReview(row rowScanner) (*Review, error) {
	var review Review
	var rating sql.NullFloat64
	var state string
	var createdAt int64

	err := row.Scan(&review.ID, &review.ProductID, &review.PostType, &review.Author, &review.Content,
		&rating, &state, &createdAt)
	if err != nil {
		return nil, err
	}

	if rating.Valid {
		v := rating.Float64
		review.Rating = &v
	}
	review.ApprovalState = ApprovalState(state)
	review.CreatedAt = time.Unix(createdAt, 0)

	return &review, nil
}
