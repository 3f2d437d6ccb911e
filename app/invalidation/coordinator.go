// Package invalidation keeps cached feeds in step with catalog changes.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/smartystudio/smarty-google-feed-generator/app/database"
	"github.com/smartystudio/smarty-google-feed-generator/app/feed"
)

type State string

const (
	StateValid       State = "valid"
	StateInvalidated State = "invalidated"
)

// Change is a catalog change notification. OwnerType and State are only
// meaningful for review changes and may be empty.
type Change struct {
	EntityType string
	EntityID   int64
	OwnerType  string
	State      string
}

type Regenerator interface {
	Refresh(ctx context.Context, kind feed.Kind) ([]byte, error)
}

type EntityResolver interface {
	GetEntityType(ctx context.Context, id int64) (string, error)
}

type ReviewResolver interface {
	GetReview(ctx context.Context, id int64) (*database.Review, error)
}

type reviewAction string

const (
	reviewCreated      reviewAction = "created"
	reviewEdited       reviewAction = "edited"
	reviewDeleted      reviewAction = "deleted"
	reviewStateChanged reviewAction = "state_changed"
)

// Coordinator reacts to catalog change events by invalidating and eagerly
// regenerating the affected feed.
type Coordinator struct {
	feeds    Regenerator
	entities EntityResolver
	reviews  ReviewResolver

	mu     sync.RWMutex
	states map[feed.Kind]State
}

func NewCoordinator(feeds Regenerator, entities EntityResolver, reviews ReviewResolver) *Coordinator {
	states := make(map[feed.Kind]State, len(feed.Kinds))
	for _, kind := range feed.Kinds {
		states[kind] = StateValid
	}
	return &Coordinator{
		feeds:    feeds,
		entities: entities,
		reviews:  reviews,
		states:   states,
	}
}

func (c *Coordinator) OnEntityCreated(ctx context.Context, ch Change) error {
	if ch.EntityType == database.EntityTypeReview {
		return c.onReview(ctx, reviewCreated, ch.EntityID, ch)
	}
	return c.onProduct(ctx, "created", ch)
}

func (c *Coordinator) OnEntityUpdated(ctx context.Context, ch Change) error {
	if ch.EntityType == database.EntityTypeReview {
		return c.onReview(ctx, reviewEdited, ch.EntityID, ch)
	}
	return c.onProduct(ctx, "updated", ch)
}

func (c *Coordinator) OnEntityDeleted(ctx context.Context, ch Change) error {
	if ch.EntityType == database.EntityTypeReview {
		return c.onReview(ctx, reviewDeleted, ch.EntityID, ch)
	}
	return c.onProduct(ctx, "deleted", ch)
}

func (c *Coordinator) OnReviewStateChanged(ctx context.Context, reviewID int64, newState string) error {
	return c.onReview(ctx, reviewStateChanged, reviewID, Change{
		EntityType: database.EntityTypeReview,
		EntityID:   reviewID,
		State:      newState,
	})
}

// States returns the current state of every feed kind.
func (c *Coordinator) States() map[feed.Kind]State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[feed.Kind]State, len(c.states))
	for k, v := range c.states {
		out[k] = v
	}
	return out
}

func (c *Coordinator) onProduct(ctx context.Context, action string, ch Change) error {
	entityType := ch.EntityType
	if entityType == "" {
		resolved, err := c.entities.GetEntityType(ctx, ch.EntityID)
		if err != nil {
			return fmt.Errorf("failed to resolve entity %d: %w", ch.EntityID, err)
		}
		entityType = resolved
		// A deleted row can no longer be resolved.
		if entityType == "" && action == "deleted" {
			entityType = database.EntityTypeProduct
		}
	}

	if entityType != database.EntityTypeProduct {
		slog.Debug("Ignoring change for non-product entity", "action", action, "type", entityType, "id", ch.EntityID)
		return nil
	}

	slog.Info("Product changed, regenerating feeds", "action", action, "product", ch.EntityID)

	// Review entries carry the product name and SKU, so they go stale too.
	return errors.Join(
		c.regenerate(ctx, feed.KindProduct),
		c.regenerate(ctx, feed.KindReview),
	)
}

func (c *Coordinator) onReview(ctx context.Context, action reviewAction, reviewID int64, ch Change) error {
	review, err := c.reviews.GetReview(ctx, reviewID)
	if err != nil {
		return fmt.Errorf("failed to resolve review %d: %w", reviewID, err)
	}

	owner, err := c.ownerType(ctx, review, ch)
	if err != nil {
		return err
	}
	if owner != database.EntityTypeProduct {
		slog.Debug("Ignoring review on non-product entity", "action", action, "review", reviewID, "owner", owner)
		return nil
	}

	if action == reviewCreated && !approved(review, ch) {
		slog.Debug("Ignoring unapproved new review", "review", reviewID)
		return nil
	}

	slog.Info("Review changed, regenerating review feed", "action", action, "review", reviewID)
	return c.regenerate(ctx, feed.KindReview)
}

// ownerType resolves the type of the post a review belongs to. A review that
// is already gone is treated as product-owned.
func (c *Coordinator) ownerType(ctx context.Context, review *database.Review, ch Change) (string, error) {
	if ch.OwnerType != "" {
		return ch.OwnerType, nil
	}
	if review == nil {
		return database.EntityTypeProduct, nil
	}
	if review.PostType != "" {
		return review.PostType, nil
	}

	owner, err := c.entities.GetEntityType(ctx, review.ProductID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve owner of review %d: %w", review.ID, err)
	}
	return owner, nil
}

func approved(review *database.Review, ch Change) bool {
	if ch.State != "" {
		return database.ParseApprovalState(ch.State) == database.ReviewApproved
	}
	return review != nil && review.IsApproved()
}

func (c *Coordinator) regenerate(ctx context.Context, kind feed.Kind) error {
	c.setState(kind, StateInvalidated)

	if _, err := c.feeds.Refresh(ctx, kind); err != nil {
		slog.Error("Eager regeneration failed", "kind", kind, "error", err)
		return fmt.Errorf("failed to regenerate %s feed: %w", kind, err)
	}

	c.setState(kind, StateValid)
	return nil
}

func (c *Coordinator) setState(kind feed.Kind, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[kind] = state
}

// MarkValid records that kind was rebuilt outside the coordinator, for
// example by a read or a scheduled run after a failed refresh.
func (c *Coordinator) MarkValid(kind feed.Kind) {
	c.setState(kind, StateValid)
}

// MarkInvalidated records that the cached copy of kind was dropped without
// a rebuild.
func (c *Coordinator) MarkInvalidated(kind feed.Kind) {
	c.setState(kind, StateInvalidated)
}
