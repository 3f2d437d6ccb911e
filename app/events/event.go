// Package events turns catalog change notifications into invalidation calls.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/smartystudio/smarty-google-feed-generator/app/invalidation"
)

const (
	TypeEntityCreated      = "entity.created"
	TypeEntityUpdated      = "entity.updated"
	TypeEntityDeleted      = "entity.deleted"
	TypeReviewStateChanged = "review.state_changed"
)

// Event is the JSON payload accepted from NATS and the webhook endpoint.
// The binding tags are shared with gin request binding.
type Event struct {
	Type       string `json:"type" binding:"required,oneof=entity.created entity.updated entity.deleted review.state_changed"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   int64  `json:"entity_id,omitempty" binding:"gte=0"`
	ReviewID   int64  `json:"review_id,omitempty" binding:"gte=0"`
	State      string `json:"state,omitempty"`
	OwnerType  string `json:"owner_type,omitempty"`
}

// Handler receives decoded change events.
type Handler interface {
	OnEntityCreated(ctx context.Context, ch invalidation.Change) error
	OnEntityUpdated(ctx context.Context, ch invalidation.Change) error
	OnEntityDeleted(ctx context.Context, ch invalidation.Change) error
	OnReviewStateChanged(ctx context.Context, reviewID int64, newState string) error
}

var ErrInvalidEvent = errors.New("invalid event")

var validate = func() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}()

// Validate checks the event shape. Gin runs the same rules when binding.
func (e Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s fails %q", ErrInvalidEvent, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	switch e.Type {
	case TypeReviewStateChanged:
		if e.reviewID() == 0 {
			return fmt.Errorf("%w: review id is required", ErrInvalidEvent)
		}
	default:
		if e.EntityID == 0 {
			return fmt.Errorf("%w: entity id is required", ErrInvalidEvent)
		}
	}
	return nil
}

func (e Event) reviewID() int64 {
	if e.ReviewID != 0 {
		return e.ReviewID
	}
	return e.EntityID
}

func (e Event) change() invalidation.Change {
	return invalidation.Change{
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		OwnerType:  e.OwnerType,
		State:      e.State,
	}
}

// Decode parses and validates a JSON event.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Dispatch routes e to the matching Handler method.
func Dispatch(ctx context.Context, h Handler, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	switch e.Type {
	case TypeEntityCreated:
		return h.OnEntityCreated(ctx, e.change())
	case TypeEntityUpdated:
		return h.OnEntityUpdated(ctx, e.change())
	case TypeEntityDeleted:
		return h.OnEntityDeleted(ctx, e.change())
	case TypeReviewStateChanged:
		return h.OnReviewStateChanged(ctx, e.reviewID(), e.State)
	}
	return fmt.Errorf("%w: unsupported type %q", ErrInvalidEvent, e.Type)
}
