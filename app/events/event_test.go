package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartystudio/smarty-google-feed-generator/app/invalidation"
)

type call struct {
	method string
	change invalidation.Change
	review int64
	state  string
}

type recordingHandler struct {
	calls []call
	err   error
}

func (h *recordingHandler) OnEntityCreated(_ context.Context, ch invalidation.Change) error {
	h.calls = append(h.calls, call{method: "created", change: ch})
	return h.err
}

func (h *recordingHandler) OnEntityUpdated(_ context.Context, ch invalidation.Change) error {
	h.calls = append(h.calls, call{method: "updated", change: ch})
	return h.err
}

func (h *recordingHandler) OnEntityDeleted(_ context.Context, ch invalidation.Change) error {
	h.calls = append(h.calls, call{method: "deleted", change: ch})
	return h.err
}

func (h *recordingHandler) OnReviewStateChanged(_ context.Context, id int64, state string) error {
	h.calls = append(h.calls, call{method: "state", review: id, state: state})
	return h.err
}

func TestDispatchRoutesEvents(t *testing.T) {
	tests := []struct {
		event Event
		want  call
	}{
		{
			Event{Type: TypeEntityCreated, EntityType: "product", EntityID: 1},
			call{method: "created", change: invalidation.Change{EntityType: "product", EntityID: 1}},
		},
		{
			Event{Type: TypeEntityUpdated, EntityType: "review", EntityID: 9, OwnerType: "product", State: "approved"},
			call{method: "updated", change: invalidation.Change{EntityType: "review", EntityID: 9, OwnerType: "product", State: "approved"}},
		},
		{
			Event{Type: TypeEntityDeleted, EntityType: "product", EntityID: 3},
			call{method: "deleted", change: invalidation.Change{EntityType: "product", EntityID: 3}},
		},
		{
			Event{Type: TypeReviewStateChanged, ReviewID: 12, State: "spam"},
			call{method: "state", review: 12, state: "spam"},
		},
		{
			Event{Type: TypeReviewStateChanged, EntityID: 13, State: "1"},
			call{method: "state", review: 13, state: "1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.event.Type, func(t *testing.T) {
			h := &recordingHandler{}
			require.NoError(t, Dispatch(context.Background(), h, tt.event))
			require.Len(t, h.calls, 1)
			assert.Equal(t, tt.want, h.calls[0])
		})
	}
}

func TestDispatchRejectsInvalidEvents(t *testing.T) {
	tests := []struct {
		name  string
		event Event
	}{
		{"missing type", Event{EntityID: 1}},
		{"unknown type", Event{Type: "entity.renamed", EntityID: 1}},
		{"missing entity id", Event{Type: TypeEntityUpdated, EntityType: "product"}},
		{"negative id", Event{Type: TypeEntityUpdated, EntityID: -4}},
		{"state change without review", Event{Type: TypeReviewStateChanged, State: "approved"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &recordingHandler{}
			err := Dispatch(context.Background(), h, tt.event)
			assert.ErrorIs(t, err, ErrInvalidEvent)
			assert.Empty(t, h.calls)
		})
	}
}

func TestDispatchPropagatesHandlerError(t *testing.T) {
	boom := errors.New("refresh failed")
	h := &recordingHandler{err: boom}

	err := Dispatch(context.Background(), h, Event{Type: TypeEntityUpdated, EntityID: 1})
	assert.ErrorIs(t, err, boom)
}

func TestDecode(t *testing.T) {
	e, err := Decode([]byte(`{"type":"entity.updated","entity_type":"product","entity_id":42}`))
	require.NoError(t, err)
	assert.Equal(t, Event{Type: TypeEntityUpdated, EntityType: "product", EntityID: 42}, e)

	_, err = Decode([]byte(`{"type":`))
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = Decode([]byte(`{"type":"bogus","entity_id":1}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestNatsSubscriberHandle(t *testing.T) {
	h := &recordingHandler{}
	s := newNatsSubscriber(nil, "catalog.events", h, time.Second)

	s.handle(context.Background(), &nats.Msg{
		Subject: "catalog.events.product",
		Data:    []byte(`{"type":"entity.deleted","entity_type":"product","entity_id":5}`),
	})
	s.handle(context.Background(), &nats.Msg{
		Subject: "catalog.events.product",
		Data:    []byte(`not json`),
	})

	require.Len(t, h.calls, 1)
	assert.Equal(t, "deleted", h.calls[0].method)
	assert.Equal(t, int64(5), h.calls[0].change.EntityID)
}
