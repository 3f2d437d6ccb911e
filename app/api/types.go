package api

import (
	"context"
	"time"

	"github.com/smartystudio/smarty-google-feed-generator/app/events"
	"github.com/smartystudio/smarty-google-feed-generator/app/feed"
	"github.com/smartystudio/smarty-google-feed-generator/app/invalidation"
	"github.com/smartystudio/smarty-google-feed-generator/app/tasks"
)

type FeedService interface {
	Generate(ctx context.Context, kind feed.Kind, useCache bool) ([]byte, error)
	Refresh(ctx context.Context, kind feed.Kind) ([]byte, error)
	Invalidate(ctx context.Context, kind feed.Kind) error
	Stale(ctx context.Context, kind feed.Kind) ([]byte, time.Time, error)
	Status() map[feed.Kind]feed.GenerationStatus
}

var _ FeedService = (*feed.Generator)(nil)

// CoordinatorInterface receives change events and reports feed validity.
type CoordinatorInterface interface {
	events.Handler
	States() map[feed.Kind]invalidation.State
	MarkValid(kind feed.Kind)
	MarkInvalidated(kind feed.Kind)
}

var _ CoordinatorInterface = (*invalidation.Coordinator)(nil)

type Handler struct {
	definitions *feed.Definitions
	feeds       FeedService
	coordinator CoordinatorInterface
	scheduler   tasks.TaskSchedulerInterface
	version     string
	startedAt   time.Time
}
