package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/smartystudio/smarty-google-feed-generator/app/feed"
)

type FeedGenerator interface {
	Generate(ctx context.Context, kind feed.Kind, useCache bool) ([]byte, error)
}

// StateMarker is told when a feed was rebuilt successfully.
type StateMarker interface {
	MarkValid(kind feed.Kind)
}

// RegenerateFeedTask rebuilds one feed from the catalog, bypassing the cache.
type RegenerateFeedTask struct {
	Task
	Kind      feed.Kind
	generator FeedGenerator
	marker    StateMarker
}

func NewRegenerateFeedTask(def feed.Definition, generator FeedGenerator, marker StateMarker) *RegenerateFeedTask {
	return &RegenerateFeedTask{
		Task:      NewTask(TaskTypeRegenerateFeed, def.Name),
		Kind:      def.Kind,
		generator: generator,
		marker:    marker,
	}
}

func (t *RegenerateFeedTask) Execute(ctx context.Context) error {

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := t.generator.Generate(ctx, t.Kind, false)
	if err != nil {
		return fmt.Errorf("failed to regenerate %s feed: %w", t.Kind, err)
	}

	if t.marker != nil {
		t.marker.MarkValid(t.Kind)
	}

	slog.Info("Task completed",
		"type", "RegenerateFeed",
		"feed", t.FeedName,
		"bytes", len(data),
		"duration", t.GetDuration())

	return nil
}
