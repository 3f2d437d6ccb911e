package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/smartystudio/smarty-google-feed-generator/app/feed"
)

// ReloadDefinitionsTask re-reads the feed definition files.
type ReloadDefinitionsTask struct {
	Task
	defs *feed.Definitions
}

func NewReloadDefinitionsTask(defs *feed.Definitions) *ReloadDefinitionsTask {
	task := NewTask(TaskTypeReloadDefinitions, "")
	// Reloading a broken file again will not fix it.
	task.MaxRetries = 0
	return &ReloadDefinitionsTask{
		Task: task,
		defs: defs,
	}
}

func (t *ReloadDefinitionsTask) Execute(ctx context.Context) error {

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := t.defs.Run(); err != nil {
		return fmt.Errorf("failed to reload feed definitions: %w", err)
	}

	slog.Info("Task completed",
		"type", "ReloadDefinitions",
		"definitions", t.defs.Count(),
		"duration", t.GetDuration())

	return nil
}
