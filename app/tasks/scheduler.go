package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/smartystudio/smarty-google-feed-generator/app/feed"
)

var _ TaskSchedulerInterface = (*Scheduler)(nil)

const (
	taskTimeout   = 5 * time.Minute
	maxRetryDelay = 30 * time.Second
)

// ParseSchedule parses a standard five field cron spec or a descriptor such
// as @every 6h.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return scheduleParser.Parse(spec)
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Scheduler struct {
	generator   FeedGenerator
	definitions *feed.Definitions
	marker      StateMarker
	schedule    cron.Schedule
	workerCount int
	retryBase   time.Duration
	cron        *cron.Cron
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	taskQueue   chan TaskInterface
}

func NewScheduler(generator FeedGenerator, definitions *feed.Definitions, marker StateMarker,
	spec string, workerCount int) (*Scheduler, error) {
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	if workerCount < 1 {
		workerCount = 1
	}

	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug))
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		generator:   generator,
		definitions: definitions,
		marker:      marker,
		schedule:    schedule,
		workerCount: workerCount,
		retryBase:   time.Second,
		cron: cron.New(
			cron.WithParser(scheduleParser),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:       ctx,
		cancel:    cancel,
		taskQueue: make(chan TaskInterface, 64),
	}, nil
}

func (s *Scheduler) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.enqueueStartupTasks()

	s.cron.Schedule(s.schedule, cron.FuncJob(s.enqueueScheduledTasks))
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
	}

	select {
	case s.taskQueue <- task:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return fmt.Errorf("task queue is full")
	}
}

// NextRun reports when the periodic regeneration fires next.
func (s *Scheduler) NextRun() time.Time {
	return s.schedule.Next(time.Now())
}

func (s *Scheduler) enqueueStartupTasks() {
	defs := s.definitions.Enabled()
	if len(defs) == 0 {
		slog.Debug("No enabled feed definitions found")
		return
	}

	slog.Debug("Warming feeds", "count", len(defs))

	for _, def := range defs {
		if err := s.EnqueueTask(NewRegenerateFeedTask(def, s.generator, s.marker)); err != nil {
			slog.Warn("Failed to enqueue RegenerateFeedTask", "feed", def.Name, "error", err)
		}
	}
}

func (s *Scheduler) enqueueScheduledTasks() {
	for _, def := range s.definitions.Enabled() {
		if !def.Scheduled {
			slog.Debug("Feed not scheduled, skipping", "feed", def.Name)
			continue
		}
		if err := s.EnqueueTask(NewRegenerateFeedTask(def, s.generator, s.marker)); err != nil {
			slog.Warn("Failed to enqueue RegenerateFeedTask", "feed", def.Name, "error", err)
		}
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.taskQueue:
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	task.Start()

	taskCtx, cancel := context.WithTimeout(s.ctx, taskTimeout)
	defer cancel()

	err := task.Execute(taskCtx)
	if err == nil {
		return
	}

	slog.Error("Worker task execution failed", "worker_id", workerID, "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", err)

	if !task.CanRetry() {
		slog.Error("Task failed after maximum retries", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "last_error", err)
		return
	}

	task.IncrementRetryCount()
	retryDelay := s.retryBase * time.Duration(1<<uint(task.GetRetryCount()-1))
	if retryDelay > maxRetryDelay {
		retryDelay = maxRetryDelay
	}

	slog.Warn("Task retry scheduled", "type", string(task.GetType()), "feed", task.GetFeedName(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "delay", retryDelay.String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(retryDelay)
		defer timer.Stop()

		select {
		case <-s.ctx.Done():
			slog.Debug("Scheduler stopped, skipping task retry", "type", string(task.GetType()), "id", task.GetID())
		case <-timer.C:
			if retryErr := s.EnqueueTask(task); retryErr != nil {
				slog.Error("Failed to re-enqueue task for retry", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", retryErr)
			}
		}
	}()
}
