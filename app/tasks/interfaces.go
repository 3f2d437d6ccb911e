package tasks

// TaskSchedulerInterface is what the application uses to run background
// work: warm-up on start, the periodic regeneration and ad-hoc tasks.
//
//	scheduler, err := NewScheduler(generator, definitions, coordinator, "0 */12 * * *", 2)
//	scheduler.Start()
//	defer scheduler.Stop()
//	scheduler.EnqueueTask(NewRegenerateFeedTask(def, generator, coordinator))
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
}
