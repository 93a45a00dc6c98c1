package schedule

// Event 生命週期通知
type Event int

const (
	EventScheduleStarted Event = iota + 1
	EventBatchStarted
	EventRunStarted
	EventGeneration
	EventRunCompleted
	EventRunAborted
	EventRunFinalized
	EventBatchFinished
	EventScheduleFinished
)

var eventNames = map[Event]string{
	EventScheduleStarted:  "SCHEDULE_STARTED",
	EventBatchStarted:     "BATCH_STARTED",
	EventRunStarted:       "RUN_STARTED",
	EventGeneration:       "GENERATION",
	EventRunCompleted:     "RUN_COMPLETED",
	EventRunAborted:       "RUN_ABORTED",
	EventRunFinalized:     "RUN_FINALIZED",
	EventBatchFinished:    "BATCH_FINISHED",
	EventScheduleFinished: "SCHEDULE_FINISHED",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "UNKNOWN"
}

// Observer 接收 Schedule 的生命週期通知
//
// 通知在 worker goroutine 上同步觸發，實作必須快速返回，
// 且不得保留 *Schedule 的參考。
type Observer interface {
	OnEvent(ev Event, s *Schedule)
}

// ObserverFunc adapts a function into an Observer.
type ObserverFunc func(ev Event, s *Schedule)

// OnEvent calls the underlying function.
func (f ObserverFunc) OnEvent(ev Event, s *Schedule) {
	if f != nil {
		f(ev, s)
	}
}
