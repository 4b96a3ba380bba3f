package domain

// Event names published to the event bus and recorded in the audit log.
const (
	EventPositionOpened  = "position_opened"
	EventLoopStep        = "loop_step"
	EventUnwindStep      = "unwind_step"
	EventStepSkipped     = "step_skipped"
	EventStepFailed      = "step_failed"
	EventEmergency       = "emergency"
	EventFlashEnter      = "flash_enter"
	EventFlashExit       = "flash_exit"
	EventUnwindRequested = "unwind_requested"
	EventFinalized       = "position_finalized"
	EventPriceTrigger    = "price_trigger"
)

// StreamPositions is the redis stream carrying position lifecycle events.
const StreamPositions = "positions"
