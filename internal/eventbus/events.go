package eventbus

// Event types published by the check queues and the dispatcher.
//
// check.found carries a watch.FoundEvent; the dispatcher subscribes to it
// and forwards the items to the download manager. The remaining types are
// observational (status surfaces, tests).
const (
	TypeCheckFound     = "check.found"
	TypeCheckEmpty     = "check.empty"
	TypeCheckExhausted = "check.exhausted"
	TypeCheckFailed    = "check.failed"

	TypeDownloadDone   = "download.done"
	TypeDownloadFailed = "download.failed"

	TypeSchedulerFired = "scheduler.fired"
	TypeSchedulerIdle  = "scheduler.idle"
)
