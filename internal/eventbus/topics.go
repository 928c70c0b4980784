package eventbus

// Topics published by the pipeline. Data types are noted per topic.
const (
	TopicConnState     = "conn.state"       // conn.Change
	TopicToast         = "toast.transition" // toast.Transition
	TopicRejected      = "payload.rejected" // Rejected
	TopicSuppressed    = "dedup.suppressed" // notification id (string)
	TopicFlush         = "engagement.flush" // engagement.FlushResult
	TopicConfigApplied = "config.applied"   // config hash (string)
	TopicMaintenance   = "maintenance.run"  // MaintenanceRun
)

// Rejected describes an inbound payload that failed to decode.
type Rejected struct {
	Epoch  uint64
	Reason string
	Size   int
}

// MaintenanceRun reports one housekeeping job.
type MaintenanceRun struct {
	Job      string
	Affected int
	Err      string
}
