package wal

import "github.com/ChuLiYu/evorun/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define core data structures for the lifecycle journal
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventScheduleStarted  EventType = "SCHEDULE_STARTED"  // Computation left START
	EventBatchStarted     EventType = "BATCH_STARTED"     // Batch configuration applied
	EventRunStarted       EventType = "RUN_STARTED"       // Initial population created
	EventRunCompleted     EventType = "RUN_COMPLETED"     // Stop criterion fired
	EventRunAborted       EventType = "RUN_ABORTED"       // Run skipped
	EventBatchFinished    EventType = "BATCH_FINISHED"    // Last run of a batch finished
	EventScheduleFinished EventType = "SCHEDULE_FINISHED" // Last run of the last batch finished
	EventSeek             EventType = "SEEK"              // Live position moved by a seek command
	EventEdit             EventType = "EDIT"              // Live computation edited, checkpoints truncated
	EventError            EventType = "ERROR"             // Step failed, controller fell back
)

// Event represents a journal record
type Event struct {
	Seq       uint64          `json:"seq"`              // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`             // Event type
	Index     types.TimeIndex `json:"index"`            // Position the event refers to
	Detail    string          `json:"detail,omitempty"` // Free-form detail (error text, seek target)
	Timestamp int64           `json:"timestamp"`        // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`         // CRC32 checksum
}

// EventHandler is the function type for processing journal events during Replay
type EventHandler func(event Event) error
