package model

import (
	"encoding/json"
	"time"

	"github.com/estuary/flow/go/agent/ids"
)

// TaskType identifies the registered Executor a Task is dispatched to.
// The underlying code is the small-integer internal.tasks.task_type
// column.
type TaskType int16

// Registered task types. Every publication and every controller runs
// as a queued task of one of these types.
const (
	TaskTypePublication TaskType = 1
	TaskTypeController  TaskType = 2
)

// InboxEntry is a single queued message delivered to a task. Payload is
// nil for a bare wake-up send.
type InboxEntry struct {
	SenderID ids.ID          `json:"sender_id"`
	Payload  json.RawMessage `json:"payload"`
}

// Task is the durable row backing one logical unit of queued work. At
// most one worker holds a Task at once, enforced by heartbeat expiry
// and SELECT ... FOR UPDATE SKIP LOCKED at the store layer; WakeAt
// monotonically advances or is set by an explicit Send.
type Task struct {
	ID        ids.ID
	Type      TaskType
	ParentID  *ids.ID
	Inbox     []InboxEntry
	State     json.RawMessage
	WakeAt    time.Time
	Heartbeat time.Time
}
