// Package labels names the journal and shard labels the control plane
// stamps onto data-plane specs, so the Activator can re-list and diff
// what it previously applied.
package labels

// JournalSpec labels.
const (
	// Collection is the name of the collection for which this journal
	// holds documents.
	Collection = "estuary.dev/collection"
	// Generation identifies the logical rebuild of the collection this
	// journal belongs to. Journals of a prior generation are retained
	// (not deleted) when a collection is recreated.
	Generation = "estuary.dev/generation"
	// KeyBegin and KeyEnd are the inclusive hex-encoded range of document
	// keys covered by this journal or shard.
	KeyBegin = "estuary.dev/key-begin"
	KeyEnd   = "estuary.dev/key-end"
)

// ShardSpec labels.
const (
	// TaskName is the catalog task (capture, derivation, or
	// materialization) executed by this shard.
	TaskName = "estuary.dev/task-name"
	// TaskType is the catalog type of TaskName.
	TaskType = "estuary.dev/task-type"
	// Build is the build id of the catalog artifact this shard runs.
	Build = "estuary.dev/build"
	// RClockBegin and RClockEnd are the inclusive hex-encoded rotated
	// clock range processed by this shard.
	RClockBegin = "estuary.dev/rclock-begin"
	RClockEnd   = "estuary.dev/rclock-end"
)
