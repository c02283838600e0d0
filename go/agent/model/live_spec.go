package model

import (
	"encoding/json"
	"time"

	"github.com/estuary/flow/go/agent/ids"
	"github.com/google/uuid"
)

// LiveSpec is the durable row for a (CatalogName, CatalogType). Model
// is nil iff the spec is logically deleted; the row is retained for
// audit and alerting.
type LiveSpec struct {
	ID                ids.ID
	CatalogName       CatalogName
	SpecType          CatalogType
	Model             json.RawMessage // nil iff logically deleted
	BuiltSpec         json.RawMessage
	LastPubID         ids.ID
	LastBuildID       ids.ID
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ControllerNextRun *time.Time
	DependencyHash    string
}

// IsDeleted reports whether this LiveSpec has been logically deleted.
func (l *LiveSpec) IsDeleted() bool { return l.Model == nil }

// DraftSpec is a proposed change to a LiveSpec, not yet committed.
// IsTouch means the model is expected to equal the current live model; the
// publisher asserts this and republishes unchanged (used to refresh built
// artifacts). ExpectPubID provides optimistic concurrency: publication
// fails if the current LastPubID differs. The zero ID means "expect not to
// exist".
type DraftSpec struct {
	DraftID     ids.ID
	CatalogName CatalogName
	SpecType    CatalogType
	Model       json.RawMessage // nil means "delete this spec"
	ExpectPubID *ids.ID
	IsTouch     bool
}

// PublicationStatus is the terminal (or in-flight) status of a Publication.
type PublicationStatus string

const (
	PublicationQueued        PublicationStatus = "queued"
	PublicationSuccess       PublicationStatus = "success"
	PublicationBuildFailed   PublicationStatus = "build_failed"
	PublicationPublishFailed PublicationStatus = "publish_failed"
	PublicationQuotaExceeded PublicationStatus = "quota_exceeded"
	PublicationForbidden     PublicationStatus = "forbidden"
	PublicationEmptyDraft    PublicationStatus = "empty_draft"
)

// IsTerminal reports whether the status represents a finished publication.
func (s PublicationStatus) IsTerminal() bool {
	return s != PublicationQueued
}

// DraftError is a single addressable error raised against a draft
// spec, addressable by (scope, catalog_name, detail).
type DraftError struct {
	CatalogName CatalogName `json:"catalog_name"`
	Scope       string      `json:"scope,omitempty"`
	Detail      string      `json:"detail"`
}

// RejectedField names a field a connector's Validate RPC refused, and why.
type RejectedField struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// AffectedConsumer names a materialization (or other consumer) affected by
// a collection incompatibility, and the fields it rejected.
type AffectedConsumer struct {
	Name         CatalogName     `json:"name"`
	Fields       []RejectedField `json:"fields"`
	ResourcePath []string        `json:"resource_path"`
}

// IncompatibleCollection is the structured error returned when a
// collection's build_failed is due to a connector or schema
// incompatibility affecting one or more materializations.
type IncompatibleCollection struct {
	Collection               CatalogName        `json:"collection"`
	RequiresRecreation       []string           `json:"requires_recreation,omitempty"`
	AffectedMaterializations []AffectedConsumer `json:"affected_materializations"`
}

// Publication is the durable row tracking one atomic catalog
// transition.
type Publication struct {
	ID          ids.ID
	UserID      uuid.UUID
	DraftID      ids.ID
	Status       PublicationStatus
	Errors       []DraftError
	Incompatible []IncompatibleCollection
	Detail       *string
	LogsToken    uuid.UUID
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// FlowEdge is a directed edge in the flow graph, derived from spec
// bindings at commit time.
type FlowEdge struct {
	SourceID ids.ID
	TargetID ids.ID
	FlowType FlowType
}

// InferredSchema is the schema derived from observed documents for a
// collection using flow://inferred-schema.
type InferredSchema struct {
	CollectionName CatalogName
	Schema         json.RawMessage
	MD5            string
	GenerationID   ids.ID
}

// AlertType identifies a kind of alert a controller can raise.
type AlertType string

const (
	AlertAutoDiscoverFailed  AlertType = "auto_discover_failed"
	AlertShardFailed         AlertType = "shard_failed"
	AlertFreeTrialStalled    AlertType = "free_trial_stalled"
	AlertDataMovementStalled AlertType = "data_movement_stalled"
	AlertTestFailed          AlertType = "test_failed"
)

// AlertHistory is a single firing/resolved alert instance. For a given
// (CatalogName, AlertType) at most one row has ResolvedAt nil.
type AlertHistory struct {
	AlertType         AlertType
	CatalogName       CatalogName
	FiredAt           time.Time
	ResolvedAt        *time.Time
	Arguments         json.RawMessage
	ResolvedArguments json.RawMessage
}

// Quota holds per-tenant limits checked pre-validation.
type Quota struct {
	Tenant           string
	QuotaTasks       int
	QuotaCollections int
}
