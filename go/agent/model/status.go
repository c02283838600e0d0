package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/estuary/flow/go/agent/ids"
)

// Status is a tagged union over the per-spec-type controller status:
// a sum type with one exported field per variant, exactly one non-nil
// at a time, so each controller works with its own concrete status type
// rather than a shared base "controller status" struct.
type Status struct {
	Capture         *CaptureStatus         `json:"capture,omitempty"`
	Collection      *CollectionStatus      `json:"collection,omitempty"`
	Materialization *MaterializationStatus `json:"materialization,omitempty"`
	Test            *TestStatus            `json:"test,omitempty"`
}

// CatalogType returns the spec type this status was computed for, or ""
// if the status is uninitialized.
func (s *Status) CatalogType() CatalogType {
	switch {
	case s.Capture != nil:
		return CatalogTypeCapture
	case s.Collection != nil:
		return CatalogTypeCollection
	case s.Materialization != nil:
		return CatalogTypeMaterialization
	case s.Test != nil:
		return CatalogTypeTest
	default:
		return ""
	}
}

// IsUninitialized reports whether no variant has been set yet.
func (s *Status) IsUninitialized() bool { return s.CatalogType() == "" }

// AsCapture returns the capture status, initializing it if the status is
// currently uninitialized, and errors if a different variant is set.
func (s *Status) AsCapture() (*CaptureStatus, error) {
	if s.IsUninitialized() {
		s.Capture = &CaptureStatus{}
	}
	if s.Capture == nil {
		return nil, fmt.Errorf("expected capture status, found %s", s.CatalogType())
	}
	return s.Capture, nil
}

// AsCollection is the CollectionStatus analogue of AsCapture.
func (s *Status) AsCollection() (*CollectionStatus, error) {
	if s.IsUninitialized() {
		s.Collection = &CollectionStatus{}
	}
	if s.Collection == nil {
		return nil, fmt.Errorf("expected collection status, found %s", s.CatalogType())
	}
	return s.Collection, nil
}

// AsMaterialization is the MaterializationStatus analogue of AsCapture.
func (s *Status) AsMaterialization() (*MaterializationStatus, error) {
	if s.IsUninitialized() {
		s.Materialization = &MaterializationStatus{}
	}
	if s.Materialization == nil {
		return nil, fmt.Errorf("expected materialization status, found %s", s.CatalogType())
	}
	return s.Materialization, nil
}

// AsTest is the TestStatus analogue of AsCapture.
func (s *Status) AsTest() (*TestStatus, error) {
	if s.IsUninitialized() {
		s.Test = &TestStatus{}
	}
	if s.Test == nil {
		return nil, fmt.Errorf("expected test status, found %s", s.CatalogType())
	}
	return s.Test, nil
}

// ActivationStatus records the build_id of the most recently activated
// build for a spec
type ActivationStatus struct {
	LastActivated ids.ID `json:"last_activated"`
	// ShardFailures is the count of shard failures the data plane has
	// reported against this task's own consumer shards since the last
	// successful activation, feeding the ShardFailed alert.
	ShardFailures int `json:"shard_failures,omitempty"`
}

// PublicationInfo is one entry in a controller's publication history ring
// buffer.
type PublicationInfo struct {
	ID           ids.ID                   `json:"id"`
	Created      *time.Time               `json:"created,omitempty"`
	Completed    *time.Time               `json:"completed,omitempty"`
	Detail       *string                  `json:"detail,omitempty"`
	Errors       []DraftError             `json:"errors,omitempty"`
	Incompatible []IncompatibleCollection `json:"incompatible_collections,omitempty"`
	Result       PublicationStatus        `json:"result"`
	Count        int                      `json:"count"`
	IsTouch      bool                     `json:"is_touch"`
}

// PublicationStatusHistory holds the bounded ring buffer of past
// publications a controller has driven, plus the dependency hash used to
// detect when a republish is needed.
type PublicationStatusHistory struct {
	MaxObservedPubID ids.ID            `json:"max_observed_pub_id"`
	History          []PublicationInfo `json:"history,omitempty"`
	DependencyHash   *string           `json:"dependency_hash,omitempty"`
}

// maxHistoryLen bounds the publication history ring buffer.
const maxHistoryLen = 10

// PushFront prepends a PublicationInfo, truncating the buffer to
// maxHistoryLen entries.
func (h *PublicationStatusHistory) PushFront(info PublicationInfo) {
	h.History = append([]PublicationInfo{info}, h.History...)
	if len(h.History) > maxHistoryLen {
		h.History = h.History[:maxHistoryLen]
	}
}

// AutoDiscoverStatus tracks a capture's auto-discover attempts.
type AutoDiscoverStatus struct {
	LastAttempt          *time.Time    `json:"last_attempt,omitempty"`
	LastSuccess          *time.Time    `json:"last_success,omitempty"`
	LastFailure          *time.Time    `json:"last_failure,omitempty"`
	Failures             int           `json:"failures"`
	PendingAddedBindings []CatalogName `json:"pending_added_bindings,omitempty"`
}

// CaptureStatus is the controller status for a capture spec.
type CaptureStatus struct {
	Publications PublicationStatusHistory `json:"publications"`
	Activation   ActivationStatus         `json:"activation"`
	AutoDiscover AutoDiscoverStatus       `json:"auto_discover"`
	AlertsFiring []AlertType              `json:"alerts_firing,omitempty"`
}

// InferredSchemaStatus records the last inferred schema generation applied
// to a collection's read schema
type InferredSchemaStatus struct {
	SchemaMD5         string    `json:"schema_md5,omitempty"`
	SchemaLastUpdated time.Time `json:"schema_last_updated,omitempty"`
}

// ConfigUpdatesStatus tracks pending connector-driven config updates for
// a collection (e.g. projection changes).
type ConfigUpdatesStatus struct {
	PendingAt *time.Time `json:"pending_at,omitempty"`
}

// CollectionStatus is the controller status for a collection spec.
type CollectionStatus struct {
	Publications    PublicationStatusHistory `json:"publications"`
	Activation      ActivationStatus         `json:"activation"`
	InferredSchema  InferredSchemaStatus     `json:"inferred_schema"`
	ConfigUpdates   ConfigUpdatesStatus      `json:"config_updates"`
	GenerationID    ids.ID                   `json:"generation_id"`
}

// SourceCaptureStatus tracks whether a materialization's bound capture has
// new bindings awaiting addition
// ("Materialization controller extras").
type SourceCaptureStatus struct {
	UpToDate    bool          `json:"up_to_date"`
	AddBindings []CatalogName `json:"add_bindings,omitempty"`
}

// MaterializationStatus is the controller status for a materialization spec.
type MaterializationStatus struct {
	Publications   PublicationStatusHistory `json:"publications"`
	Activation     ActivationStatus         `json:"activation"`
	SourceCapture  *SourceCaptureStatus     `json:"source_capture,omitempty"`
	DependencyHash string                   `json:"dependency_hash,omitempty"`
	AlertsFiring   []AlertType              `json:"alerts_firing,omitempty"`
}

// TestStatus is the controller status for a test spec.
type TestStatus struct {
	Publications PublicationStatusHistory `json:"publications"`
	Passing      bool                     `json:"passing"`
	AlertsFiring []AlertType              `json:"alerts_firing,omitempty"`
}

// ControllerState is the one-per-LiveSpec reconciliation record. On
// success, Failures resets to 0 and Error is nil; on failure, Failures
// increments and NextRun is set to now + backoff(Failures).
type ControllerState struct {
	LiveSpecID        ids.ID
	CatalogName       CatalogName
	ControllerVersion int
	Current           Status
	NextRun           *time.Time
	UpdatedAt         time.Time
	Failures          int
	Error             *string
	LiveSpecUpdatedAt time.Time
	LastPubID         ids.ID
	LastBuildID       ids.ID
}

// UnmarshalStatusJSON parses a raw controller status column, defaulting
// to an uninitialized Status if the column is empty (a freshly created
// controller row).
func UnmarshalStatusJSON(raw json.RawMessage) (Status, error) {
	var s Status
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return Status{}, fmt.Errorf("unmarshalling controller status: %w", err)
	}
	return s, nil
}
