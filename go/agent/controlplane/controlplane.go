// Package controlplane defines the narrow interface controllers use to
// reach the store and publisher. Controllers never touch the store
// directly; they call through this interface, which both keeps them
// free of SQL and makes them testable against an in-memory fake.
package controlplane

import (
	"context"
	"time"

	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
)

// PublishResult is the outcome of a controller-initiated publication, a
// trimmed view of model.Publication sufficient for status bookkeeping.
type PublishResult struct {
	PublicationID ids.ID
	Status        model.PublicationStatus
	Errors        []model.DraftError
	Incompatible  []model.IncompatibleCollection
}

// DiscoverBinding is one binding a connector's Discover RPC reported.
type DiscoverBinding struct {
	ResourcePath    []string
	RecommendedName model.CatalogName
	DocumentSchema  []byte
	Key             []string
}

// DiscoverResult is the outcome of a capture connector's Discover RPC.
type DiscoverResult struct {
	Bindings []DiscoverBinding
}

// ControlPlane is the capability surface granted to a controller: it
// may read live specs and inferred schemas, request publications of its
// own spec (auto-discover, binding sync, touch) or touches of its
// consumers, and record or clear alerts. It may not touch the store's task queue or any other
// controller's row.
type ControlPlane interface {
	// GetLiveSpec fetches the current LiveSpec for name, or ok=false if
	// it does not exist (e.g. was deleted out from under the
	// controller).
	GetLiveSpec(ctx context.Context, name model.CatalogName) (spec model.LiveSpec, ok bool, err error)
	// GetInferredSchema fetches the latest inferred schema for a
	// collection, or ok=false if none has been observed yet.
	GetInferredSchema(ctx context.Context, name model.CatalogName) (schema model.InferredSchema, ok bool, err error)
	// GetConsumers returns the catalog names of every materialization
	// reading from the named collection, in sorted order.
	GetConsumers(ctx context.Context, name model.CatalogName) ([]model.CatalogName, error)

	// PublishTouch re-publishes name's current model unchanged, to
	// refresh a stale built artifact without a content change.
	PublishTouch(ctx context.Context, name model.CatalogName, expectPubID ids.ID) (PublishResult, error)
	// PublishUpdate proposes a new model for name and publishes it,
	// e.g. a capture's auto-discovered bindings or a materialization's
	// source-capture binding sync.
	PublishUpdate(ctx context.Context, name model.CatalogName, expectPubID ids.ID, model []byte, detail string) (PublishResult, error)

	// RecordAlert upserts a firing alert_history row for (name, kind),
	// idempotent if already firing.
	RecordAlert(ctx context.Context, name model.CatalogName, kind model.AlertType, arguments []byte, now time.Time) error
	// ResolveAlert closes the open alert_history row for (name, kind), if
	// any, recording resolvedArguments.
	ResolveAlert(ctx context.Context, name model.CatalogName, kind model.AlertType, resolvedArguments []byte, now time.Time) error

	// Activate re-applies name's currently built spec into the data
	// plane. Idempotent.
	Activate(ctx context.Context, name model.CatalogName) error

	// Discover invokes a capture connector's Discover RPC against its
	// current endpoint config.
	Discover(ctx context.Context, name model.CatalogName) (DiscoverResult, error)

	// CurrentTime returns the control plane's notion of "now", so
	// controllers never call time.Now() directly and stay deterministic
	// under test.
	CurrentTime() time.Time
}
