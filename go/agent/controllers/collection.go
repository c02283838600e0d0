// Collection-controller extras: detect when the latest inferred schema
// for this collection has widened (its md5 changed) and publish a touch
// of self so the validator re-injects it into the read schema. The
// status md5 stays unchanged across failed publications and only
// updates once one succeeds.
package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/estuary/flow/go/agent/controlplane"
	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
)

// CollectionController is the Controller for collection specs.
type CollectionController struct{}

var _ Controller = CollectionController{}

func (CollectionController) Poll(ctx context.Context, cp controlplane.ControlPlane, state *model.ControllerState) (*time.Time, error) {
	var status, err = state.Current.AsCollection()
	if err != nil {
		return nil, err
	}

	var live model.LiveSpec
	var ok bool
	if live, ok, err = cp.GetLiveSpec(ctx, state.CatalogName); err != nil {
		return nil, fmt.Errorf("fetching live spec: %w", err)
	}
	if !ok || live.IsDeleted() {
		return nil, nil
	}
	state.LastBuildID = live.LastBuildID
	if gen := builtGeneration(live.BuiltSpec); gen != 0 {
		status.GenerationID = gen
	}

	if _, err = reconcileActivation(ctx, cp, state); err != nil {
		return nil, err
	}

	var next = cp.CurrentTime().Add(pollInterval)

	var inferred model.InferredSchema
	if inferred, ok, err = cp.GetInferredSchema(ctx, state.CatalogName); err != nil {
		return nil, fmt.Errorf("fetching inferred schema: %w", err)
	}
	if !ok || inferred.MD5 == status.InferredSchema.SchemaMD5 {
		return &next, nil
	}
	// A schema keyed to another generation is awaiting regeneration and
	// isn't injected yet; don't republish against it.
	if status.GenerationID != 0 && inferred.GenerationID != status.GenerationID {
		return &next, nil
	}

	// Touch-publish self so the validator re-injects the widened read
	// schema, then touch-publish every materialization consuming this
	// collection so each rebuilds against it.
	var pubResult controlplane.PublishResult
	if pubResult, err = cp.PublishTouch(ctx, state.CatalogName, state.LastPubID); err != nil {
		return nil, fmt.Errorf("touch-publishing %s for inferred schema update: %w", state.CatalogName, err)
	}
	recordPublication(state, &status.Publications, true, cp.CurrentTime(), pubResult)

	if pubResult.Status != model.PublicationSuccess {
		// The md5 is not overwritten until a publication succeeds. A
		// recorded publication failure is not a controller failure, so
		// Failures stays untouched; retry soon.
		var soon = cp.CurrentTime().Add(time.Minute)
		return &soon, nil
	}

	if err = touchConsumers(ctx, cp, state, status); err != nil {
		return nil, err
	}
	status.InferredSchema.SchemaMD5 = inferred.MD5
	status.InferredSchema.SchemaLastUpdated = cp.CurrentTime()

	return &next, nil
}

// touchConsumers touch-publishes each materialization reading from this
// collection, recording every outcome in the publication history. A
// consumer's failed touch is retried on the next schema change; it does
// not hold back the collection's own md5 bookkeeping.
func touchConsumers(ctx context.Context, cp controlplane.ControlPlane, state *model.ControllerState, status *model.CollectionStatus) error {
	var consumers, err = cp.GetConsumers(ctx, state.CatalogName)
	if err != nil {
		return fmt.Errorf("resolving consumers of %s: %w", state.CatalogName, err)
	}
	for _, consumer := range consumers {
		var live, ok, err = cp.GetLiveSpec(ctx, consumer)
		if err != nil {
			return fmt.Errorf("fetching consumer %s: %w", consumer, err)
		}
		if !ok || live.IsDeleted() {
			continue
		}
		result, err := cp.PublishTouch(ctx, consumer, live.LastPubID)
		if err != nil {
			return fmt.Errorf("touch-publishing consumer %s: %w", consumer, err)
		}
		// These are the consumer's publications, not this collection's:
		// they land in the history for visibility but never advance
		// state.LastPubID.
		var now = cp.CurrentTime()
		var detail = "touch of consumer " + string(consumer)
		status.Publications.PushFront(model.PublicationInfo{
			ID:           result.PublicationID,
			Completed:    &now,
			Detail:       &detail,
			Errors:       result.Errors,
			Incompatible: result.Incompatible,
			Result:       result.Status,
			IsTouch:      true,
		})
	}
	return nil
}

// builtGeneration reads the generation id stamped onto a built
// collection spec, or zero if absent.
func builtGeneration(builtSpec json.RawMessage) ids.ID {
	if builtSpec == nil {
		return 0
	}
	var doc struct {
		GenerationID ids.ID `json:"generationId"`
	}
	if err := json.Unmarshal(builtSpec, &doc); err != nil {
		return 0
	}
	return doc.GenerationID
}
