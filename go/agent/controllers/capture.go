// Capture-controller extras: auto-discover against the connector's
// Discover RPC on the configured interval, diffing returned bindings
// against the current model and publishing an update when new bindings
// appear.
package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/estuary/flow/go/agent/alerts"
	"github.com/estuary/flow/go/agent/controlplane"
	"github.com/estuary/flow/go/agent/model"
)

// defaultAutoDiscoverInterval is used when a capture's autoDiscover block
// omits an explicit interval.
const defaultAutoDiscoverInterval = time.Hour

// pollInterval is how far out a controller without other scheduled work
// reschedules itself, so drift in external state (e.g. a connector's
// advertised auto-discover interval elapsing) is still noticed promptly.
const pollInterval = 5 * time.Minute

type captureBindingModel struct {
	Resource json.RawMessage   `json:"resource"`
	Target   model.CatalogName `json:"target"`
	Disable  bool              `json:"disable,omitempty"`
}

type captureAutoDiscoverModel struct {
	AddNewBindings bool   `json:"addNewBindings"`
	Interval       string `json:"interval,omitempty"`
}

type captureModel struct {
	Endpoint     json.RawMessage           `json:"endpoint"`
	Bindings     []captureBindingModel     `json:"bindings"`
	AutoDiscover *captureAutoDiscoverModel `json:"autoDiscover,omitempty"`
}

// CaptureController is the Controller for capture specs.
type CaptureController struct{}

var _ Controller = CaptureController{}

func (CaptureController) Poll(ctx context.Context, cp controlplane.ControlPlane, state *model.ControllerState) (*time.Time, error) {
	var status, err = state.Current.AsCapture()
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

	if _, err = reconcileActivation(ctx, cp, state); err != nil {
		return nil, err
	}

	var spec captureModel
	if err = json.Unmarshal(live.Model, &spec); err != nil {
		return nil, fmt.Errorf("parsing capture model: %w", err)
	}

	if spec.AutoDiscover != nil && spec.AutoDiscover.AddNewBindings {
		if err := pollAutoDiscover(ctx, cp, state, status, live, spec); err != nil {
			return nil, err
		}
	}

	var signals = alerts.AutoDiscoverFailedSignal(status.AutoDiscover.Failures, errString(status.AutoDiscover.LastFailure, state.Error))
	signals = append(signals, alerts.ShardFailedSignal(status.Activation.ShardFailures)...)
	if status.AlertsFiring, err = alerts.Reconcile(ctx, cp, state.CatalogName, cp.CurrentTime(), status.AlertsFiring, signals); err != nil {
		return nil, err
	}

	var next = cp.CurrentTime().Add(pollInterval)
	return &next, nil
}

// pollAutoDiscover invokes Discover if the configured interval has
// elapsed, diffs the result against the capture's current bindings, and
// publishes an update adding any newly-discovered targets.
func pollAutoDiscover(ctx context.Context, cp controlplane.ControlPlane, state *model.ControllerState, status *model.CaptureStatus, live model.LiveSpec, spec captureModel) error {
	var interval = defaultAutoDiscoverInterval
	if spec.AutoDiscover.Interval != "" {
		if d, err := time.ParseDuration(spec.AutoDiscover.Interval); err == nil {
			interval = d
		}
	}
	var now = cp.CurrentTime()
	if status.AutoDiscover.LastAttempt != nil && now.Sub(*status.AutoDiscover.LastAttempt) < interval {
		return nil
	}
	status.AutoDiscover.LastAttempt = &now

	var result, err = cp.Discover(ctx, state.CatalogName)
	if err != nil {
		status.AutoDiscover.Failures++
		status.AutoDiscover.LastFailure = &now
		return nil // a connector error is expected/transient; retried on next poll, not a controller failure.
	}

	var existing = make(map[model.CatalogName]bool, len(spec.Bindings))
	for _, b := range spec.Bindings {
		existing[b.Target] = true
	}

	var added []captureBindingModel
	for _, d := range result.Bindings {
		if !existing[d.RecommendedName] {
			added = append(added, captureBindingModel{Resource: json.RawMessage(`{}`), Target: d.RecommendedName})
		}
	}

	if len(added) == 0 {
		status.AutoDiscover.Failures = 0
		status.AutoDiscover.LastSuccess = &now
		status.AutoDiscover.PendingAddedBindings = nil
		return nil
	}

	var newModel, merr = mergeBindings(live.Model, added)
	if merr != nil {
		return fmt.Errorf("merging discovered bindings: %w", merr)
	}

	var pubResult, perr = cp.PublishUpdate(ctx, state.CatalogName, state.LastPubID, newModel, "auto-discover: add new bindings")
	if perr != nil {
		return fmt.Errorf("publishing auto-discovered bindings: %w", perr)
	}
	recordPublication(state, &status.Publications, false, now, pubResult)

	if pubResult.Status == model.PublicationSuccess {
		status.AutoDiscover.Failures = 0
		status.AutoDiscover.LastSuccess = &now
		status.AutoDiscover.PendingAddedBindings = nil
	} else {
		status.AutoDiscover.Failures++
		status.AutoDiscover.LastFailure = &now
		var names = make([]model.CatalogName, len(added))
		for i, b := range added {
			names[i] = b.Target
		}
		status.AutoDiscover.PendingAddedBindings = names
	}
	return nil
}

// mergeBindings appends added onto raw's existing bindings array,
// preserving every other field of the capture model untouched.
func mergeBindings(raw json.RawMessage, added []captureBindingModel) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	var spec captureModel
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, err
	}
	spec.Bindings = append(spec.Bindings, added...)

	var merged, err = json.Marshal(spec.Bindings)
	if err != nil {
		return nil, err
	}
	doc["bindings"] = merged
	return json.Marshal(doc)
}

func errString(lastFailure *time.Time, stateErr *string) string {
	if stateErr != nil {
		return *stateErr
	}
	if lastFailure != nil {
		return "discover failed"
	}
	return ""
}
