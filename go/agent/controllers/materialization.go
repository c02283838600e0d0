// Materialization-controller extras: source-capture binding
// synchronization. A materialization may declare a sourceCapture, the
// capture whose collections it should automatically materialize; when
// that capture publishes new bindings, this controller computes the set
// to add and publishes them, marking source_capture.up_to_date only
// once that publication lands.
package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/estuary/flow/go/agent/controlplane"
	"github.com/estuary/flow/go/agent/model"
)

type materializationBindingModel struct {
	Resource json.RawMessage   `json:"resource"`
	Source   model.CatalogName `json:"source"`
	Disable  bool              `json:"disable,omitempty"`
}

type materializationModel struct {
	Endpoint      json.RawMessage               `json:"endpoint"`
	Bindings      []materializationBindingModel `json:"bindings"`
	SourceCapture model.CatalogName             `json:"sourceCapture,omitempty"`
}

type captureBindingTargetsModel struct {
	Bindings []struct {
		Target  model.CatalogName `json:"target"`
		Disable bool              `json:"disable,omitempty"`
	} `json:"bindings"`
}

// MaterializationController is the Controller for materialization
// specs.
type MaterializationController struct{}

var _ Controller = MaterializationController{}

func (MaterializationController) Poll(ctx context.Context, cp controlplane.ControlPlane, state *model.ControllerState) (*time.Time, error) {
	var status, err = state.Current.AsMaterialization()
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

	var spec materializationModel
	if err = json.Unmarshal(live.Model, &spec); err != nil {
		return nil, fmt.Errorf("parsing materialization model: %w", err)
	}

	var next = cp.CurrentTime().Add(pollInterval)

	if spec.SourceCapture != "" {
		if err := pollSourceCapture(ctx, cp, state, status, live, spec); err != nil {
			return nil, err
		}
	}

	var deps = make([]model.CatalogName, len(spec.Bindings))
	for i, b := range spec.Bindings {
		deps[i] = b.Source
	}
	if _, err = reconcileDependencyHash(ctx, cp, state, deps); err != nil {
		return nil, err
	}
	if history, herr := publicationHistory(&state.Current); herr == nil && history.DependencyHash != nil {
		status.DependencyHash = *history.DependencyHash
	}

	return &next, nil
}

// pollSourceCapture diffs the bound capture's current targets against
// this materialization's own source bindings and, if any are missing,
// publishes an update adding them.
func pollSourceCapture(ctx context.Context, cp controlplane.ControlPlane, state *model.ControllerState, status *model.MaterializationStatus, live model.LiveSpec, spec materializationModel) error {
	var captureLive, ok, err = cp.GetLiveSpec(ctx, spec.SourceCapture)
	if err != nil {
		return fmt.Errorf("fetching source capture %s: %w", spec.SourceCapture, err)
	}
	if status.SourceCapture == nil {
		status.SourceCapture = &model.SourceCaptureStatus{}
	}
	if !ok || captureLive.IsDeleted() {
		status.SourceCapture.UpToDate = true
		status.SourceCapture.AddBindings = nil
		return nil
	}

	var captureSpec captureBindingTargetsModel
	if err := json.Unmarshal(captureLive.Model, &captureSpec); err != nil {
		return fmt.Errorf("parsing source capture %s: %w", spec.SourceCapture, err)
	}

	var existing = make(map[model.CatalogName]bool, len(spec.Bindings))
	for _, b := range spec.Bindings {
		existing[b.Source] = true
	}

	var missing []model.CatalogName
	for _, b := range captureSpec.Bindings {
		if !b.Disable && !existing[b.Target] {
			missing = append(missing, b.Target)
		}
	}

	if len(missing) == 0 {
		status.SourceCapture.UpToDate = true
		status.SourceCapture.AddBindings = nil
		return nil
	}
	status.SourceCapture.UpToDate = false
	status.SourceCapture.AddBindings = missing

	var newModel, merr = addMaterializationBindings(live.Model, missing)
	if merr != nil {
		return fmt.Errorf("adding source-capture bindings: %w", merr)
	}

	var pubResult, perr = cp.PublishUpdate(ctx, state.CatalogName, state.LastPubID, newModel,
		fmt.Sprintf("evolution: add %d binding(s) from source capture %s", len(missing), spec.SourceCapture))
	if perr != nil {
		return fmt.Errorf("publishing source-capture binding sync: %w", perr)
	}
	recordPublication(state, &status.Publications, false, cp.CurrentTime(), pubResult)

	if pubResult.Status == model.PublicationSuccess {
		status.SourceCapture.UpToDate = true
		status.SourceCapture.AddBindings = nil
	}
	return nil
}

func addMaterializationBindings(raw json.RawMessage, sources []model.CatalogName) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	var spec materializationModel
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, err
	}
	for _, src := range sources {
		spec.Bindings = append(spec.Bindings, materializationBindingModel{Resource: json.RawMessage(`{}`), Source: src})
	}
	var merged, err = json.Marshal(spec.Bindings)
	if err != nil {
		return nil, err
	}
	doc["bindings"] = merged
	return json.Marshal(doc)
}
