// Test-controller extras: rerun a test catalog whenever any collection
// it steps through changes, by touch-publishing through the shared
// dependency-hash mechanism, and track pass/fail so the TestFailed
// alert fires while a test keeps failing.
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

type testStepModel struct {
	Collection model.CatalogName `json:"collection"`
}

type testModel struct {
	Steps []testStepModel `json:"steps"`
}

// TestController is the Controller for test specs.
type TestController struct{}

var _ Controller = TestController{}

func (TestController) Poll(ctx context.Context, cp controlplane.ControlPlane, state *model.ControllerState) (*time.Time, error) {
	var status, err = state.Current.AsTest()
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

	var spec testModel
	if err = json.Unmarshal(live.Model, &spec); err != nil {
		return nil, fmt.Errorf("parsing test model: %w", err)
	}

	var deps = make([]model.CatalogName, len(spec.Steps))
	for i, step := range spec.Steps {
		deps[i] = step.Collection
	}

	// A test reruns whenever any referenced collection's last_build_id
	// changes, so build-only events (a touch refresh, an inferred-schema
	// widening, a generation recreation) rerun it even though the
	// collection's model bytes are unchanged.
	var fingerprint string
	if fingerprint, err = dependencyBuildFingerprint(ctx, cp, deps); err != nil {
		return nil, err
	}
	var touched bool
	if touched, err = reconcileDependencyFingerprint(ctx, cp, state, fingerprint); err != nil {
		return nil, err
	}
	if touched && len(status.Publications.History) > 0 {
		status.Passing = status.Publications.History[0].Result == model.PublicationSuccess
	}

	var signals []alerts.Signal
	if !status.Passing {
		signals = append(signals, alerts.Signal{
			Type:      model.AlertTestFailed,
			Arguments: map[string]any{"catalog_name": string(state.CatalogName)},
		})
	}
	if status.AlertsFiring, err = alerts.Reconcile(ctx, cp, state.CatalogName, cp.CurrentTime(), status.AlertsFiring, signals); err != nil {
		return nil, err
	}

	var next = cp.CurrentTime().Add(pollInterval)
	return &next, nil
}
