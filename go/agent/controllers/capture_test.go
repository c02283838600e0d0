package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/flow/go/agent/controlplane"
	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
)

func captureFixture() (model.LiveSpec, *model.ControllerState) {
	var live = model.LiveSpec{
		ID:          ids.ID(11),
		CatalogName: "acmeCo/source-foo",
		SpecType:    model.CatalogTypeCapture,
		Model: []byte(`{
			"endpoint": {"connector": {"image": "source-foo:v1", "config": {}}},
			"bindings": [{"resource": {"stream": "bb"}, "target": "acmeCo/bb"}],
			"autoDiscover": {"addNewBindings": true}
		}`),
		BuiltSpec:   []byte(`{"bindings":[]}`),
		LastPubID:   ids.ID(3),
		LastBuildID: ids.ID(7),
	}
	var state = &model.ControllerState{
		LiveSpecID:  live.ID,
		CatalogName: live.CatalogName,
		LastPubID:   live.LastPubID,
		LastBuildID: live.LastBuildID,
	}
	return live, state
}

func TestCaptureControllerAddsDiscoveredBindings(t *testing.T) {
	var live, state = captureFixture()
	var cp = controlplane.NewFake(testStart, live)
	cp.NextDiscover = &controlplane.DiscoverResult{
		Bindings: []controlplane.DiscoverBinding{
			{RecommendedName: "acmeCo/bb"}, // Already bound.
			{RecommendedName: "acmeCo/cc"}, // New.
		},
	}

	require.NoError(t, Run(context.Background(), CaptureController{}, cp, state))

	var status = state.Current.Capture
	require.Zero(t, status.AutoDiscover.Failures)
	require.NotNil(t, status.AutoDiscover.LastSuccess)
	require.Len(t, cp.Published, 1, "new bindings publish an update")

	var updated struct {
		Bindings []struct {
			Target model.CatalogName `json:"target"`
		} `json:"bindings"`
	}
	var after, _, err = cp.GetLiveSpec(context.Background(), live.CatalogName)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(after.Model, &updated))
	require.Len(t, updated.Bindings, 2)
	require.Equal(t, model.CatalogName("acmeCo/cc"), updated.Bindings[1].Target)
}

func TestCaptureControllerNoNewBindingsIsIdle(t *testing.T) {
	var live, state = captureFixture()
	var cp = controlplane.NewFake(testStart, live)
	cp.NextDiscover = &controlplane.DiscoverResult{
		Bindings: []controlplane.DiscoverBinding{{RecommendedName: "acmeCo/bb"}},
	}

	require.NoError(t, Run(context.Background(), CaptureController{}, cp, state))
	require.Empty(t, cp.Published)
	require.NotNil(t, state.Current.Capture.AutoDiscover.LastSuccess)
}

func TestCaptureControllerDiscoverFailureBacksOff(t *testing.T) {
	var live, state = captureFixture()
	var cp = controlplane.NewFake(testStart, live)
	cp.DiscoverErr = errors.New("connector unreachable")

	require.NoError(t, Run(context.Background(), CaptureController{}, cp, state))

	var status = state.Current.Capture
	require.Equal(t, 1, status.AutoDiscover.Failures)
	require.NotNil(t, status.AutoDiscover.LastFailure)
	require.Zero(t, state.Failures, "a discover failure is not a controller failure")

	// Within the discover interval, no further attempt is made.
	require.NoError(t, Run(context.Background(), CaptureController{}, cp, state))
	require.Equal(t, 1, status.AutoDiscover.Failures)
}

func TestCaptureControllerRepeatedDiscoverFailuresRaiseAlert(t *testing.T) {
	var live, state = captureFixture()
	var cp = controlplane.NewFake(testStart, live)
	cp.DiscoverErr = errors.New("connector unreachable")

	for i := 0; i != 3; i++ {
		require.NoError(t, Run(context.Background(), CaptureController{}, cp, state))
		cp.Now = cp.Now.Add(2 * defaultAutoDiscoverInterval)
	}

	require.Equal(t, 3, state.Current.Capture.AutoDiscover.Failures)
	require.Contains(t, state.Current.Capture.AlertsFiring, model.AlertAutoDiscoverFailed)
	require.True(t, cp.Alerts[controlplane.AlertKey(live.CatalogName, model.AlertAutoDiscoverFailed)])

	// A subsequent success resolves the alert.
	cp.DiscoverErr = nil
	cp.NextDiscover = &controlplane.DiscoverResult{}
	require.NoError(t, Run(context.Background(), CaptureController{}, cp, state))
	require.NotContains(t, state.Current.Capture.AlertsFiring, model.AlertAutoDiscoverFailed)
	require.False(t, cp.Alerts[controlplane.AlertKey(live.CatalogName, model.AlertAutoDiscoverFailed)])
}
