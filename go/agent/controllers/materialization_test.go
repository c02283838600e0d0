package controllers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/flow/go/agent/controlplane"
	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
)

func materializationFixture() (model.LiveSpec, model.LiveSpec, *model.ControllerState) {
	var capture = model.LiveSpec{
		ID:          ids.ID(21),
		CatalogName: "acmeCo/source-foo",
		SpecType:    model.CatalogTypeCapture,
		Model: []byte(`{
			"bindings": [
				{"resource": {"stream": "bb"}, "target": "acmeCo/bb"},
				{"resource": {"stream": "cc"}, "target": "acmeCo/cc"},
				{"resource": {"stream": "dd"}, "target": "acmeCo/dd", "disable": true}
			]
		}`),
		LastPubID: ids.ID(4),
	}
	var mat = model.LiveSpec{
		ID:          ids.ID(22),
		CatalogName: "acmeCo/materialize-db",
		SpecType:    model.CatalogTypeMaterialization,
		Model: []byte(`{
			"endpoint": {"connector": {"image": "materialize-db:v1", "config": {}}},
			"bindings": [{"resource": {"table": "bb"}, "source": "acmeCo/bb"}],
			"sourceCapture": "acmeCo/source-foo"
		}`),
		LastPubID:   ids.ID(3),
		LastBuildID: ids.ID(7),
	}
	var state = &model.ControllerState{
		LiveSpecID:  mat.ID,
		CatalogName: mat.CatalogName,
		LastPubID:   mat.LastPubID,
		LastBuildID: mat.LastBuildID,
	}
	return capture, mat, state
}

func TestMaterializationControllerAddsSourceCaptureBindings(t *testing.T) {
	var capture, mat, state = materializationFixture()
	var cp = controlplane.NewFake(testStart, capture, mat)

	require.NoError(t, Run(context.Background(), MaterializationController{}, cp, state))

	var status = state.Current.Materialization
	require.NotNil(t, status.SourceCapture)
	require.True(t, status.SourceCapture.UpToDate)
	require.Empty(t, status.SourceCapture.AddBindings)

	var after, _, err = cp.GetLiveSpec(context.Background(), mat.CatalogName)
	require.NoError(t, err)
	var updated struct {
		Bindings []struct {
			Source model.CatalogName `json:"source"`
		} `json:"bindings"`
	}
	require.NoError(t, json.Unmarshal(after.Model, &updated))
	require.Len(t, updated.Bindings, 2, "the enabled, unbound capture target is added")
	require.Equal(t, model.CatalogName("acmeCo/cc"), updated.Bindings[1].Source)
}

func TestMaterializationControllerUpToDateCaptureIsIdle(t *testing.T) {
	var capture, mat, state = materializationFixture()
	capture.Model = []byte(`{"bindings":[{"resource":{"stream":"bb"},"target":"acmeCo/bb"}]}`)
	var cp = controlplane.NewFake(testStart, capture, mat)

	require.NoError(t, Run(context.Background(), MaterializationController{}, cp, state))

	require.True(t, state.Current.Materialization.SourceCapture.UpToDate)
	// The only publication is the initial dependency-hash touch.
	require.Len(t, cp.Published, 1)
}

func TestMaterializationControllerFailedSyncStaysPending(t *testing.T) {
	var capture, mat, state = materializationFixture()
	var cp = controlplane.NewFake(testStart, capture, mat)
	cp.ScriptedPublishes = []controlplane.PublishResult{
		{PublicationID: ids.ID(100), Status: model.PublicationBuildFailed,
			Incompatible: []model.IncompatibleCollection{{Collection: "acmeCo/cc"}}},
	}

	require.NoError(t, Run(context.Background(), MaterializationController{}, cp, state))

	var status = state.Current.Materialization
	require.False(t, status.SourceCapture.UpToDate)
	require.Equal(t, []model.CatalogName{"acmeCo/cc"}, status.SourceCapture.AddBindings)

	// The failed sync publication is in the history (behind the later
	// dependency-hash touch), carrying its incompatibility details.
	var failed *model.PublicationInfo
	for i := range status.Publications.History {
		if status.Publications.History[i].Result == model.PublicationBuildFailed {
			failed = &status.Publications.History[i]
		}
	}
	require.NotNil(t, failed)
	require.NotEmpty(t, failed.Incompatible,
		"incompatibility details are carried into the history")
}

func TestMaterializationControllerRecordsDependencyHash(t *testing.T) {
	var capture, mat, state = materializationFixture()
	capture.Model = []byte(`{"bindings":[{"resource":{"stream":"bb"},"target":"acmeCo/bb"}]}`)
	var cp = controlplane.NewFake(testStart, capture, mat)

	require.NoError(t, Run(context.Background(), MaterializationController{}, cp, state))
	var hash = state.Current.Materialization.DependencyHash
	require.NotEmpty(t, hash)

	// A second run with unchanged dependencies publishes nothing new.
	var published = len(cp.Published)
	require.NoError(t, Run(context.Background(), MaterializationController{}, cp, state))
	require.Len(t, cp.Published, published)
	require.Equal(t, hash, state.Current.Materialization.DependencyHash)

	// Changing the bound collection's model changes the hash and
	// publishes a touch.
	var bb = model.LiveSpec{
		CatalogName: "acmeCo/bb",
		SpecType:    model.CatalogTypeCollection,
		Model:       []byte(`{"key":["/id"]}`),
	}
	cp.LiveSpecs[bb.CatalogName] = bb
	require.NoError(t, Run(context.Background(), MaterializationController{}, cp, state))
	require.Len(t, cp.Published, published+1)
	require.NotEqual(t, hash, state.Current.Materialization.DependencyHash)
}
