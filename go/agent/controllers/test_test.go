package controllers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/flow/go/agent/controlplane"
	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
)

func testSpecFixture() (model.LiveSpec, model.LiveSpec, *model.ControllerState) {
	var collection = model.LiveSpec{
		ID:          ids.ID(31),
		CatalogName: "acmeCo/bb",
		SpecType:    model.CatalogTypeCollection,
		Model:       []byte(`{"key":["/id"]}`),
		LastPubID:   ids.ID(2),
	}
	var test = model.LiveSpec{
		ID:          ids.ID(32),
		CatalogName: "acmeCo/my-test",
		SpecType:    model.CatalogTypeTest,
		Model:       []byte(`{"steps":[{"collection":"acmeCo/bb"}]}`),
		LastPubID:   ids.ID(3),
		LastBuildID: ids.ID(7),
	}
	var state = &model.ControllerState{
		LiveSpecID:  test.ID,
		CatalogName: test.CatalogName,
		LastPubID:   test.LastPubID,
		LastBuildID: test.LastBuildID,
	}
	return collection, test, state
}

func TestTestControllerRerunsOnDependencyBuildChange(t *testing.T) {
	var collection, test, state = testSpecFixture()
	var cp = controlplane.NewFake(testStart, collection, test)

	// First run records the dependency fingerprint via an initial run.
	require.NoError(t, Run(context.Background(), TestController{}, cp, state))
	require.Len(t, cp.Published, 1)
	require.True(t, state.Current.Test.Passing)

	// An unchanged dependency doesn't rerun.
	require.NoError(t, Run(context.Background(), TestController{}, cp, state))
	require.Len(t, cp.Published, 1)

	// A build-only change of the collection (a touch refresh or an
	// inferred-schema widening: last_build_id advances, the model bytes
	// don't) reruns the test.
	collection.LastBuildID = ids.ID(uint64(collection.LastBuildID) + 1)
	cp.LiveSpecs[collection.CatalogName] = collection
	require.NoError(t, Run(context.Background(), TestController{}, cp, state))
	require.Len(t, cp.Published, 2)
	require.True(t, state.Current.Test.Passing)

	// A model change lands with its own publication's new build id and
	// reruns as well.
	collection.Model = []byte(`{"key":["/id"],"schema":{"widened":true}}`)
	collection.LastBuildID = ids.ID(uint64(collection.LastBuildID) + 1)
	cp.LiveSpecs[collection.CatalogName] = collection
	require.NoError(t, Run(context.Background(), TestController{}, cp, state))
	require.Len(t, cp.Published, 3)
	require.True(t, state.Current.Test.Passing)
}

func TestTestControllerRerunsOnGenerationRecreation(t *testing.T) {
	var collection, test, state = testSpecFixture()
	collection.BuiltSpec = []byte(`{"key":["/id"],"generationId":"0000000000000005"}`)
	var cp = controlplane.NewFake(testStart, collection, test)

	require.NoError(t, Run(context.Background(), TestController{}, cp, state))
	require.Len(t, cp.Published, 1)

	// The collection is recreated under a new generation with the same
	// build id and model: the test still reruns.
	collection.BuiltSpec = []byte(`{"key":["/id"],"generationId":"0000000000000009"}`)
	cp.LiveSpecs[collection.CatalogName] = collection
	require.NoError(t, Run(context.Background(), TestController{}, cp, state))
	require.Len(t, cp.Published, 2)
}

func TestTestControllerFailingTestRaisesAlert(t *testing.T) {
	var collection, test, state = testSpecFixture()
	var cp = controlplane.NewFake(testStart, collection, test)

	require.NoError(t, Run(context.Background(), TestController{}, cp, state))
	require.True(t, state.Current.Test.Passing)

	// The dependency republishes and the rerun fails.
	collection.Model = []byte(`{"key":["/id"],"schema":{"widened":true}}`)
	collection.LastBuildID = ids.ID(uint64(collection.LastBuildID) + 1)
	cp.LiveSpecs[collection.CatalogName] = collection
	cp.ScriptedPublishes = []controlplane.PublishResult{
		{PublicationID: ids.ID(100), Status: model.PublicationPublishFailed,
			Errors: []model.DraftError{{CatalogName: test.CatalogName, Detail: "test verification failed"}}},
	}
	require.NoError(t, Run(context.Background(), TestController{}, cp, state))

	require.False(t, state.Current.Test.Passing)
	require.Contains(t, state.Current.Test.AlertsFiring, model.AlertTestFailed)
	require.True(t, cp.Alerts[controlplane.AlertKey(test.CatalogName, model.AlertTestFailed)])

	// A later passing rerun resolves the alert.
	collection.Model = []byte(`{"key":["/id"],"schema":{"fixed":true}}`)
	collection.LastBuildID = ids.ID(uint64(collection.LastBuildID) + 1)
	cp.LiveSpecs[collection.CatalogName] = collection
	require.NoError(t, Run(context.Background(), TestController{}, cp, state))
	require.True(t, state.Current.Test.Passing)
	require.NotContains(t, state.Current.Test.AlertsFiring, model.AlertTestFailed)
	require.False(t, cp.Alerts[controlplane.AlertKey(test.CatalogName, model.AlertTestFailed)])
}
