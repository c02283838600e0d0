package controllers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/flow/go/agent/controlplane"
	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
	"github.com/estuary/flow/go/agent/store"
)

func TestExecutorRunsControllerAndPersistsJob(t *testing.T) {
	var live, _ = collectionFixture()
	var st = store.NewFake()
	st.LiveSpecs[live.CatalogName] = live
	var cp = controlplane.NewFake(testStart, live)

	var exec = &Executor{Store: st, CP: cp}
	var result, err = exec.Poll(context.Background(), model.Task{ID: live.ID, Type: model.TaskTypeController})
	require.NoError(t, err)
	require.False(t, result.Done)

	job, found, err := st.FetchControllerJob(context.Background(), live.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, live.CatalogName, job.CatalogName)
	require.Equal(t, model.CatalogTypeCollection, job.Current.CatalogType())
	require.Equal(t, Version, job.ControllerVersion)
	require.NotNil(t, job.NextRun)
	require.Equal(t, *job.NextRun, result.WakeAt, "the task sleeps until the controller's next run")
}

func TestExecutorCompletesDeletedSpec(t *testing.T) {
	var live, _ = collectionFixture()
	live.Model = nil // Logically deleted.
	live.BuiltSpec = nil

	var st = store.NewFake()
	st.LiveSpecs[live.CatalogName] = live
	st.Jobs[live.ID] = model.ControllerState{LiveSpecID: live.ID, CatalogName: live.CatalogName}
	var cp = controlplane.NewFake(testStart, live)

	var exec = &Executor{Store: st, CP: cp}
	var result, err = exec.Poll(context.Background(), model.Task{ID: live.ID, Type: model.TaskTypeController})
	require.NoError(t, err)
	require.True(t, result.Done)

	_, found, err := st.FetchControllerJob(context.Background(), live.ID)
	require.NoError(t, err)
	require.False(t, found, "a deleted spec's controller job is removed")
}

func TestExecutorCompletesWhenLiveSpecPurged(t *testing.T) {
	var st = store.NewFake()
	st.Jobs[ids.ID(77)] = model.ControllerState{LiveSpecID: ids.ID(77), CatalogName: "acmeCo/gone"}
	var cp = controlplane.NewFake(testStart)

	var exec = &Executor{Store: st, CP: cp}
	var result, err = exec.Poll(context.Background(), model.Task{ID: ids.ID(77), Type: model.TaskTypeController})
	require.NoError(t, err)
	require.True(t, result.Done)

	_, found, _ := st.FetchControllerJob(context.Background(), ids.ID(77))
	require.False(t, found)
}

func TestExecutorResolvesAlertsOfDeletedSpec(t *testing.T) {
	var live, _ = captureFixture()
	live.Model = nil
	var st = store.NewFake()
	st.LiveSpecs[live.CatalogName] = live

	var job = model.ControllerState{LiveSpecID: live.ID, CatalogName: live.CatalogName}
	job.Current.Capture = &model.CaptureStatus{AlertsFiring: []model.AlertType{model.AlertAutoDiscoverFailed}}
	st.Jobs[live.ID] = job

	var cp = controlplane.NewFake(testStart, live)
	cp.Alerts[controlplane.AlertKey(live.CatalogName, model.AlertAutoDiscoverFailed)] = true

	var exec = &Executor{Store: st, CP: cp}
	var result, err = exec.Poll(context.Background(), model.Task{ID: live.ID, Type: model.TaskTypeController})
	require.NoError(t, err)
	require.True(t, result.Done)
	require.False(t, cp.Alerts[controlplane.AlertKey(live.CatalogName, model.AlertAutoDiscoverFailed)],
		"alerts left firing by a deleted spec are resolved")
}
