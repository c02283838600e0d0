package controllers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/flow/go/agent/controlplane"
	"github.com/estuary/flow/go/agent/model"
)

var testStart = time.Date(2024, 8, 12, 10, 0, 0, 0, time.UTC)

type pollFunc func(ctx context.Context, cp controlplane.ControlPlane, state *model.ControllerState) (*time.Time, error)

func (f pollFunc) Poll(ctx context.Context, cp controlplane.ControlPlane, state *model.ControllerState) (*time.Time, error) {
	return f(ctx, cp, state)
}

func TestBackoffIsMonotoneAndBounded(t *testing.T) {
	var prior time.Duration
	for failures := 0; failures != 20; failures++ {
		var d = Backoff(failures)
		require.GreaterOrEqual(t, d, prior)
		require.LessOrEqual(t, d, 4*time.Hour)
		prior = d
	}
	require.Equal(t, time.Minute, Backoff(1))
}

func TestRunSuccessResetsFailures(t *testing.T) {
	var cp = controlplane.NewFake(testStart)
	var state = &model.ControllerState{CatalogName: "acmeCo/x", Failures: 3}
	var errMsg = "stale"
	state.Error = &errMsg

	var wake = testStart.Add(time.Hour)
	require.NoError(t, Run(context.Background(), pollFunc(
		func(context.Context, controlplane.ControlPlane, *model.ControllerState) (*time.Time, error) {
			return &wake, nil
		}), cp, state))

	require.Zero(t, state.Failures)
	require.Nil(t, state.Error)
	require.Equal(t, &wake, state.NextRun)
}

func TestRunFailureIncrementsAndBacksOff(t *testing.T) {
	var cp = controlplane.NewFake(testStart)
	var state = &model.ControllerState{CatalogName: "acmeCo/x"}

	for failures := 1; failures <= 3; failures++ {
		require.NoError(t, Run(context.Background(), pollFunc(
			func(context.Context, controlplane.ControlPlane, *model.ControllerState) (*time.Time, error) {
				return nil, errors.New("dependency unavailable")
			}), cp, state))

		require.Equal(t, failures, state.Failures)
		require.NotNil(t, state.Error)
		require.Equal(t, testStart.Add(Backoff(failures)), *state.NextRun)
	}
}

func TestRunConvertsPanicToFailure(t *testing.T) {
	var cp = controlplane.NewFake(testStart)
	var state = &model.ControllerState{CatalogName: "acmeCo/x"}

	require.NotPanics(t, func() {
		_ = Run(context.Background(), pollFunc(
			func(context.Context, controlplane.ControlPlane, *model.ControllerState) (*time.Time, error) {
				panic("controller exploded")
			}), cp, state)
	})
	require.Equal(t, 1, state.Failures)
	require.Contains(t, *state.Error, "controller exploded")
	require.Equal(t, testStart.Add(Backoff(1)), *state.NextRun)
}

func TestControllerDispatchByCatalogType(t *testing.T) {
	for _, specType := range []model.CatalogType{
		model.CatalogTypeCapture,
		model.CatalogTypeCollection,
		model.CatalogTypeMaterialization,
		model.CatalogTypeTest,
	} {
		var ctrl, err = New(specType)
		require.NoError(t, err)
		require.NotNil(t, ctrl)
	}
	var _, err = New("journal")
	require.Error(t, err)
}
