package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/flow/go/agent/controlplane"
	"github.com/estuary/flow/go/agent/model"
	"github.com/estuary/flow/go/agent/store"
)

var testStart = time.Date(2024, 8, 12, 10, 0, 0, 0, time.UTC)

func TestReconcileFiresAndResolves(t *testing.T) {
	var cp = controlplane.NewFake(testStart)
	var name = model.CatalogName("acmeCo/source-foo")

	// Firing.
	var firing, err = Reconcile(context.Background(), cp, name, testStart, nil,
		AutoDiscoverFailedSignal(3, "connector unreachable"))
	require.NoError(t, err)
	require.Equal(t, []model.AlertType{model.AlertAutoDiscoverFailed}, firing)
	require.True(t, cp.Alerts[controlplane.AlertKey(name, model.AlertAutoDiscoverFailed)])

	// Still firing: idempotent.
	firing, err = Reconcile(context.Background(), cp, name, testStart, firing,
		AutoDiscoverFailedSignal(4, "connector unreachable"))
	require.NoError(t, err)
	require.Len(t, firing, 1)

	// Resolved.
	firing, err = Reconcile(context.Background(), cp, name, testStart, firing, nil)
	require.NoError(t, err)
	require.Empty(t, firing)
	require.False(t, cp.Alerts[controlplane.AlertKey(name, model.AlertAutoDiscoverFailed)])
}

func TestSignalThresholds(t *testing.T) {
	require.Empty(t, AutoDiscoverFailedSignal(AutoDiscoverFailedThreshold-1, "x"))
	require.Len(t, AutoDiscoverFailedSignal(AutoDiscoverFailedThreshold, "x"), 1)
	require.Empty(t, ShardFailedSignal(0))
	require.Len(t, ShardFailedSignal(ShardFailedThreshold), 1)
}

// TestAlertHistorySingleOpenRow drives the store-level invariant: for a
// given (catalog_name, alert_type), at most one history row is open, a
// repeat record while firing updates arguments in place, and resolving
// sets resolved_at on that row without inserting a new firing row.
func TestAlertHistorySingleOpenRow(t *testing.T) {
	var st = store.NewFake()
	var ctx = context.Background()
	var name = model.CatalogName("acmeCo/source-foo")

	require.NoError(t, st.RecordAlert(ctx, name, model.AlertAutoDiscoverFailed, []byte(`{"failures":3}`), testStart))
	require.NoError(t, st.RecordAlert(ctx, name, model.AlertAutoDiscoverFailed, []byte(`{"failures":4}`), testStart.Add(time.Minute)))

	var open, err = st.ListAlerts(ctx, "acmeCo/", true)
	require.NoError(t, err)
	require.Len(t, open, 1, "re-recording a firing alert must not open a second row")
	require.JSONEq(t, `{"failures":4}`, string(open[0].Arguments))
	require.Equal(t, testStart, open[0].FiredAt, "the original fired_at is retained")

	var resolvedAt = testStart.Add(time.Hour)
	require.NoError(t, st.ResolveAlert(ctx, name, model.AlertAutoDiscoverFailed, nil, resolvedAt))

	open, err = st.ListAlerts(ctx, "acmeCo/", true)
	require.NoError(t, err)
	require.Empty(t, open)

	var all []model.AlertHistory
	all, err = st.ListAlerts(ctx, "acmeCo/", false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].ResolvedAt)
	require.Equal(t, resolvedAt, *all[0].ResolvedAt)

	// Resolving again is a no-op.
	require.NoError(t, st.ResolveAlert(ctx, name, model.AlertAutoDiscoverFailed, nil, resolvedAt.Add(time.Hour)))
	all, err = st.ListAlerts(ctx, "acmeCo/", false)
	require.NoError(t, err)
	require.Equal(t, resolvedAt, *all[0].ResolvedAt)
}

func TestQueryReadsThroughStore(t *testing.T) {
	var st = store.NewFake()
	var ctx = context.Background()
	require.NoError(t, st.RecordAlert(ctx, "acmeCo/a", model.AlertShardFailed, nil, testStart))
	require.NoError(t, st.RecordAlert(ctx, "acmeCo/b", model.AlertTestFailed, nil, testStart.Add(time.Minute)))
	require.NoError(t, st.ResolveAlert(ctx, "acmeCo/b", model.AlertTestFailed, nil, testStart.Add(time.Hour)))

	var q = &Query{Store: st}
	var firing, err = q.FiringByPrefix(ctx, "acmeCo/")
	require.NoError(t, err)
	require.Len(t, firing, 1)
	require.Equal(t, model.AlertShardFailed, firing[0].AlertType)

	history, err := q.HistoryByPrefix(ctx, "acmeCo/")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, model.CatalogName("acmeCo/b"), history[0].CatalogName, "newest first")
}
