// Package alerts implements alert derivation: alerts are a
// deterministic function of a controller's current status and recent
// history, reconciled against alert_history in one step per run. Query
// is the read-side surface a presentation layer consumes, independent
// of the write-side reconciliation below.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/estuary/flow/go/agent/controlplane"
	"github.com/estuary/flow/go/agent/model"
	"github.com/estuary/flow/go/agent/store"
)

// AutoDiscoverFailedThreshold is the consecutive-failure count at which
// a capture's auto-discover failures escalate into a firing alert.
const AutoDiscoverFailedThreshold = 3

// ShardFailedThreshold is the shard-failure count at which a task's
// activation status escalates into a firing ShardFailed alert.
const ShardFailedThreshold = 1

// Signal is one alert a controller run determined should be firing right
// now, carrying the structured arguments the eventual notification
// message is formatted from.
type Signal struct {
	Type      model.AlertType
	Arguments map[string]any
}

// Reconcile compares desired (the alerts that should be firing after this
// controller run) against current (the alert types the controller
// previously recorded as firing), issues the matching RecordAlert /
// ResolveAlert calls through cp, and returns the updated firing set to
// store back onto the controller's status.
func Reconcile(ctx context.Context, cp controlplane.ControlPlane, name model.CatalogName, now time.Time, current []model.AlertType, desired []Signal) ([]model.AlertType, error) {
	var wasFiring = make(map[model.AlertType]bool, len(current))
	for _, t := range current {
		wasFiring[t] = true
	}

	var nowFiring = make(map[model.AlertType]bool, len(desired))
	var next []model.AlertType
	for _, sig := range desired {
		nowFiring[sig.Type] = true
		next = append(next, sig.Type)

		var args, err = json.Marshal(sig.Arguments)
		if err != nil {
			return nil, fmt.Errorf("marshalling %s alert arguments for %s: %w", sig.Type, name, err)
		}
		// RecordAlert is idempotent while already firing, so it's safe
		// to call every run rather than only on the not-firing->firing
		// transition; this also keeps Arguments fresh for a firing
		// alert whose details changed (e.g. failure count climbing).
		if err := cp.RecordAlert(ctx, name, sig.Type, args, now); err != nil {
			return nil, fmt.Errorf("recording %s alert for %s: %w", sig.Type, name, err)
		}
	}

	for t := range wasFiring {
		if !nowFiring[t] {
			if err := cp.ResolveAlert(ctx, name, t, nil, now); err != nil {
				return nil, fmt.Errorf("resolving %s alert for %s: %w", t, name, err)
			}
		}
	}

	sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
	return next, nil
}

// AutoDiscoverFailedSignal returns the AutoDiscoverFailed alert, if
// failures has reached the threshold, else nil.
func AutoDiscoverFailedSignal(failures int, lastErr string) []Signal {
	if failures < AutoDiscoverFailedThreshold {
		return nil
	}
	return []Signal{{
		Type: model.AlertAutoDiscoverFailed,
		Arguments: map[string]any{
			"failures":  failures,
			"last_error": lastErr,
		},
	}}
}

// ShardFailedSignal returns the ShardFailed alert, if the data plane has
// reported at least ShardFailedThreshold shard failures since the last
// successful activation.
func ShardFailedSignal(shardFailures int) []Signal {
	if shardFailures < ShardFailedThreshold {
		return nil
	}
	return []Signal{{
		Type:      model.AlertShardFailed,
		Arguments: map[string]any{"count": shardFailures},
	}}
}

// Query is the read-side surface a presentation layer calls to list
// alerts, independent of the controllers that write alert_history. It
// holds no write methods.
type Query struct {
	Store store.Store
}

// FiringByPrefix returns every currently-firing alert for catalog
// names under prefix, newest first.
func (q *Query) FiringByPrefix(ctx context.Context, prefix string) ([]model.AlertHistory, error) {
	return q.Store.ListAlerts(ctx, prefix, true)
}

// HistoryByPrefix returns every alert (firing and resolved) for
// catalog names under prefix, newest first.
func (q *Query) HistoryByPrefix(ctx context.Context, prefix string) ([]model.AlertHistory, error) {
	return q.Store.ListAlerts(ctx, prefix, false)
}
