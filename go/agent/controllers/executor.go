package controllers

import (
	"context"
	"time"

	"github.com/estuary/flow/go/agent/controlplane"
	"github.com/estuary/flow/go/agent/model"
	"github.com/estuary/flow/go/agent/store"
	"github.com/estuary/flow/go/agent/tasks"
)

// farFuture is the wake_at of a controller with no scheduled run: it
// sleeps until a dependent notification's send bumps it awake.
var farFuture = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// Executor adapts controllers to the task-queue runtime: each poll loads
// the controller's persisted state, dispatches the catalog-type
// controller, and persists the mutated state back.
type Executor struct {
	Store store.Store
	CP    controlplane.ControlPlane
}

// Poll runs one controller turn for the task's live spec.
func (e *Executor) Poll(ctx context.Context, t model.Task) (tasks.PollResult, error) {
	var live, ok, err = e.Store.FetchLiveSpecByID(ctx, t.ID)
	if err != nil {
		return tasks.PollResult{}, err
	}
	job, found, err := e.Store.FetchControllerJob(ctx, t.ID)
	if err != nil {
		return tasks.PollResult{}, err
	}

	if !ok {
		// The live spec row was purged; the controller goes with it.
		if found {
			if err := e.Store.DeleteControllerJob(ctx, t.ID); err != nil {
				return tasks.PollResult{}, err
			}
		}
		return tasks.PollResult{Done: true}, nil
	}
	if !found {
		job = model.ControllerState{LiveSpecID: t.ID, CatalogName: live.CatalogName}
	}
	job.CatalogName = live.CatalogName
	job.LiveSpecUpdatedAt = live.UpdatedAt
	job.LastPubID = live.LastPubID
	job.LastBuildID = live.LastBuildID

	if live.IsDeleted() {
		// Logically deleted: resolve whatever alerts the controller
		// left firing, drop its state, and finish. The live spec row
		// itself is retained for audit.
		var now = e.CP.CurrentTime()
		for _, kind := range firingAlerts(&job.Current) {
			if err := e.CP.ResolveAlert(ctx, job.CatalogName, kind, nil, now); err != nil {
				return tasks.PollResult{}, err
			}
		}
		if err := e.Store.DeleteControllerJob(ctx, t.ID); err != nil {
			return tasks.PollResult{}, err
		}
		return tasks.PollResult{Done: true}, nil
	}

	ctrl, err := New(live.SpecType)
	if err != nil {
		return tasks.PollResult{}, err
	}
	if err := Run(ctx, ctrl, e.CP, &job); err != nil {
		return tasks.PollResult{}, err
	}
	if err := e.Store.UpsertControllerJob(ctx, job); err != nil {
		return tasks.PollResult{}, err
	}

	var wake = farFuture
	if job.NextRun != nil {
		wake = *job.NextRun
	}
	return tasks.PollResult{State: t.State, WakeAt: wake}, nil
}

func firingAlerts(s *model.Status) []model.AlertType {
	switch s.CatalogType() {
	case model.CatalogTypeCapture:
		return s.Capture.AlertsFiring
	case model.CatalogTypeMaterialization:
		return s.Materialization.AlertsFiring
	case model.CatalogTypeTest:
		return s.Test.AlertsFiring
	default:
		return nil
	}
}
