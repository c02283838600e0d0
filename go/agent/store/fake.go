package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
)

// Fake is a deterministic, in-memory Store for tests of the Publisher
// and task-queue runtime that don't need a real Postgres instance.
type Fake struct {
	mu sync.Mutex

	LiveSpecs    map[model.CatalogName]model.LiveSpec
	Edges        []model.FlowEdge
	Tasks        map[ids.ID]model.Task
	Schemas      map[model.CatalogName]model.InferredSchema
	Alerts       map[alertKey]model.AlertHistory
	Jobs         map[ids.ID]model.ControllerState
	Drafts       map[ids.ID][]model.DraftSpec
	DraftOwners  map[ids.ID]string
	Publications []model.Publication
	Mappings     map[string][]string
	Quotas       map[string]model.Quota

	wake chan struct{}
}

type alertKey struct {
	name model.CatalogName
	kind model.AlertType
}

var _ Store = (*Fake)(nil)

// NewFake builds an empty Fake store.
func NewFake() *Fake {
	return &Fake{
		LiveSpecs:   map[model.CatalogName]model.LiveSpec{},
		Tasks:       map[ids.ID]model.Task{},
		Schemas:     map[model.CatalogName]model.InferredSchema{},
		Alerts:      map[alertKey]model.AlertHistory{},
		Jobs:        map[ids.ID]model.ControllerState{},
		Drafts:      map[ids.ID][]model.DraftSpec{},
		DraftOwners: map[ids.ID]string{},
		Mappings:    map[string][]string{},
		Quotas:      map[string]model.Quota{},
		wake:        make(chan struct{}),
	}
}

func (f *Fake) CreateTask(_ context.Context, taskID ids.ID, taskType model.TaskType, parentID *ids.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Tasks[taskID]; ok {
		return nil
	}
	f.Tasks[taskID] = model.Task{ID: taskID, Type: taskType, ParentID: parentID, WakeAt: time.Now()}
	f.broadcastWakeLocked()
	return nil
}

func (f *Fake) SendToTask(_ context.Context, taskID, senderID ids.ID, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var t = f.Tasks[taskID]
	t.Inbox = append(t.Inbox, model.InboxEntry{SenderID: senderID, Payload: payload})
	t.WakeAt = time.Time{} // always <= now
	f.Tasks[taskID] = t
	f.broadcastWakeLocked()
	return nil
}

// broadcastWakeLocked wakes every AwaitTaskWake waiter. Callers hold mu.
func (f *Fake) broadcastWakeLocked() {
	close(f.wake)
	f.wake = make(chan struct{})
}

func (f *Fake) AwaitTaskWake(ctx context.Context) error {
	f.mu.Lock()
	var ch = f.wake
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (f *Fake) DequeueTasks(_ context.Context, taskType model.TaskType, limit int, now, cutoff time.Time) ([]model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ready []model.Task
	for _, t := range f.Tasks {
		if t.Type == taskType && !t.WakeAt.After(now) && t.Heartbeat.Before(cutoff) {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].WakeAt.After(ready[j].WakeAt) })
	if len(ready) > limit {
		ready = ready[:limit]
	}
	for _, t := range ready {
		t.Heartbeat = now
		f.Tasks[t.ID] = t
	}
	return ready, nil
}

func (f *Fake) HeartbeatTask(_ context.Context, taskID ids.ID, heartbeat time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var t = f.Tasks[taskID]
	t.Heartbeat = heartbeat
	f.Tasks[taskID] = t
	return nil
}

func (f *Fake) UpdateTaskState(_ context.Context, taskID ids.ID, state []byte, wakeAt time.Time, consumedInbox int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var t = f.Tasks[taskID]
	t.State = state
	t.WakeAt = wakeAt
	t.Heartbeat = time.Time{} // Lease released.
	if consumedInbox <= len(t.Inbox) {
		t.Inbox = t.Inbox[consumedInbox:]
	}
	f.Tasks[taskID] = t
	return nil
}

// TaskCount returns the number of task rows, for tests that await
// completions racing with worker goroutines.
func (f *Fake) TaskCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Tasks)
}

func (f *Fake) DeleteTask(_ context.Context, taskID ids.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Tasks, taskID)
	return nil
}

func (f *Fake) FetchControllerJob(_ context.Context, liveSpecID ids.ID) (model.ControllerState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var job, ok = f.Jobs[liveSpecID]
	return job, ok, nil
}

func (f *Fake) UpsertControllerJob(_ context.Context, state model.ControllerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Jobs[state.LiveSpecID] = state
	return nil
}

func (f *Fake) DeleteControllerJob(_ context.Context, liveSpecID ids.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Jobs, liveSpecID)
	return nil
}

func (f *Fake) FetchDraftSpecs(_ context.Context, draftID ids.ID) ([]model.DraftSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.DraftSpec(nil), f.Drafts[draftID]...), nil
}

func (f *Fake) FetchStorageMappings(_ context.Context) (map[string][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out = make(map[string][]string, len(f.Mappings))
	for k, v := range f.Mappings {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

func (f *Fake) FetchTenant(_ context.Context, tenant string) (model.Quota, int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var quota = f.Quotas[tenant]
	quota.Tenant = tenant

	var tasks, collections int
	for _, s := range f.LiveSpecs {
		if s.CatalogName.Tenant() != tenant || s.IsDeleted() {
			continue
		}
		switch s.SpecType {
		case model.CatalogTypeCapture, model.CatalogTypeMaterialization:
			tasks++
		case model.CatalogTypeCollection:
			collections++
		}
	}
	return quota, tasks, collections, nil
}

func (f *Fake) CreateDraft(_ context.Context, draftID ids.ID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DraftOwners[draftID] = userID
	return nil
}

func (f *Fake) UpsertDraftSpec(_ context.Context, spec model.DraftSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var specs = f.Drafts[spec.DraftID]
	for i := range specs {
		if specs[i].CatalogName == spec.CatalogName {
			specs[i] = spec
			return nil
		}
	}
	f.Drafts[spec.DraftID] = append(specs, spec)
	return nil
}

func (f *Fake) ListDrafts(_ context.Context, userID string) ([]ids.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ids.ID
	for id, owner := range f.DraftOwners {
		if owner == userID {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out, nil
}

func (f *Fake) DeleteDraft(_ context.Context, draftID ids.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Drafts, draftID)
	delete(f.DraftOwners, draftID)
	return nil
}

func (f *Fake) RecordPublication(_ context.Context, pub model.Publication) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Publications = append(f.Publications, pub)
	return nil
}

func (f *Fake) ResolveExpandedRows(_ context.Context, _ []ids.ID) ([]model.LiveSpec, []model.FlowEdge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var specs = make([]model.LiveSpec, 0, len(f.LiveSpecs))
	for _, s := range f.LiveSpecs {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].CatalogName < specs[j].CatalogName })
	return specs, append([]model.FlowEdge(nil), f.Edges...), nil
}

func (f *Fake) FetchLiveSpecs(_ context.Context, _ string, names []model.CatalogName) ([]model.LiveSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.LiveSpec
	for _, n := range names {
		if s, ok := f.LiveSpecs[n]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *Fake) FetchLiveSpecByID(_ context.Context, id ids.ID) (model.LiveSpec, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.LiveSpecs {
		if s.ID == id {
			return s, true, nil
		}
	}
	return model.LiveSpec{}, false, nil
}

func (f *Fake) FetchInferredSchemas(_ context.Context, names []model.CatalogName) ([]model.InferredSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.InferredSchema
	for _, n := range names {
		if s, ok := f.Schemas[n]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *Fake) FetchConsumers(_ context.Context, catalogName model.CatalogName) ([]model.CatalogName, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var nameByID = make(map[ids.ID]model.CatalogName, len(f.LiveSpecs))
	var sourceID ids.ID
	for _, s := range f.LiveSpecs {
		nameByID[s.ID] = s.CatalogName
		if s.CatalogName == catalogName {
			sourceID = s.ID
		}
	}

	var out []model.CatalogName
	for _, e := range f.Edges {
		if e.FlowType == model.FlowTypeMaterialization && e.SourceID == sourceID {
			if name, ok := nameByID[e.TargetID]; ok {
				out = append(out, name)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *Fake) NotifyDependents(_ context.Context, _ model.CatalogName, _ ids.ID, _ time.Time) error {
	return nil
}

func (f *Fake) RecordAlert(_ context.Context, catalogName model.CatalogName, kind model.AlertType, arguments []byte, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var key = alertKey{catalogName, kind}
	if existing, ok := f.Alerts[key]; ok && existing.ResolvedAt == nil {
		existing.Arguments = arguments
		f.Alerts[key] = existing
		return nil
	}
	f.Alerts[key] = model.AlertHistory{AlertType: kind, CatalogName: catalogName, FiredAt: now, Arguments: arguments}
	return nil
}

func (f *Fake) ResolveAlert(_ context.Context, catalogName model.CatalogName, kind model.AlertType, resolvedArguments []byte, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var key = alertKey{catalogName, kind}
	if existing, ok := f.Alerts[key]; ok && existing.ResolvedAt == nil {
		existing.ResolvedAt = &now
		existing.ResolvedArguments = resolvedArguments
		f.Alerts[key] = existing
	}
	return nil
}

func (f *Fake) ListAlerts(_ context.Context, prefix string, firingOnly bool) ([]model.AlertHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AlertHistory
	for _, a := range f.Alerts {
		if !strings.HasPrefix(string(a.CatalogName), prefix) {
			continue
		}
		if firingOnly && a.ResolvedAt != nil {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out, nil
}

func (f *Fake) LockSpecs(_ context.Context, _ []model.CatalogName) error { return nil }

func (f *Fake) CommitPublication(_ context.Context, pub model.Publication, specs []model.LiveSpec, edges []model.FlowEdge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range specs {
		f.LiveSpecs[s.CatalogName] = s
	}
	f.Edges = append(f.Edges, edges...)
	f.Publications = append(f.Publications, pub)
	return nil
}

func (f *Fake) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return fn(ctx, nil)
}
