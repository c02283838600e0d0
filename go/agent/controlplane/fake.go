package controlplane

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
)

// Fake is a deterministic, in-memory ControlPlane for controller unit
// tests: no network, no clock reads unless Now is advanced explicitly.
type Fake struct {
	mu sync.Mutex

	Now        time.Time
	LiveSpecs  map[model.CatalogName]model.LiveSpec
	Schemas    map[model.CatalogName]model.InferredSchema
	Alerts     map[FakeAlertKey]bool
	Published  []PublishResult
	Activated  map[model.CatalogName]ids.ID

	// ScriptedPublishes are returned (and popped) in order by Publish*
	// calls instead of the default success synthesized from the stored
	// LiveSpecs; lets a test script build_failed outcomes.
	ScriptedPublishes []PublishResult

	// NextDiscover, if non-nil, is returned (and popped) by the next
	// Discover call; lets a test script a connector's discovered bindings.
	NextDiscover *DiscoverResult
	DiscoverErr  error
}

// FakeAlertKey keys the Fake's Alerts map by catalog name and alert
// type.
type FakeAlertKey struct {
	Name model.CatalogName
	Kind model.AlertType
}

// AlertKey builds the Alerts map key of (name, kind).
func AlertKey(name model.CatalogName, kind model.AlertType) FakeAlertKey {
	return FakeAlertKey{Name: name, Kind: kind}
}

var _ ControlPlane = (*Fake)(nil)

// NewFake builds an empty Fake seeded with the given live specs.
func NewFake(now time.Time, specs ...model.LiveSpec) *Fake {
	var f = &Fake{
		Now:       now,
		LiveSpecs: map[model.CatalogName]model.LiveSpec{},
		Schemas:   map[model.CatalogName]model.InferredSchema{},
		Alerts:    map[FakeAlertKey]bool{},
		Activated: map[model.CatalogName]ids.ID{},
	}
	for _, s := range specs {
		f.LiveSpecs[s.CatalogName] = s
	}
	return f
}

func (f *Fake) GetLiveSpec(_ context.Context, name model.CatalogName) (model.LiveSpec, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s, ok = f.LiveSpecs[name]
	return s, ok, nil
}

func (f *Fake) GetInferredSchema(_ context.Context, name model.CatalogName) (model.InferredSchema, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s, ok = f.Schemas[name]
	return s, ok, nil
}

// GetConsumers derives the consuming materializations of name from the
// binding sources of the materialization models the Fake holds.
func (f *Fake) GetConsumers(_ context.Context, name model.CatalogName) ([]model.CatalogName, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.CatalogName
	for _, s := range f.LiveSpecs {
		if s.SpecType != model.CatalogTypeMaterialization || s.IsDeleted() {
			continue
		}
		var doc struct {
			Bindings []struct {
				Source model.CatalogName `json:"source"`
			} `json:"bindings"`
		}
		if json.Unmarshal(s.Model, &doc) != nil {
			continue
		}
		for _, b := range doc.Bindings {
			if b.Source == name {
				out = append(out, s.CatalogName)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *Fake) PublishTouch(ctx context.Context, name model.CatalogName, expectPubID ids.ID) (PublishResult, error) {
	return f.doPublish(name, expectPubID)
}

func (f *Fake) PublishUpdate(ctx context.Context, name model.CatalogName, expectPubID ids.ID, update []byte, detail string) (PublishResult, error) {
	f.mu.Lock()
	if s, ok := f.LiveSpecs[name]; ok {
		s.Model = update
		f.LiveSpecs[name] = s
	}
	f.mu.Unlock()
	return f.doPublish(name, expectPubID)
}

func (f *Fake) doPublish(name model.CatalogName, expectPubID ids.ID) (PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.ScriptedPublishes) != 0 {
		var r = f.ScriptedPublishes[0]
		f.ScriptedPublishes = f.ScriptedPublishes[1:]
		f.Published = append(f.Published, r)
		return r, nil
	}

	var live = f.LiveSpecs[name]
	var pubID = ids.ID(uint64(expectPubID) + 1)
	live.LastPubID = pubID
	f.LiveSpecs[name] = live

	var r = PublishResult{PublicationID: pubID, Status: model.PublicationSuccess}
	f.Published = append(f.Published, r)
	return r, nil
}

func (f *Fake) RecordAlert(_ context.Context, name model.CatalogName, kind model.AlertType, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Alerts[FakeAlertKey{name, kind}] = true
	return nil
}

func (f *Fake) ResolveAlert(_ context.Context, name model.CatalogName, kind model.AlertType, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Alerts, FakeAlertKey{name, kind})
	return nil
}

func (f *Fake) Activate(_ context.Context, name model.CatalogName) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Activated[name] = f.LiveSpecs[name].LastBuildID
	return nil
}

func (f *Fake) Discover(_ context.Context, _ model.CatalogName) (DiscoverResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DiscoverErr != nil {
		return DiscoverResult{}, f.DiscoverErr
	}
	if f.NextDiscover != nil {
		var r = *f.NextDiscover
		f.NextDiscover = nil
		return r, nil
	}
	return DiscoverResult{}, nil
}

func (f *Fake) CurrentTime() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Now
}
