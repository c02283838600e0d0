package controlplane

import (
	"context"
	"time"

	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
	"github.com/estuary/flow/go/agent/publish"
	"github.com/estuary/flow/go/agent/store"
)

// PGControlPlane is the Postgres-backed ControlPlane, delegating reads to
// a store.Store and publications to a publish.Publisher.
type PGControlPlane struct {
	Store     store.Store
	Publisher *publish.Publisher
	// Reactivator re-applies the stored built_spec of a live spec into
	// the data plane; nil is a no-op, used by tests that don't exercise
	// activation catch-up.
	Reactivator func(ctx context.Context, live model.LiveSpec) error
	// Discoverer invokes a capture connector's Discover RPC; nil always
	// returns an empty result.
	Discoverer func(ctx context.Context, name model.CatalogName, endpointConfig []byte) (DiscoverResult, error)
}

var _ ControlPlane = (*PGControlPlane)(nil)

func (p *PGControlPlane) GetLiveSpec(ctx context.Context, name model.CatalogName) (model.LiveSpec, bool, error) {
	var specs, err = p.Store.FetchLiveSpecs(ctx, "", []model.CatalogName{name})
	if err != nil {
		return model.LiveSpec{}, false, err
	}
	if len(specs) == 0 {
		return model.LiveSpec{}, false, nil
	}
	return specs[0], true, nil
}

func (p *PGControlPlane) GetInferredSchema(ctx context.Context, name model.CatalogName) (model.InferredSchema, bool, error) {
	var schemas, err = p.Store.FetchInferredSchemas(ctx, []model.CatalogName{name})
	if err != nil {
		return model.InferredSchema{}, false, err
	}
	if len(schemas) == 0 {
		return model.InferredSchema{}, false, nil
	}
	return schemas[0], true, nil
}

func (p *PGControlPlane) GetConsumers(ctx context.Context, name model.CatalogName) ([]model.CatalogName, error) {
	return p.Store.FetchConsumers(ctx, name)
}

func (p *PGControlPlane) PublishTouch(ctx context.Context, name model.CatalogName, expectPubID ids.ID) (PublishResult, error) {
	var live, ok, err = p.GetLiveSpec(ctx, name)
	if err != nil {
		return PublishResult{}, err
	}
	if !ok {
		return PublishResult{Status: model.PublicationEmptyDraft}, nil
	}
	return p.publish(ctx, []model.DraftSpec{{
		CatalogName: name,
		SpecType:    live.SpecType,
		Model:       live.Model,
		ExpectPubID: &expectPubID,
		IsTouch:     true,
	}})
}

func (p *PGControlPlane) PublishUpdate(ctx context.Context, name model.CatalogName, expectPubID ids.ID, update []byte, detail string) (PublishResult, error) {
	var live, ok, err = p.GetLiveSpec(ctx, name)
	if err != nil {
		return PublishResult{}, err
	}
	var specType = live.SpecType
	if !ok {
		return PublishResult{Status: model.PublicationEmptyDraft}, nil
	}
	return p.publish(ctx, []model.DraftSpec{{
		CatalogName: name,
		SpecType:    specType,
		Model:       update,
		ExpectPubID: &expectPubID,
	}})
}

func (p *PGControlPlane) publish(ctx context.Context, drafts []model.DraftSpec) (PublishResult, error) {
	var pub, err = p.Publisher.Publish(ctx, publish.Request{
		UserID: "controller",
		Drafts: drafts,
	})
	if err != nil {
		return PublishResult{}, err
	}
	return PublishResult{
		PublicationID: pub.ID,
		Status:        pub.Status,
		Errors:        pub.Errors,
		Incompatible:  pub.Incompatible,
	}, nil
}

func (p *PGControlPlane) RecordAlert(ctx context.Context, name model.CatalogName, kind model.AlertType, arguments []byte, now time.Time) error {
	return p.Store.RecordAlert(ctx, name, kind, arguments, now)
}

func (p *PGControlPlane) ResolveAlert(ctx context.Context, name model.CatalogName, kind model.AlertType, resolvedArguments []byte, now time.Time) error {
	return p.Store.ResolveAlert(ctx, name, kind, resolvedArguments, now)
}

func (p *PGControlPlane) Activate(ctx context.Context, name model.CatalogName) error {
	if p.Reactivator == nil {
		return nil
	}
	var live, ok, err = p.GetLiveSpec(ctx, name)
	if err != nil {
		return err
	}
	if !ok || live.BuiltSpec == nil {
		return nil
	}
	return p.Reactivator(ctx, live)
}

func (p *PGControlPlane) Discover(ctx context.Context, name model.CatalogName) (DiscoverResult, error) {
	if p.Discoverer == nil {
		return DiscoverResult{}, nil
	}
	var live, ok, err = p.GetLiveSpec(ctx, name)
	if err != nil {
		return DiscoverResult{}, err
	}
	if !ok {
		return DiscoverResult{}, nil
	}
	return p.Discoverer(ctx, name, live.Model)
}

func (p *PGControlPlane) CurrentTime() time.Time { return time.Now().UTC() }
